package tickets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// NewToken returns an opaque 256-bit redemption token. It carries no
// embedded structure and cannot be derived from order id or timestamps.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
