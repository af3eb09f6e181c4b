package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusCompleted: true, StatusFailed: true},
	StatusCompleted: {},
	StatusFailed:    {},
}

// CanTransition reports whether from -> to is a legal order transition.
// pending is the only non-terminal state.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether s admits no further transitions.
func Terminal(s Status) bool {
	return len(validNext[s]) == 0
}
