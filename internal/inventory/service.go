package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Repository is what the service needs from storage. WithUnitLock must
// serialize all callers touching the same unit and bound the wait.
type Repository interface {
	WithUnitLock(ctx context.Context, unitID string, fn func(ctx context.Context, u Unit) error) error
	SetSoldCount(ctx context.Context, unitID string, count int) error
}

type Service struct {
	repo Repository
	log  *zap.Logger
}

func NewService(repo Repository, log *zap.Logger) *Service {
	return &Service{repo: repo, log: log.Named("inventory")}
}

// Reserve checks-and-decrements remaining capacity for one unit under its
// row lock. A busy lock and exhausted capacity both come back as a
// non-OK Result; only the former is retryable.
func (s *Service) Reserve(ctx context.Context, unitID string, qty int) (Result, error) {
	if qty <= 0 {
		return Result{}, ErrInvalidQuantity
	}

	var res Result
	err := s.repo.WithUnitLock(ctx, unitID, func(txCtx context.Context, u Unit) error {
		if !u.Active {
			res = Result{Remaining: u.Remaining(), Reason: ReasonUnitInactive}
			return nil
		}
		if u.MaxPerOrder > 0 && qty > u.MaxPerOrder {
			res = Result{Remaining: u.Remaining(), Reason: ReasonMaxPerOrder}
			return nil
		}
		if u.SoldCount+qty > u.TotalCapacity {
			res = Result{Remaining: u.Remaining(), Reason: ReasonInsufficientCapacity}
			return nil
		}
		if err := s.repo.SetSoldCount(txCtx, u.ID, u.SoldCount+qty); err != nil {
			return err
		}
		res = Result{OK: true, Remaining: u.TotalCapacity - u.SoldCount - qty}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBusy) {
			s.log.Debug("reserve contended", zap.String("unit_id", unitID))
			return Result{Reason: ReasonBusy}, nil
		}
		return Result{}, fmt.Errorf("reserve %d on %s: %w", qty, unitID, err)
	}
	if res.OK {
		s.log.Info("reserved", zap.String("unit_id", unitID), zap.Int("qty", qty), zap.Int("remaining", res.Remaining))
	}
	return res, nil
}

// Release restores capacity for an abandoned or cancelled hold. The sold
// count is clamped at zero; a correctly driven caller never hits the clamp.
func (s *Service) Release(ctx context.Context, unitID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	err := s.repo.WithUnitLock(ctx, unitID, func(txCtx context.Context, u Unit) error {
		next := u.SoldCount - qty
		if next < 0 {
			s.log.Warn("release clamped at zero",
				zap.String("unit_id", unitID), zap.Int("qty", qty), zap.Int("sold_count", u.SoldCount))
			next = 0
		}
		return s.repo.SetSoldCount(txCtx, u.ID, next)
	})
	if err != nil {
		return fmt.Errorf("release %d on %s: %w", qty, unitID, err)
	}
	s.log.Info("released", zap.String("unit_id", unitID), zap.Int("qty", qty))
	return nil
}
