package storage

import (
	"fmt"
	"time"

	"feeledger/internal/core"
)

// CheckTransition validates a requested status change before any backend touches the row.
func CheckTransition(from, to core.Status, s *core.Settlement) error {
	if !core.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, to)
	}
	if to == core.StatusPaid {
		if s == nil {
			return fmt.Errorf("%w: paid requires a settlement", core.ErrInvalidTransition)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid settlement: %w", err)
		}
	}
	return nil
}

// ApplyTransition mutates p in place. The caller has already run CheckTransition
// and confirmed p.Status == from.
func ApplyTransition(p *core.Payment, to core.Status, s *core.Settlement, now time.Time) {
	p.Status = to
	if s != nil {
		p.Amount = s.Amount
		p.PaidOn = s.PaidOn
		p.Method = s.Method
		p.Collector = s.Collector
	}
	p.UpdatedAt = now
}

// PrepareInsert validates a new row and stamps its audit times.
func PrepareInsert(p core.Payment, now time.Time) (core.Payment, error) {
	if err := p.Validate(); err != nil {
		return core.Payment{}, fmt.Errorf("invalid payment: %w", err)
	}
	p.ID = 0
	p.CreatedAt = now
	p.UpdatedAt = now
	return p, nil
}
