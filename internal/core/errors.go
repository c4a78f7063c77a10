package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means a referenced fee, household or payment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPeriod means a period is malformed or outside the resolvable range of a pairing.
	ErrInvalidPeriod = errors.New("invalid period")
	// ErrConstraintViolation means the (fee, household, period) uniqueness invariant was tripped.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrInvalidTransition means a status change would regress or skip the allowed sequence.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrReconcileInProgress is returned when another reconciliation holds the run lock.
	ErrReconcileInProgress = errors.New("reconciliation already in progress")
	// ErrPartialReconciliation marks a run that skipped one or more pairings.
	ErrPartialReconciliation = errors.New("partial reconciliation failure")
)

// PartialReconciliationError lists the pairings a reconciliation run had to skip.
type PartialReconciliationError struct {
	Failures []PairingFailure
}

func (e *PartialReconciliationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s: %d pairing(s) skipped: %s",
		ErrPartialReconciliation, len(e.Failures), strings.Join(parts, "; "))
}

func (e *PartialReconciliationError) Unwrap() error { return ErrPartialReconciliation }
