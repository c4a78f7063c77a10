package memory

import (
	"context"
	"fmt"
	"sync"

	ports "feeledger/internal/sheets"
)

// Store keeps written reports in memory. Used when no export target is configured.
type Store struct {
	mu      sync.Mutex
	reports []ports.Report
}

var _ ports.ReportWriter = (*Store)(nil)

func New() *Store { return &Store{} }

// WriteMonthlyReport stores the report and returns a synthetic reference.
func (s *Store) WriteMonthlyReport(_ context.Context, r ports.Report) (string, error) {
	if r.To.Before(r.From) {
		return "", fmt.Errorf("report range %s..%s is reversed", r.From, r.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return fmt.Sprintf("mem:%d", len(s.reports)), nil
}

// Reports returns a copy of everything written so far.
func (s *Store) Reports() []ports.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.Report(nil), s.reports...)
}
