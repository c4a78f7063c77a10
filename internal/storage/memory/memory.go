// Package memory is a process-local Store used by tests and the memory backend.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"feeledger/internal/core"
	"feeledger/internal/storage"
)

type Store struct {
	mu         sync.RWMutex
	fees       map[string]core.Fee
	households map[string]core.Household
	payments   map[core.PaymentKey]core.Payment
	byID       map[int64]core.PaymentKey
	nextID     int64
	now        func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		fees:       map[string]core.Fee{},
		households: map[string]core.Household{},
		payments:   map[core.PaymentKey]core.Payment{},
		byID:       map[int64]core.PaymentKey{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) GetFee(_ context.Context, code string) (core.Fee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fees[code]
	if !ok {
		return core.Fee{}, fmt.Errorf("fee %q: %w", code, core.ErrNotFound)
	}
	return f, nil
}

func (s *Store) ListFees(context.Context) ([]core.Fee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Fee, 0, len(s.fees))
	for _, f := range s.fees {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b core.Fee) int { return cmp.Compare(a.Code, b.Code) })
	return out, nil
}

func (s *Store) SaveFee(_ context.Context, f core.Fee) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid fee: %w", err)
	}
	f.Recurrence = f.RecurrenceOrDefault()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees[f.Code] = f
	return nil
}

func (s *Store) GetHousehold(_ context.Context, id string) (core.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.households[id]
	if !ok {
		return core.Household{}, fmt.Errorf("household %q: %w", id, core.ErrNotFound)
	}
	return h, nil
}

func (s *Store) ListHouseholds(context.Context) ([]core.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Household, 0, len(s.households))
	for _, h := range s.households {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b core.Household) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) SaveHousehold(_ context.Context, h core.Household) error {
	if err := h.Validate(); err != nil {
		return fmt.Errorf("invalid household: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.households[h.ID] = h
	return nil
}

func (s *Store) FindPayment(_ context.Context, key core.PaymentKey) (core.Payment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[key]
	return p, ok, nil
}

func (s *Store) ListPayments(_ context.Context, filter storage.PaymentFilter) ([]core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Payment
	for _, p := range s.payments {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, comparePayments)
	return out, nil
}

func (s *Store) InsertPaymentIfAbsent(_ context.Context, p core.Payment) (core.Payment, bool, error) {
	p, err := storage.PrepareInsert(p, s.now())
	if err != nil {
		return core.Payment{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.payments[p.Key()]; ok {
		return existing, false, nil
	}
	if err := s.checkRefs(p); err != nil {
		return core.Payment{}, false, err
	}
	return s.insert(p), true, nil
}

func (s *Store) InsertPayment(_ context.Context, p core.Payment) (core.Payment, error) {
	p, err := storage.PrepareInsert(p, s.now())
	if err != nil {
		return core.Payment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.Key()]; ok {
		return core.Payment{}, fmt.Errorf("insert payment %s: %w", p.Key(), core.ErrConstraintViolation)
	}
	if err := s.checkRefs(p); err != nil {
		return core.Payment{}, err
	}
	return s.insert(p), nil
}

func (s *Store) TransitionPayment(_ context.Context, id int64, from, to core.Status, st *core.Settlement) (core.Payment, error) {
	if err := storage.CheckTransition(from, to, st); err != nil {
		return core.Payment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[id]
	if !ok {
		return core.Payment{}, fmt.Errorf("payment %d: %w", id, core.ErrNotFound)
	}
	p := s.payments[key]
	if p.Status != from {
		return core.Payment{}, fmt.Errorf("%w: payment %d is %s, not %s", core.ErrInvalidTransition, id, p.Status, from)
	}
	storage.ApplyTransition(&p, to, st, s.now())
	s.payments[key] = p
	return p, nil
}

// checkRefs mirrors the foreign keys of the SQL backends. Caller holds s.mu.
func (s *Store) checkRefs(p core.Payment) error {
	if _, ok := s.fees[p.FeeCode]; !ok {
		return fmt.Errorf("fee %q: %w", p.FeeCode, core.ErrNotFound)
	}
	if _, ok := s.households[p.HouseholdID]; !ok {
		return fmt.Errorf("household %q: %w", p.HouseholdID, core.ErrNotFound)
	}
	return nil
}

func (s *Store) insert(p core.Payment) core.Payment {
	s.nextID++
	p.ID = s.nextID
	s.payments[p.Key()] = p
	s.byID[p.ID] = p.Key()
	return p
}

func comparePayments(a, b core.Payment) int {
	if c := a.Period.Compare(b.Period); c != 0 {
		return c
	}
	if c := cmp.Compare(a.FeeCode, b.FeeCode); c != 0 {
		return c
	}
	return cmp.Compare(a.HouseholdID, b.HouseholdID)
}
