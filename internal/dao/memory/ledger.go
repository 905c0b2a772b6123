// Package memory is an in-process LedgerStore used by tests and dry runs.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradeledger/internal/model"
)

type Store struct {
	mu         sync.Mutex
	rows       []model.LedgerRow
	checkpoint time.Time
	hasCp      bool

	failWrites int
	writes     int
}

func NewStore(rows ...model.LedgerRow) *Store {
	return &Store{rows: append([]model.LedgerRow(nil), rows...)}
}

func (s *Store) ReadSnapshot(ctx context.Context) ([]model.LedgerRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.StoreError{Op: "read snapshot", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LedgerRow(nil), s.rows...), nil
}

func (s *Store) WriteSnapshot(ctx context.Context, rows []model.LedgerRow) error {
	if err := ctx.Err(); err != nil {
		return &model.StoreError{Op: "write snapshot", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return &model.StoreError{Op: "write snapshot", Err: errInjected}
	}
	s.writes++
	s.rows = append([]model.LedgerRow(nil), rows...)
	return nil
}

func (s *Store) ReadCheckpoint(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, s.hasCp, nil
}

func (s *Store) WriteCheckpoint(ctx context.Context, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = ts.UTC()
	s.hasCp = true
	return nil
}

// FailWrites makes the next n WriteSnapshot calls fail.
func (s *Store) FailWrites(n int) {
	s.mu.Lock()
	s.failWrites = n
	s.mu.Unlock()
}

// Writes returns the number of successful WriteSnapshot calls.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Rows returns a copy of the stored table.
func (s *Store) Rows() []model.LedgerRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LedgerRow(nil), s.rows...)
}

var errInjected = errors.New("injected write failure")
