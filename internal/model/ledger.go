package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerRow is one persisted ledger entry. Field order matches the table layout.
type LedgerRow struct {
	ExecutionID       string
	OrderID           string
	Account           string
	Symbol            string
	Side              Side
	Quantity          int64
	Price             decimal.Decimal
	FilledQty         int64
	EventTimestampUTC time.Time
	Status            ExecStatus
	ExecutionType     ExecType
	Source            string

	// audit
	PreviousFilledQty    *int64
	PreviousTimestampUTC *time.Time
	Superseded           bool
	CancelReason         string
	UpdateCount          int

	LastQty *int64
	LastPx  *decimal.Decimal
}

func (r LedgerRow) Key() Key {
	return Key{ExecutionID: r.ExecutionID, OrderID: r.OrderID, Account: r.Account}
}

// SameState reports whether e is an identical resubmission of the row's current state.
func (r LedgerRow) SameState(e Execution) bool {
	return r.FilledQty == e.FilledQty &&
		r.Status == e.Status &&
		r.EventTimestampUTC.Equal(e.EventTimestampUTC)
}

// NewLedgerRow builds a freshly inserted row with audit fields at their defaults.
func NewLedgerRow(e Execution) LedgerRow {
	row := LedgerRow{
		ExecutionID:       e.ExecutionID,
		OrderID:           e.OrderID,
		Account:           e.Account,
		Symbol:            e.Symbol,
		Side:              e.Side,
		Quantity:          e.Quantity,
		Price:             e.Price,
		FilledQty:         e.FilledQty,
		EventTimestampUTC: e.EventTimestampUTC.UTC(),
		Status:            e.Status,
		ExecutionType:     e.ExecutionType,
		Source:            e.Source,
		LastQty:           e.LastQty,
		LastPx:            e.LastPx,
	}
	if e.Status == StatusCanceled {
		row.CancelReason = cancelReason(e)
	}
	return row
}

func cancelReason(e Execution) string {
	if e.CancelReason != "" {
		return e.CancelReason
	}
	return DefaultCancelReason
}

// Supersede applies e on top of the row, preserving the prior state in the audit fields.
func (r *LedgerRow) Supersede(e Execution) {
	prevQty := r.FilledQty
	prevTs := r.EventTimestampUTC
	r.PreviousFilledQty = &prevQty
	r.PreviousTimestampUTC = &prevTs

	if e.Status != StatusCanceled {
		r.FilledQty = e.FilledQty
	}
	r.Status = e.Status
	r.ExecutionType = e.ExecutionType
	r.LastQty = e.LastQty
	r.LastPx = e.LastPx
	r.EventTimestampUTC = e.EventTimestampUTC.UTC()
	r.Source = e.Source
	if !e.Price.IsZero() {
		r.Price = e.Price
	}
	if e.Status == StatusCanceled {
		r.CancelReason = cancelReason(e)
	}
	r.Superseded = true
	r.UpdateCount++
}

// Stats 每个同步周期的汇总
type Stats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Rejected  int `json:"rejected"`
}

func (s Stats) String() string {
	return fmt.Sprintf("{inserted: %d, updated: %d, unchanged: %d, rejected: %d}",
		s.Inserted, s.Updated, s.Unchanged, s.Rejected)
}

func (s *Stats) Add(o Stats) {
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Unchanged += o.Unchanged
	s.Rejected += o.Rejected
}
