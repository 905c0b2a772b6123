package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ExecStatus 订单在交易所侧的生命周期状态
type ExecStatus string

const (
	StatusNew             ExecStatus = "NEW"
	StatusPartiallyFilled ExecStatus = "PARTIALLY_FILLED"
	StatusFilled          ExecStatus = "FILLED"
	StatusCanceled        ExecStatus = "CANCELED"
	StatusRejected        ExecStatus = "REJECTED"
	StatusExpired         ExecStatus = "EXPIRED"
)

func (s ExecStatus) Valid() bool {
	switch s {
	case StatusNew, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further event may change a row in this status.
func (s ExecStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

type ExecType string

const (
	ExecTypeNew      ExecType = "NEW"
	ExecTypeTrade    ExecType = "TRADE"
	ExecTypeCanceled ExecType = "CANCELED"
	ExecTypeRejected ExecType = "REJECTED"
	ExecTypeExpired  ExecType = "EXPIRED"
)

func (t ExecType) Valid() bool {
	switch t {
	case ExecTypeNew, ExecTypeTrade, ExecTypeCanceled, ExecTypeRejected, ExecTypeExpired:
		return true
	}
	return false
}

// Source tags recorded on ledger rows.
const (
	SourceWebsocket = "venue_ws"
	SourceKafka     = "venue_kafka"
	SourceRest      = "venue_rest"
)

// DefaultCancelReason is used when a cancellation carries no venue text.
const DefaultCancelReason = "BROKER_CANCELED"

// Key is the fixed composite identity of a ledger row.
type Key struct {
	ExecutionID string
	OrderID     string
	Account     string
}

func (k Key) String() string {
	return k.ExecutionID + "/" + k.OrderID + "/" + k.Account
}

// Execution 归一化后的一条成交事件
type Execution struct {
	ExecutionID       string
	OrderID           string
	Account           string
	Symbol            string
	Side              Side
	Quantity          int64
	Price             decimal.Decimal
	FilledQty         int64
	LastQty           *int64
	LastPx            *decimal.Decimal
	EventTimestampUTC time.Time
	Status            ExecStatus
	ExecutionType     ExecType
	Source            string
	CancelReason      string
	// FallbackKey is set when ExecutionID was synthesized.
	FallbackKey bool
}

func (e Execution) Key() Key {
	return Key{ExecutionID: e.ExecutionID, OrderID: e.OrderID, Account: e.Account}
}

// FallbackExecutionID builds the deterministic id used when the venue omits one.
func FallbackExecutionID(orderID string, ts time.Time, account string) string {
	return orderID + "_" + ts.UTC().Format(time.RFC3339Nano) + "_" + account
}

// RawEvent 两个通道（推送/拉取）统一的原始事件形态
type RawEvent struct {
	Source     string
	Fields     map[string]any
	ReceivedAt time.Time
}
