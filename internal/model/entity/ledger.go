package entity

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeledger/internal/model"
)

// LedgerRow 成交台账表。字段顺序即列顺序，不可调整
// 表名由配置决定，查询时通过 db.Table(name) 指定
type LedgerRow struct {
	ExecutionID       string          `gorm:"primaryKey;size:128;column:ExecutionID"`
	OrderID           string          `gorm:"primaryKey;size:64;column:OrderID"`
	Account           string          `gorm:"primaryKey;size:64;column:Account"`
	Symbol            string          `gorm:"size:64;not null;column:Symbol"`
	Side              string          `gorm:"size:8;not null;column:Side"`
	Quantity          int64           `gorm:"not null;column:Quantity"`
	Price             decimal.Decimal `gorm:"type:decimal(24,8);not null;column:Price"`
	FilledQty         int64           `gorm:"not null;column:FilledQty"`
	EventTimestampUTC time.Time       `gorm:"type:datetime(6);index;not null;column:EventTimestampUTC"`
	Status            string          `gorm:"size:32;not null;column:Status"`
	ExecutionType     string          `gorm:"size:32;not null;column:ExecutionType"`
	Source            string          `gorm:"size:32;column:Source"`

	PreviousFilledQty    *int64     `gorm:"column:PreviousFilledQty"`
	PreviousTimestampUTC *time.Time `gorm:"type:datetime(6);column:PreviousTimestampUTC"`
	Superseded           bool       `gorm:"not null;default:false;column:Superseded"`
	CancelReason         string     `gorm:"size:255;column:CancelReason"`
	UpdateCount          int        `gorm:"not null;default:0;column:UpdateCount"`

	// 扩展列，追加在固定列之后
	LastQty *int64           `gorm:"column:LastQty"`
	LastPx  *decimal.Decimal `gorm:"type:decimal(24,8);column:LastPx"`
}

func NewLedgerRow(r model.LedgerRow) LedgerRow {
	return LedgerRow{
		ExecutionID:          r.ExecutionID,
		OrderID:              r.OrderID,
		Account:              r.Account,
		Symbol:               r.Symbol,
		Side:                 string(r.Side),
		Quantity:             r.Quantity,
		Price:                r.Price,
		FilledQty:            r.FilledQty,
		EventTimestampUTC:    r.EventTimestampUTC.UTC(),
		Status:               string(r.Status),
		ExecutionType:        string(r.ExecutionType),
		Source:               r.Source,
		PreviousFilledQty:    r.PreviousFilledQty,
		PreviousTimestampUTC: utcPtr(r.PreviousTimestampUTC),
		Superseded:           r.Superseded,
		CancelReason:         r.CancelReason,
		UpdateCount:          r.UpdateCount,
		LastQty:              r.LastQty,
		LastPx:               r.LastPx,
	}
}

func (e LedgerRow) Model() model.LedgerRow {
	return model.LedgerRow{
		ExecutionID:          e.ExecutionID,
		OrderID:              e.OrderID,
		Account:              e.Account,
		Symbol:               e.Symbol,
		Side:                 model.Side(e.Side),
		Quantity:             e.Quantity,
		Price:                e.Price,
		FilledQty:            e.FilledQty,
		EventTimestampUTC:    e.EventTimestampUTC.UTC(),
		Status:               model.ExecStatus(e.Status),
		ExecutionType:        model.ExecType(e.ExecutionType),
		Source:               e.Source,
		PreviousFilledQty:    e.PreviousFilledQty,
		PreviousTimestampUTC: utcPtr(e.PreviousTimestampUTC),
		Superseded:           e.Superseded,
		CancelReason:         e.CancelReason,
		UpdateCount:          e.UpdateCount,
		LastQty:              e.LastQty,
		LastPx:               e.LastPx,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// LedgerCheckpoint 每张台账表的对账水位
type LedgerCheckpoint struct {
	LedgerTable                string    `gorm:"primaryKey;size:64;column:ledger_table"`
	LastReconciledTimestampUTC time.Time `gorm:"type:datetime(6);not null;column:last_reconciled_timestamp_utc"`
	UpdatedAt                  time.Time `gorm:"autoUpdateTime;column:updated_at"`
}

func (LedgerCheckpoint) TableName() string {
	return "ledger_checkpoints"
}
