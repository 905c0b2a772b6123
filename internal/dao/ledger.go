package dao

import (
	"context"
	"time"

	"tradeledger/internal/model"
)

// LedgerStore 台账存储。快照整表读写，不缓存
type LedgerStore interface {
	// 读取整张台账表，表不存在时自动创建
	ReadSnapshot(ctx context.Context) ([]model.LedgerRow, error)
	// 在一个事务内整表替换
	WriteSnapshot(ctx context.Context, rows []model.LedgerRow) error
	// 读取对账水位，ok=false 表示从未对账
	ReadCheckpoint(ctx context.Context) (ts time.Time, ok bool, err error)
	WriteCheckpoint(ctx context.Context, ts time.Time) error
}
