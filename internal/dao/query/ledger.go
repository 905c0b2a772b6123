package query

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeledger/internal/model"
	"tradeledger/internal/model/entity"
)

const writeBatchSize = 200

type ledgerDao struct {
	db    *gorm.DB
	table string
}

// NewLedgerDao 创建 DAO，table 为台账表名
func NewLedgerDao(db *gorm.DB, table string) *ledgerDao {
	return &ledgerDao{
		db:    db,
		table: table,
	}
}

func (dao *ledgerDao) ensureTable(ctx context.Context) error {
	migrator := dao.db.WithContext(ctx).Table(dao.table).Migrator()
	if migrator.HasTable(dao.table) {
		return nil
	}
	return dao.db.WithContext(ctx).Table(dao.table).AutoMigrate(&entity.LedgerRow{})
}

func (dao *ledgerDao) ReadSnapshot(ctx context.Context) ([]model.LedgerRow, error) {
	if err := dao.ensureTable(ctx); err != nil {
		return nil, &model.StoreError{Op: "create table", Err: err}
	}
	var items []entity.LedgerRow
	// 按主键顺序读出，整表写回前后顺序稳定
	err := dao.db.WithContext(ctx).Table(dao.table).
		Order("ExecutionID, OrderID, Account").
		Find(&items).Error
	if err != nil {
		return nil, &model.StoreError{Op: "read snapshot", Err: err}
	}
	rows := make([]model.LedgerRow, 0, len(items))
	for _, it := range items {
		rows = append(rows, it.Model())
	}
	return rows, nil
}

func (dao *ledgerDao) WriteSnapshot(ctx context.Context, rows []model.LedgerRow) error {
	items := make([]entity.LedgerRow, 0, len(rows))
	for _, r := range rows {
		items = append(items, entity.NewLedgerRow(r))
	}
	err := dao.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(dao.table).Where("1 = 1").Delete(&entity.LedgerRow{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Table(dao.table).CreateInBatches(items, writeBatchSize).Error
	})
	if err != nil {
		return &model.StoreError{Op: "write snapshot", Err: err}
	}
	return nil
}

// Migrate 启动时建表：台账表（不存在时）与水位表
func (dao *ledgerDao) Migrate(ctx context.Context) error {
	if err := dao.ensureTable(ctx); err != nil {
		return &model.StoreError{Op: "create table", Err: err}
	}
	if err := dao.db.WithContext(ctx).AutoMigrate(&entity.LedgerCheckpoint{}); err != nil {
		return &model.StoreError{Op: "create checkpoint table", Err: err}
	}
	return nil
}

func (dao *ledgerDao) ReadCheckpoint(ctx context.Context) (time.Time, bool, error) {
	var cp entity.LedgerCheckpoint
	err := dao.db.WithContext(ctx).Where("ledger_table = ?", dao.table).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &model.StoreError{Op: "read checkpoint", Err: err}
	}
	return cp.LastReconciledTimestampUTC.UTC(), true, nil
}

func (dao *ledgerDao) WriteCheckpoint(ctx context.Context, ts time.Time) error {
	cp := entity.LedgerCheckpoint{LedgerTable: dao.table, LastReconciledTimestampUTC: ts.UTC()}
	err := dao.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ledger_table"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_reconciled_timestamp_utc", "updated_at"}),
		}).
		Create(&cp).Error
	if err != nil {
		return &model.StoreError{Op: "write checkpoint", Err: err}
	}
	return nil
}
