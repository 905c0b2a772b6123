package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeledger/internal/model"
)

// containsMatcher matches when the executed SQL contains the expected fragment.
var containsMatcher = sqlmock.QueryMatcherFunc(func(expected, actual string) error {
	if !strings.Contains(actual, expected) {
		return fmt.Errorf("sql %q does not contain %q", actual, expected)
	}
	return nil
})

func newMockDao(t *testing.T) (*ledgerDao, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(containsMatcher))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	return NewLedgerDao(gdb, "Trades"), mock
}

func sampleRows() []model.LedgerRow {
	prev := int64(50)
	at := time.Date(2025, 8, 10, 13, 0, 0, 0, time.UTC)
	return []model.LedgerRow{
		{ExecutionID: "X-1", OrderID: "O-1", Account: "ACC", Symbol: "S", Side: model.SideBuy, Quantity: 100,
			Price: decimal.RequireFromString("10.5"), FilledQty: 100, EventTimestampUTC: at,
			Status: model.StatusFilled, ExecutionType: model.ExecTypeTrade, Source: model.SourceRest,
			PreviousFilledQty: &prev, Superseded: true, UpdateCount: 1},
		{ExecutionID: "X-2", OrderID: "O-2", Account: "ACC", Symbol: "S", Side: model.SideSell, Quantity: 5,
			Price: decimal.RequireFromString("11"), FilledQty: 0, EventTimestampUTC: at,
			Status: model.StatusNew, ExecutionType: model.ExecTypeNew, Source: model.SourceWebsocket},
	}
}

func TestWriteSnapshot_ReplacesTableInOneTransaction(t *testing.T) {
	dao, mock := newMockDao(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `Trades`").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO `Trades`").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	if err := dao.WriteSnapshot(context.Background(), sampleRows()); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWriteSnapshot_RollsBackOnInsertFailure(t *testing.T) {
	dao, mock := newMockDao(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `Trades`").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO `Trades`").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := dao.WriteSnapshot(context.Background(), sampleRows())
	var serr *model.StoreError
	if !errors.As(err, &serr) || serr.Op != "write snapshot" {
		t.Fatalf("err = %v, want StoreError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReadCheckpoint_Missing(t *testing.T) {
	dao, mock := newMockDao(t)
	mock.ExpectQuery("FROM `ledger_checkpoints`").
		WillReturnRows(sqlmock.NewRows([]string{"ledger_table", "last_reconciled_timestamp_utc", "updated_at"}))

	_, ok, err := dao.ReadCheckpoint(context.Background())
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v, want no checkpoint", ok, err)
	}
}

func TestReadCheckpoint_Found(t *testing.T) {
	dao, mock := newMockDao(t)
	at := time.Date(2025, 8, 10, 13, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM `ledger_checkpoints`").
		WillReturnRows(sqlmock.NewRows([]string{"ledger_table", "last_reconciled_timestamp_utc", "updated_at"}).
			AddRow("Trades", at, at))

	ts, ok, err := dao.ReadCheckpoint(context.Background())
	if err != nil || !ok || !ts.Equal(at) {
		t.Fatalf("ts=%v ok=%v err=%v", ts, ok, err)
	}
}

func TestWriteCheckpoint_Upserts(t *testing.T) {
	dao, mock := newMockDao(t)
	mock.ExpectBegin()
	mock.ExpectExec("ON DUPLICATE KEY UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := dao.WriteCheckpoint(context.Background(), time.Now()); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReadSnapshot_MapsRows(t *testing.T) {
	dao, mock := newMockDao(t)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("DATABASE()").WillReturnRows(sqlmock.NewRows([]string{"DATABASE()"}).AddRow("ledger"))
	mock.ExpectQuery("information_schema.tables").WillReturnRows(sqlmock.NewRows([]string{"count(*)"}).AddRow(1))

	at := time.Date(2025, 8, 10, 13, 0, 0, 0, time.UTC)
	cols := []string{"ExecutionID", "OrderID", "Account", "Symbol", "Side", "Quantity", "Price", "FilledQty",
		"EventTimestampUTC", "Status", "ExecutionType", "Source", "PreviousFilledQty", "PreviousTimestampUTC",
		"Superseded", "CancelReason", "UpdateCount", "LastQty", "LastPx"}
	mock.ExpectQuery("FROM `Trades`").WillReturnRows(sqlmock.NewRows(cols).
		AddRow("X-1", "O-1", "ACC", "S", "SELL", 10, "1520.25", 4, at, "CANCELED", "CANCELED", "venue_rest",
			2, at.Add(-time.Second), true, "BROKER_CANCELED", 2, nil, nil))

	rows, err := dao.ReadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	r := rows[0]
	if r.Key() != (model.Key{ExecutionID: "X-1", OrderID: "O-1", Account: "ACC"}) || r.Side != model.SideSell {
		t.Errorf("row = %+v", r)
	}
	if r.Price.String() != "1520.25" || r.Status != model.StatusCanceled || r.UpdateCount != 2 || !r.Superseded {
		t.Errorf("row = %+v", r)
	}
	if r.PreviousFilledQty == nil || *r.PreviousFilledQty != 2 || r.LastQty != nil || r.LastPx != nil {
		t.Errorf("audit = %v %v %v", r.PreviousFilledQty, r.LastQty, r.LastPx)
	}
}
