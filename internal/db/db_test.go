package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffle-core/internal/apperr"
	"raffle-core/internal/models"
	"raffle-core/internal/store"
)

const testRaffleID = "6f1c1f5e-8f0e-4c55-9a43-3d2b1e0b7c11"

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	return newMockStoreFor(t, "libsql")
}

func newMockStoreFor(t *testing.T, driver string) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := New(sqlx.NewDb(conn, driver), log)
	require.NoError(t, err)
	return s, mock
}

var orderCols = []string{
	"id", "raffle_id", "status", "ticket_count", "ticket_ranges", "lucky_indices", "min_index", "max_index",
	"buyer_name", "buyer_email", "buyer_phone", "order_total", "reference_code", "reserved_until_ms",
	"payment_reference", "payment_method", "payment_proof", "created_at_ms", "updated_at_ms",
}

func TestMigrateExecutesAllStatements(t *testing.T) {
	s, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRaffleLockReportsBusy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE raffles SET lock_version")).
		WithArgs(testRaffleID).
		WillReturnError(errors.New("SQLITE_BUSY: database is locked"))
	mock.ExpectRollback()

	called := false
	err := s.WithRaffleLock(context.Background(), testRaffleID, func(store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, store.ErrBusy)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRaffleLockInsertsOrder(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE raffles SET lock_version")).
		WithArgs(testRaffleID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO orders")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	until := time.Now().Add(15 * time.Minute)
	order := models.Order{
		ID:            "0b8f6c2e-3f43-4a4e-bf0e-0d0a2f3f6a01",
		RaffleID:      testRaffleID,
		Status:        models.OrderReserved,
		TicketCount:   3,
		TicketRanges:  []models.Range{{Start: 4, End: 5}},
		LuckyIndices:  []int{90},
		ReferenceCode: "RF-TEST",
		ReservedUntil: &until,
	}
	err := s.WithRaffleLock(context.Background(), testRaffleID, func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), order)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithRaffleLockUnknownRaffle(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE raffles SET lock_version")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithRaffleLock(context.Background(), testRaffleID, func(store.Tx) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetOrderDecodesTicketSet(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows(orderCols).AddRow(
		"order-1", testRaffleID, "sold", 12, `[{"s":0,"e":9}]`, `[77,88]`, 0, 88,
		"Ana", "ana@example.com", "", 175000, "RF-1", nil,
		"PAY-1", "cash", "", int64(1700000000000), int64(1700000000000),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = ?")).WithArgs("order-1").WillReturnRows(rows)

	o, err := s.GetOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderSold, o.Status)
	assert.Equal(t, []models.Range{{Start: 0, End: 9}}, o.TicketRanges)
	assert.Equal(t, []int{77, 88}, o.LuckyIndices)
	require.NotNil(t, o.OrderTotal)
	assert.Equal(t, int64(175000), *o.OrderTotal)
	assert.Nil(t, o.ReservedUntil)
}

func TestGetOrderRejectsMalformedTicketSet(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows(orderCols).AddRow(
		"order-2", testRaffleID, "sold", 5, `not-json`, `[]`, 0, 4,
		"", "", "", nil, "RF-2", nil, "", "", "", int64(0), int64(0),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = ?")).WillReturnRows(rows)

	_, err := s.GetOrder(context.Background(), "order-2")
	var shape *apperr.StoreResponseError
	assert.ErrorAs(t, err, &shape)
}

func TestGetOrderRejectsCountMismatch(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows(orderCols).AddRow(
		"order-3", testRaffleID, "sold", 5, `[{"s":0,"e":1}]`, `[]`, 0, 1,
		"", "", "", nil, "RF-3", nil, "", "", "", int64(0), int64(0),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = ?")).WillReturnRows(rows)

	_, err := s.GetOrder(context.Background(), "order-3")
	var shape *apperr.StoreResponseError
	assert.ErrorAs(t, err, &shape)
}

func TestGetOrderNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = ?")).WillReturnRows(sqlmock.NewRows(orderCols))

	_, err := s.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLiveOrdersQueriesWindow(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.UnixMilli(1700000000000)
	mock.ExpectQuery(regexp.QuoteMeta("min_index <= ? AND max_index >= ?")).
		WithArgs(testRaffleID, 199, 100, now.UnixMilli()).
		WillReturnRows(sqlmock.NewRows(orderCols))

	orders, err := s.LiveOrders(context.Background(), testRaffleID, models.Range{Start: 100, End: 199}, now)
	require.NoError(t, err)
	assert.Empty(t, orders)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketCounts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"sold", "reserved"}).AddRow(300, 50))

	sold, reserved, err := s.TicketCounts(context.Background(), testRaffleID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(300), sold)
	assert.Equal(t, int64(50), reserved)
}

func TestGetWinnerNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM winners")).
		WillReturnRows(sqlmock.NewRows([]string{"raffle_id"}))

	_, err := s.GetWinner(context.Background(), testRaffleID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

const advisoryLock = "SELECT pg_try_advisory_xact_lock(hashtext($1))"

func TestPostgresLockHeldElsewhere(t *testing.T) {
	s, mock := newMockStoreFor(t, "postgres")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(advisoryLock)).
		WithArgs(testRaffleID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	called := false
	err := s.WithRaffleLock(context.Background(), testRaffleID, func(store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, store.ErrBusy)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockNotAvailable(t *testing.T) {
	s, mock := newMockStoreFor(t, "postgres")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(advisoryLock)).
		WithArgs(testRaffleID).
		WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	err := s.WithRaffleLock(context.Background(), testRaffleID, func(store.Tx) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, store.ErrBusy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLockAcquired(t *testing.T) {
	s, mock := newMockStoreFor(t, "postgres")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(advisoryLock)).
		WithArgs(testRaffleID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectCommit()

	called := false
	err := s.WithRaffleLock(context.Background(), testRaffleID, func(store.Tx) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBusyCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"lock not available", &pq.Error{Code: "55P03"}, true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("commit: %w", &pq.Error{Code: "40P01"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"plain error", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, postgresDialect{}.busy(tt.err))
		})
	}
}

func TestDialectForDriver(t *testing.T) {
	for _, driver := range []string{"libsql", "sqlite3"} {
		d, err := dialectFor(driver)
		require.NoError(t, err)
		assert.IsType(t, libsqlDialect{}, d)
	}
	d, err := dialectFor("postgres")
	require.NoError(t, err)
	assert.IsType(t, postgresDialect{}, d)

	_, err = dialectFor("sqlmock")
	assert.Error(t, err)
}
