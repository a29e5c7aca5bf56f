// Package db is the SQL implementation of store.Store, backed by
// PostgreSQL (lib/pq) or Turso/libSQL.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/libsql-client-go/libsql"

	"raffle-core/internal/apperr"
	"raffle-core/internal/models"
	"raffle-core/internal/store"
)

func init() {
	sqlx.BindDriver("libsql", sqlx.QUESTION)
}

// Store implements store.Store over a *sqlx.DB.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	log     logrus.FieldLogger
}

var _ store.Store = (*Store)(nil)

// Open connects to driver ("postgres" or "libsql"), pings and applies the schema.
func Open(ctx context.Context, driver, dsn string, log logrus.FieldLogger) (*Store, error) {
	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s, err := New(conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open connection. The dialect follows conn.DriverName().
func New(conn *sqlx.DB, log logrus.FieldLogger) (*Store, error) {
	d, err := dialectFor(conn.DriverName())
	if err != nil {
		return nil, err
	}
	return &Store{db: conn, dialect: d, log: log}, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.WithError(err).Error("error creating tables")
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateRaffle(ctx context.Context, r models.Raffle) (models.Raffle, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO raffles (id, name, total_tickets, ticket_price, start_number, step, status, draw_date_ms, created_at_ms)
		VALUES (:id, :name, :total_tickets, :ticket_price, :start_number, :step, :status, :draw_date_ms, :created_at_ms)`,
		toRaffleRow(r))
	if err != nil {
		return models.Raffle{}, fmt.Errorf("insert raffle: %w", err)
	}
	return r, nil
}

func (s *Store) GetRaffle(ctx context.Context, raffleID string) (models.Raffle, error) {
	return getRaffle(ctx, s.db, raffleID)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	return getOrder(ctx, s.db, orderID)
}

func (s *Store) LiveOrders(ctx context.Context, raffleID string, window models.Range, now time.Time) ([]models.Order, error) {
	return liveOrders(ctx, s.db, raffleID, window, now)
}

func (s *Store) SoldOrders(ctx context.Context, raffleID string) ([]models.Order, error) {
	return soldOrders(ctx, s.db, raffleID)
}

func (s *Store) TicketCounts(ctx context.Context, raffleID string, now time.Time) (int64, int64, error) {
	var counts struct {
		Sold     int64 `db:"sold"`
		Reserved int64 `db:"reserved"`
	}
	err := sqlx.GetContext(ctx, s.db, &counts, s.db.Rebind(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'sold' THEN ticket_count ELSE 0 END), 0) AS sold,
			COALESCE(SUM(CASE WHEN status = 'pending' OR (status = 'reserved' AND reserved_until_ms > ?)
				THEN ticket_count ELSE 0 END), 0) AS reserved
		FROM orders
		WHERE raffle_id = ?`), now.UnixMilli(), raffleID)
	if err != nil {
		return 0, 0, fmt.Errorf("count tickets: %w", err)
	}
	return counts.Sold, counts.Reserved, nil
}

func (s *Store) DueRaffles(ctx context.Context, now time.Time) ([]models.Raffle, error) {
	var rows []raffleRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(`
		SELECT `+raffleColumns+`
		FROM raffles
		WHERE status = 'active' AND draw_date_ms IS NOT NULL AND draw_date_ms <= ?
		ORDER BY draw_date_ms`), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("due raffles: %w", err)
	}
	out := make([]models.Raffle, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (s *Store) GetWinner(ctx context.Context, raffleID string) (models.WinnerRecord, error) {
	var row winnerRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(`
		SELECT raffle_id, order_id, ticket_index, ticket_number, buyer_name, buyer_email,
			draw_method, drawn_at_ms, auto_executed
		FROM winners WHERE raffle_id = ?`), raffleID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WinnerRecord{}, fmt.Errorf("winner of %s: %w", raffleID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.WinnerRecord{}, fmt.Errorf("get winner: %w", err)
	}
	return row.toModel(), nil
}

// WithRaffleLock opens a transaction, takes the raffle's lock through the
// dialect and commits when fn succeeds.
func (s *Store) WithRaffleLock(ctx context.Context, raffleID string, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		if s.dialect.busy(err) {
			return store.ErrBusy
		}
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.dialect.lock(ctx, tx, raffleID); err != nil {
		return err
	}
	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if s.dialect.busy(err) {
			return store.ErrBusy
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// sqlTx is the store.Tx handed to locked sections.
type sqlTx struct {
	tx *sqlx.Tx
}

func (t *sqlTx) GetRaffle(ctx context.Context, raffleID string) (models.Raffle, error) {
	return getRaffle(ctx, t.tx, raffleID)
}

func (t *sqlTx) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	return getOrder(ctx, t.tx, orderID)
}

func (t *sqlTx) LiveOrders(ctx context.Context, raffleID string, window models.Range, now time.Time) ([]models.Order, error) {
	return liveOrders(ctx, t.tx, raffleID, window, now)
}

func (t *sqlTx) SoldOrders(ctx context.Context, raffleID string) ([]models.Order, error) {
	return soldOrders(ctx, t.tx, raffleID)
}

func (t *sqlTx) InsertOrder(ctx context.Context, o models.Order) error {
	row, err := toOrderRow(o)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `
		INSERT INTO orders (id, raffle_id, status, ticket_count, ticket_ranges, lucky_indices, min_index, max_index,
			buyer_name, buyer_email, buyer_phone, order_total, reference_code, reserved_until_ms,
			payment_reference, payment_method, payment_proof, created_at_ms, updated_at_ms)
		VALUES (:id, :raffle_id, :status, :ticket_count, :ticket_ranges, :lucky_indices, :min_index, :max_index,
			:buyer_name, :buyer_email, :buyer_phone, :order_total, :reference_code, :reserved_until_ms,
			:payment_reference, :payment_method, :payment_proof, :created_at_ms, :updated_at_ms)`, row)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder rewrites the mutable fields of an order. Ticket sets are immutable.
func (t *sqlTx) UpdateOrder(ctx context.Context, o models.Order) error {
	row, err := toOrderRow(o)
	if err != nil {
		return err
	}
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE orders SET
			status = :status, buyer_name = :buyer_name, buyer_email = :buyer_email, buyer_phone = :buyer_phone,
			order_total = :order_total, reserved_until_ms = :reserved_until_ms,
			payment_reference = :payment_reference, payment_method = :payment_method,
			payment_proof = :payment_proof, updated_at_ms = :updated_at_ms
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return expectOneRow(res, "update order", o.ID)
}

func (t *sqlTx) UpdateRaffleStatus(ctx context.Context, raffleID string, status models.RaffleStatus) error {
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(`UPDATE raffles SET status = ? WHERE id = ?`), string(status), raffleID)
	if err != nil {
		return fmt.Errorf("update raffle status: %w", err)
	}
	return expectOneRow(res, "update raffle status", raffleID)
}

func (t *sqlTx) InsertWinner(ctx context.Context, w models.WinnerRecord) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO winners (raffle_id, order_id, ticket_index, ticket_number, buyer_name, buyer_email,
			draw_method, drawn_at_ms, auto_executed)
		VALUES (:raffle_id, :order_id, :ticket_index, :ticket_number, :buyer_name, :buyer_email,
			:draw_method, :drawn_at_ms, :auto_executed)`, toWinnerRow(w))
	if err != nil {
		return fmt.Errorf("insert winner: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, apperr.ErrNotFound)
	}
	return nil
}
