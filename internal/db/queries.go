package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"raffle-core/internal/apperr"
	"raffle-core/internal/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS raffles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		total_tickets INTEGER NOT NULL CHECK (total_tickets BETWEEN 1 AND 10000000),
		ticket_price BIGINT NOT NULL,
		start_number BIGINT NOT NULL DEFAULT 0,
		step BIGINT NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'draft',
		draw_date_ms BIGINT,
		lock_version BIGINT NOT NULL DEFAULT 0,
		created_at_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		raffle_id TEXT NOT NULL REFERENCES raffles(id),
		status TEXT NOT NULL,
		ticket_count INTEGER NOT NULL,
		ticket_ranges TEXT NOT NULL,
		lucky_indices TEXT NOT NULL,
		min_index INTEGER NOT NULL,
		max_index INTEGER NOT NULL,
		buyer_name TEXT NOT NULL DEFAULT '',
		buyer_email TEXT NOT NULL DEFAULT '',
		buyer_phone TEXT NOT NULL DEFAULT '',
		order_total BIGINT,
		reference_code TEXT NOT NULL,
		reserved_until_ms BIGINT,
		payment_reference TEXT NOT NULL DEFAULT '',
		payment_method TEXT NOT NULL DEFAULT '',
		payment_proof TEXT NOT NULL DEFAULT '',
		created_at_ms BIGINT NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_raffle_span ON orders (raffle_id, min_index, max_index)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_raffle_status ON orders (raffle_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_raffles_due ON raffles (status, draw_date_ms)`,
	`CREATE TABLE IF NOT EXISTS winners (
		raffle_id TEXT PRIMARY KEY REFERENCES raffles(id),
		order_id TEXT NOT NULL REFERENCES orders(id),
		ticket_index INTEGER NOT NULL,
		ticket_number TEXT NOT NULL,
		buyer_name TEXT NOT NULL,
		buyer_email TEXT NOT NULL,
		draw_method TEXT NOT NULL,
		drawn_at_ms BIGINT NOT NULL,
		auto_executed INTEGER NOT NULL DEFAULT 0
	)`,
}

const raffleColumns = `id, name, total_tickets, ticket_price, start_number, step, status, draw_date_ms, created_at_ms`

const orderColumns = `id, raffle_id, status, ticket_count, ticket_ranges, lucky_indices, min_index, max_index,
	buyer_name, buyer_email, buyer_phone, order_total, reference_code, reserved_until_ms,
	payment_reference, payment_method, payment_proof, created_at_ms, updated_at_ms`

func getRaffle(ctx context.Context, q sqlx.ExtContext, raffleID string) (models.Raffle, error) {
	var row raffleRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+raffleColumns+` FROM raffles WHERE id = ?`), raffleID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Raffle{}, fmt.Errorf("raffle %s: %w", raffleID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Raffle{}, fmt.Errorf("get raffle: %w", err)
	}
	return row.toModel(), nil
}

func getOrder(ctx context.Context, q sqlx.ExtContext, orderID string) (models.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("get order: %w", err)
	}
	return row.toModel()
}

// liveOrders filters on the (raffle_id, min_index, max_index) index so the
// cost follows the orders overlapping window, not the raffle size.
func liveOrders(ctx context.Context, q sqlx.ExtContext, raffleID string, window models.Range, now time.Time) ([]models.Order, error) {
	var rows []orderRow
	err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE raffle_id = ? AND min_index <= ? AND max_index >= ?
			AND (status IN ('pending', 'sold') OR (status = 'reserved' AND reserved_until_ms > ?))
		ORDER BY min_index, id`), raffleID, window.End, window.Start, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("live orders: %w", err)
	}
	return toOrders(rows)
}

func soldOrders(ctx context.Context, q sqlx.ExtContext, raffleID string) ([]models.Order, error) {
	var rows []orderRow
	err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE raffle_id = ? AND status = 'sold'
		ORDER BY created_at_ms, id`), raffleID)
	if err != nil {
		return nil, fmt.Errorf("sold orders: %w", err)
	}
	return toOrders(rows)
}

func toOrders(rows []orderRow) ([]models.Order, error) {
	out := make([]models.Order, 0, len(rows))
	for _, row := range rows {
		o, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
