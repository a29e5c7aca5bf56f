// Package store defines the persistence boundary of the raffle engine.
//
// Tickets are never stored individually: the store holds raffles, orders
// (ranges plus lucky indices) and winner records. Implementations must
// offer a per-raffle exclusive section; different raffles never share a lock.
package store

import (
	"context"
	"errors"
	"time"

	"raffle-core/internal/models"
)

// ErrBusy is returned by WithRaffleLock when the raffle lock could not be
// acquired promptly. Callers retry it; it is never a business outcome.
var ErrBusy = errors.New("raffle lock busy")

// Reader holds the queries available both inside and outside a lock.
type Reader interface {
	GetRaffle(ctx context.Context, raffleID string) (models.Raffle, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)

	// LiveOrders returns the orders holding tickets at now (sold, pending, or
	// reserved with reserved_until > now) whose span overlaps window.
	LiveOrders(ctx context.Context, raffleID string, window models.Range, now time.Time) ([]models.Order, error)

	// SoldOrders returns sold orders ordered by creation time then id.
	SoldOrders(ctx context.Context, raffleID string) ([]models.Order, error)
}

// Tx is the view handed to a locked section. Writes become visible when
// the section returns nil and are discarded otherwise.
type Tx interface {
	Reader
	InsertOrder(ctx context.Context, o models.Order) error
	UpdateOrder(ctx context.Context, o models.Order) error
	UpdateRaffleStatus(ctx context.Context, raffleID string, status models.RaffleStatus) error
	InsertWinner(ctx context.Context, w models.WinnerRecord) error
}

// Store is implemented by the SQL store (internal/db) and the memory store.
type Store interface {
	Reader

	CreateRaffle(ctx context.Context, r models.Raffle) (models.Raffle, error)

	// TicketCounts sums ticket_count of sold orders and of orders holding
	// tickets without being sold (pending, unexpired reserved).
	TicketCounts(ctx context.Context, raffleID string, now time.Time) (sold, reserved int64, err error)

	// DueRaffles lists active raffles whose draw date is not after now.
	DueRaffles(ctx context.Context, now time.Time) ([]models.Raffle, error)

	GetWinner(ctx context.Context, raffleID string) (models.WinnerRecord, error)

	// WithRaffleLock runs fn while holding the raffle's exclusive section.
	// It returns ErrBusy when the section cannot be entered promptly.
	WithRaffleLock(ctx context.Context, raffleID string, fn func(tx Tx) error) error

	Close() error
}
