// Package events carries the plain data notifications emitted by the engine.
// Delivery (chat bot, websocket, email) belongs to the Notifier implementations.
package events

import (
	"context"
	"time"

	"raffle-core/internal/models"
)

// Type names what happened.
type Type string

const (
	OrderReserved  Type = "order.reserved"
	OrderPending   Type = "order.pending"
	OrderConfirmed Type = "order.confirmed"
	OrderCancelled Type = "order.cancelled"
	DrawCompleted  Type = "draw.completed"
	RaffleUpdated  Type = "raffle.updated"
)

// Event is the payload handed to notifiers. OrderID and Winner are set
// only for the types they apply to.
type Event struct {
	Type     Type                 `json:"type"`
	RaffleID string               `json:"raffle_id"`
	OrderID  string               `json:"order_id,omitempty"`
	Winner   *models.WinnerRecord `json:"winner,omitempty"`
	At       time.Time            `json:"at"`
}

// Notifier receives events. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event)

func (f NotifierFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Fanout delivers every event to each notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, e Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(context.Context, Event) {})
