package models

import (
	"time"
)

// Limits shared by every component.
const (
	MaxTotalTickets = 10_000_000
	// MaxTicketsPerCall bounds a single reservation or random selection.
	MaxTicketsPerCall = 100_000
)

// RaffleStatus is the lifecycle state of a raffle.
type RaffleStatus string

const (
	RaffleDraft     RaffleStatus = "draft"
	RaffleActive    RaffleStatus = "active"
	RafflePaused    RaffleStatus = "paused"
	RaffleCompleted RaffleStatus = "completed"
	RaffleCanceled  RaffleStatus = "canceled"
)

// Valid reports whether s is a known raffle status.
func (s RaffleStatus) Valid() bool {
	switch s {
	case RaffleDraft, RaffleActive, RafflePaused, RaffleCompleted, RaffleCanceled:
		return true
	}
	return false
}

// Numbering controls how ticket indices are displayed. It never affects allocation.
type Numbering struct {
	StartNumber int64 `json:"start_number"`
	Step        int64 `json:"step"`
}

// Raffle represents a sale event
type Raffle struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	TotalTickets int          `json:"total_tickets"`
	TicketPrice  int64        `json:"ticket_price"` // minor units
	Numbering    Numbering    `json:"numbering"`
	Status       RaffleStatus `json:"status"`
	DrawDate     *time.Time   `json:"draw_date,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderReserved  OrderStatus = "reserved"
	OrderPending   OrderStatus = "pending"
	OrderSold      OrderStatus = "sold"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderSold || s == OrderCancelled
}

// Range is an inclusive span of ticket indices.
type Range struct {
	Start int `json:"s"`
	End   int `json:"e"`
}

// Len returns the number of indices covered by r.
func (r Range) Len() int { return r.End - r.Start + 1 }

// Overlaps reports whether r and o share at least one index.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Buyer holds the contact fields attached to an order.
type Buyer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// Order is the unit of allocation. Its tickets are TicketRanges expanded plus LuckyIndices.
type Order struct {
	ID               string      `json:"id"`
	RaffleID         string      `json:"raffle_id"`
	Status           OrderStatus `json:"status"`
	TicketCount      int         `json:"ticket_count"`
	TicketRanges     []Range     `json:"ticket_ranges"`
	LuckyIndices     []int       `json:"lucky_indices"`
	Buyer            Buyer       `json:"buyer"`
	OrderTotal       *int64      `json:"order_total,omitempty"` // Pointer allowing null (legacy orders)
	ReferenceCode    string      `json:"reference_code"`
	ReservedUntil    *time.Time  `json:"reserved_until,omitempty"`
	PaymentReference string      `json:"payment_reference,omitempty"`
	PaymentMethod    string      `json:"payment_method,omitempty"`
	PaymentProof     string      `json:"payment_proof,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Live reports whether the order currently holds its tickets at time now.
// Expired reservations are treated as released without any sweep.
func (o Order) Live(now time.Time) bool {
	switch o.Status {
	case OrderPending, OrderSold:
		return true
	case OrderReserved:
		return o.ReservedUntil != nil && now.Before(*o.ReservedUntil)
	}
	return false
}

// Span returns the smallest range covering every ticket of the order.
func (o Order) Span() (Range, bool) {
	first := true
	var span Range
	grow := func(lo, hi int) {
		if first {
			span = Range{Start: lo, End: hi}
			first = false
			return
		}
		span.Start = min(span.Start, lo)
		span.End = max(span.End, hi)
	}
	for _, r := range o.TicketRanges {
		grow(r.Start, r.End)
	}
	for _, i := range o.LuckyIndices {
		grow(i, i)
	}
	return span, !first
}

// TicketStatus is the derived status of a virtual ticket.
type TicketStatus string

const (
	TicketAvailable TicketStatus = "available"
	TicketReserved  TicketStatus = "reserved"
	TicketSold      TicketStatus = "sold"
)

// Ticket is a projection of an index; it is never stored.
type Ticket struct {
	Index   int          `json:"index"`
	Number  string       `json:"number"`
	Status  TicketStatus `json:"status"`
	OrderID string       `json:"order_id,omitempty"`
}

// TicketCounts aggregates a raffle's inventory.
type TicketCounts struct {
	Total     int64 `json:"total"`
	Sold      int64 `json:"sold"`
	Reserved  int64 `json:"reserved"`
	Available int64 `json:"available"`
}

// WinnerRecord is written once per completed draw and never updated.
type WinnerRecord struct {
	RaffleID     string    `json:"raffle_id"`
	OrderID      string    `json:"order_id"`
	TicketIndex  int       `json:"ticket_index"`
	TicketNumber string    `json:"ticket_number"`
	BuyerName    string    `json:"buyer_name"`
	BuyerEmail   string    `json:"buyer_email"`
	DrawMethod   string    `json:"draw_method"`
	Timestamp    time.Time `json:"timestamp"`
	AutoExecuted bool      `json:"auto_executed"`
}
