// Package inventory answers read-only questions about a raffle's tickets:
// aggregate counts, paged or ranged listings and single-ticket lookups.
// Tickets are projected from the live orders covering them.
package inventory

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"raffle-core/internal/apperr"
	"raffle-core/internal/clock"
	"raffle-core/internal/models"
	"raffle-core/internal/store"
	"raffle-core/internal/tickets"
)

const (
	// LargeRaffleThreshold switches listings to index-range queries.
	LargeRaffleThreshold = 10_000
	DefaultPageSize      = 100
	MaxPageSize          = 1000
)

// Listing strategies reported on a Page.
const (
	StrategyOffset = "offset"
	StrategyRange  = "range"
)

// Page is one window of projected tickets.
type Page struct {
	Tickets  []models.Ticket `json:"tickets"`
	Page     int             `json:"page,omitempty"`
	Size     int             `json:"size"`
	Start    int             `json:"start"`
	End      int             `json:"end"`
	Total    int             `json:"total"`
	HasMore  bool            `json:"has_more"`
	Strategy string          `json:"strategy"`
}

// Counter serves inventory reads.
type Counter struct {
	store store.Store
	clock clock.Clock
	log   logrus.FieldLogger
}

// NewCounter returns a Counter over s.
func NewCounter(s store.Store, clk clock.Clock, log logrus.FieldLogger) *Counter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Counter{store: s, clock: clk, log: log}
}

// GetCounts returns total, sold, reserved and available tickets. Available
// is clamped at zero.
func (c *Counter) GetCounts(ctx context.Context, raffleID string) (models.TicketCounts, error) {
	raffle, err := c.raffle(ctx, raffleID)
	if err != nil {
		return models.TicketCounts{}, err
	}
	sold, reserved, err := c.store.TicketCounts(ctx, raffle.ID, c.clock.Now())
	if err != nil {
		return models.TicketCounts{}, err
	}

	total := int64(raffle.TotalTickets)
	available := total - sold - reserved
	if available < 0 {
		c.log.WithFields(logrus.Fields{
			"raffle_id": raffle.ID,
			"sold":      sold,
			"reserved":  reserved,
			"total":     total,
		}).Error("inventory oversold")
		available = 0
	}
	return models.TicketCounts{Total: total, Sold: sold, Reserved: reserved, Available: available}, nil
}

// ListTickets returns page (1-based) of size tickets. Small raffles load
// every live order once; large raffles only query orders overlapping the page.
func (c *Counter) ListTickets(ctx context.Context, raffleID string, page, size int) (Page, error) {
	if page < 1 {
		return Page{}, apperr.Invalid("page", "must be at least 1")
	}
	if size == 0 {
		size = DefaultPageSize
	}
	if size < 1 || size > MaxPageSize {
		return Page{}, apperr.Invalid("size", "must be between 1 and %d", MaxPageSize)
	}
	raffle, err := c.raffle(ctx, raffleID)
	if err != nil {
		return Page{}, err
	}

	start := (page - 1) * size
	out := Page{Page: page, Size: size, Total: raffle.TotalTickets, Start: start, Tickets: []models.Ticket{}}
	if start >= raffle.TotalTickets {
		out.End = start - 1
		out.Strategy = strategyFor(raffle)
		return out, nil
	}
	window := models.Range{Start: start, End: min(start+size, raffle.TotalTickets) - 1}

	query := window
	if raffle.TotalTickets < LargeRaffleThreshold {
		query = models.Range{Start: 0, End: raffle.TotalTickets - 1}
	}
	live, err := c.store.LiveOrders(ctx, raffle.ID, query, c.clock.Now())
	if err != nil {
		return Page{}, err
	}

	out.End = window.End
	out.Strategy = strategyFor(raffle)
	out.Tickets = tickets.Project(window, live, tickets.ForRaffle(raffle))
	out.HasMore = window.End < raffle.TotalTickets-1
	return out, nil
}

// ListRange returns the tickets with indices in [start, end].
func (c *Counter) ListRange(ctx context.Context, raffleID string, start, end int) (Page, error) {
	if start < 0 || end < start {
		return Page{}, apperr.Invalid("range", "need 0 <= start <= end")
	}
	if end-start+1 > MaxPageSize {
		return Page{}, apperr.Invalid("range", "at most %d tickets per request", MaxPageSize)
	}
	raffle, err := c.raffle(ctx, raffleID)
	if err != nil {
		return Page{}, err
	}
	if end >= raffle.TotalTickets {
		return Page{}, apperr.Invalid("range", "end %d beyond last index %d", end, raffle.TotalTickets-1)
	}

	window := models.Range{Start: start, End: end}
	live, err := c.store.LiveOrders(ctx, raffle.ID, window, c.clock.Now())
	if err != nil {
		return Page{}, err
	}
	return Page{
		Tickets:  tickets.Project(window, live, tickets.ForRaffle(raffle)),
		Size:     window.Len(),
		Start:    start,
		End:      end,
		Total:    raffle.TotalTickets,
		HasMore:  end < raffle.TotalTickets-1,
		Strategy: StrategyRange,
	}, nil
}

// CheckAvailability resolves a display number and reports its status.
func (c *Counter) CheckAvailability(ctx context.Context, raffleID, number string) (models.Ticket, error) {
	raffle, err := c.raffle(ctx, raffleID)
	if err != nil {
		return models.Ticket{}, err
	}
	num := tickets.ForRaffle(raffle)
	i, err := num.Parse(number)
	if err != nil {
		return models.Ticket{}, apperr.Invalid("ticket_number", "%v", err)
	}

	window := models.Range{Start: i, End: i}
	live, err := c.store.LiveOrders(ctx, raffle.ID, window, c.clock.Now())
	if err != nil {
		return models.Ticket{}, err
	}
	return tickets.Project(window, live, num)[0], nil
}

func (c *Counter) raffle(ctx context.Context, raffleID string) (models.Raffle, error) {
	if _, err := uuid.Parse(raffleID); err != nil {
		return models.Raffle{}, apperr.Invalid("raffle_id", "must be a UUID")
	}
	return c.store.GetRaffle(ctx, raffleID)
}

func strategyFor(r models.Raffle) string {
	if r.TotalTickets < LargeRaffleThreshold {
		return StrategyOffset
	}
	return StrategyRange
}
