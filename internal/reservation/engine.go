// Package reservation is the only write path that creates orders. Every
// allocation runs inside the raffle's exclusive section: check the requested
// indices against live orders, then insert the order, or report conflicts.
package reservation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"raffle-core/internal/apperr"
	"raffle-core/internal/clock"
	"raffle-core/internal/events"
	"raffle-core/internal/metrics"
	"raffle-core/internal/models"
	"raffle-core/internal/retry"
	"raffle-core/internal/store"
	"raffle-core/internal/tickets"
)

const (
	DefaultReservationMinutes = 15
	MaxReservationMinutes     = 24 * 60
)

// Request asks for a specific set of ticket indices.
type Request struct {
	RaffleID           string
	Indices            []int
	Buyer              models.Buyer
	ReservationMinutes int
	OrderTotal         *int64
	// Lucky keeps isolated indices in the sparse list instead of one-element ranges.
	Lucky bool
}

// Result describes the created order.
type Result struct {
	OrderID       string         `json:"order_id"`
	ReferenceCode string         `json:"reference_code"`
	ReservedUntil time.Time      `json:"reserved_until"`
	TicketCount   int            `json:"ticket_count"`
	TicketRanges  []models.Range `json:"ticket_ranges"`
	LuckyIndices  []int          `json:"lucky_indices"`
}

// Engine reserves tickets.
type Engine struct {
	store          store.Store
	clock          clock.Clock
	policy         retry.Policy
	notifier       events.Notifier
	log            logrus.FieldLogger
	defaultMinutes int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for reservation windows.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithPolicy overrides the contention retry policy. Its Retryable
// predicate is always replaced by the store's busy check.
func WithPolicy(p retry.Policy) Option { return func(e *Engine) { e.policy = p } }

// WithNotifier sets where reservation events go.
func WithNotifier(n events.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithReservationMinutes sets the window used when a request leaves it unset.
func WithReservationMinutes(m int) Option { return func(e *Engine) { e.defaultMinutes = m } }

// New returns an Engine over s.
func New(s store.Store, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		clock:          clock.Real(),
		policy:         retry.DefaultPolicy(nil),
		notifier:       events.Discard,
		log:            log,
		defaultMinutes: DefaultReservationMinutes,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.policy.Retryable = isBusy
	return e
}

func isBusy(err error) bool { return errors.Is(err, store.ErrBusy) }

// Reserve assigns req.Indices to a new reserved order. It fails with a
// *apperr.ConflictError when any index is held by a live order and with a
// *apperr.ContentionError when the raffle lock stays busy through every retry.
func (e *Engine) Reserve(ctx context.Context, req Request) (Result, error) {
	set, minutes, err := e.validate(req)
	if err != nil {
		metrics.RecordReservation("invalid", 0, 0)
		return Result{}, err
	}

	start := time.Now()
	var res Result
	attempts, err := e.policy.Do(ctx, func(int) error {
		var err error
		res, err = e.reserveOnce(ctx, req, set, minutes)
		return err
	})
	elapsed := time.Since(start)

	log := e.log.WithFields(logrus.Fields{
		"raffle_id": req.RaffleID,
		"tickets":   set.Count(),
		"attempts":  attempts,
	})
	if err != nil {
		if isBusy(err) {
			metrics.RecordReservation("contention", attempts-1, elapsed)
			log.Warn("raffle lock busy, giving up")
			return Result{}, &apperr.ContentionError{RaffleID: req.RaffleID, Attempts: attempts, Err: err}
		}
		metrics.RecordReservation(outcome(err), attempts-1, elapsed)
		return Result{}, err
	}

	metrics.RecordReservation("created", attempts-1, elapsed)
	log.WithField("order_id", res.OrderID).Info("tickets reserved")
	e.notifier.Notify(ctx, events.Event{
		Type:     events.OrderReserved,
		RaffleID: req.RaffleID,
		OrderID:  res.OrderID,
		At:       e.clock.Now(),
	})
	return res, nil
}

func (e *Engine) validate(req Request) (tickets.Set, int, error) {
	if _, err := uuid.Parse(req.RaffleID); err != nil {
		return tickets.Set{}, 0, apperr.Invalid("raffle_id", "must be a UUID")
	}
	if len(req.Indices) == 0 {
		return tickets.Set{}, 0, apperr.Invalid("ticket_indices", "at least one ticket is required")
	}
	if len(req.Indices) > models.MaxTicketsPerCall {
		return tickets.Set{}, 0, apperr.Invalid("ticket_indices", "at most %d tickets per reservation", models.MaxTicketsPerCall)
	}
	for _, i := range req.Indices {
		if i < 0 || i >= models.MaxTotalTickets {
			return tickets.Set{}, 0, apperr.Invalid("ticket_indices", "index %d out of range", i)
		}
	}
	if req.OrderTotal != nil && *req.OrderTotal < 0 {
		return tickets.Set{}, 0, apperr.Invalid("order_total", "must not be negative")
	}

	minutes := req.ReservationMinutes
	if minutes == 0 {
		minutes = e.defaultMinutes
	}
	if minutes < 1 || minutes > MaxReservationMinutes {
		return tickets.Set{}, 0, apperr.Invalid("reservation_minutes", "must be between 1 and %d", MaxReservationMinutes)
	}
	return tickets.Compress(req.Indices, req.Lucky), minutes, nil
}

// reserveOnce is a single check-and-write inside the raffle lock.
func (e *Engine) reserveOnce(ctx context.Context, req Request, set tickets.Set, minutes int) (Result, error) {
	var res Result
	err := e.store.WithRaffleLock(ctx, req.RaffleID, func(tx store.Tx) error {
		raffle, err := tx.GetRaffle(ctx, req.RaffleID)
		if err != nil {
			return err
		}
		if raffle.Status != models.RaffleActive {
			return &apperr.RaffleStateError{RaffleID: raffle.ID, Status: string(raffle.Status), Required: string(models.RaffleActive)}
		}

		requested := tickets.Expand(set)
		slices.Sort(requested)
		lo, hi := requested[0], requested[len(requested)-1]
		if hi >= raffle.TotalTickets {
			return apperr.Invalid("ticket_indices", "index %d out of range for %d tickets", hi, raffle.TotalTickets)
		}

		now := e.clock.Now()
		live, err := tx.LiveOrders(ctx, raffle.ID, models.Range{Start: lo, End: hi}, now)
		if err != nil {
			return err
		}
		if conflict := findConflicts(requested, live, raffle); conflict != nil {
			return conflict
		}

		code, err := newReferenceCode()
		if err != nil {
			return err
		}
		until := now.Add(time.Duration(minutes) * time.Minute)
		order := models.Order{
			ID:            uuid.NewString(),
			RaffleID:      raffle.ID,
			Status:        models.OrderReserved,
			TicketCount:   set.Count(),
			TicketRanges:  set.Ranges,
			LuckyIndices:  set.Lucky,
			Buyer:         req.Buyer,
			OrderTotal:    req.OrderTotal,
			ReferenceCode: code,
			ReservedUntil: &until,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		res = Result{
			OrderID:       order.ID,
			ReferenceCode: order.ReferenceCode,
			ReservedUntil: until,
			TicketCount:   order.TicketCount,
			TicketRanges:  order.TicketRanges,
			LuckyIndices:  order.LuckyIndices,
		}
		return nil
	})
	return res, err
}

// findConflicts returns nil when none of the sorted requested indices is
// held by a live order.
func findConflicts(requested []int, live []models.Order, raffle models.Raffle) *apperr.ConflictError {
	if len(live) == 0 {
		return nil
	}
	var b tickets.OccupancyBuilder
	for _, o := range live {
		b.AddSet(tickets.OfOrder(o))
	}
	occ := b.Build(raffle.TotalTickets)

	conflict := &apperr.ConflictError{}
	num := tickets.ForRaffle(raffle)
	for _, i := range requested {
		if !occ.Contains(i) {
			continue
		}
		conflict.Total++
		if len(conflict.Indices) < apperr.MaxReportedConflicts {
			conflict.Indices = append(conflict.Indices, i)
			conflict.Numbers = append(conflict.Numbers, num.Format(i))
		}
	}
	if conflict.Total == 0 {
		return nil
	}
	return conflict
}

func outcome(err error) string {
	var (
		conflict   *apperr.ConflictError
		validation *apperr.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &validation):
		return "invalid"
	}
	return "error"
}

// Reference codes avoid characters that are easy to misread.
const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newReferenceCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reference code: %w", err)
	}
	for i, b := range buf {
		buf[i] = referenceAlphabet[int(b)%len(referenceAlphabet)]
	}
	return "RF-" + string(buf), nil
}
