// Package orders drives orders through their lifecycle:
//
//	reserved -> pending | sold | cancelled
//	pending  -> sold | cancelled
//
// sold and cancelled are terminal. Every transition runs under the
// raffle's lock so it cannot race an allocation on the same raffle.
package orders

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"raffle-core/internal/apperr"
	"raffle-core/internal/clock"
	"raffle-core/internal/events"
	"raffle-core/internal/metrics"
	"raffle-core/internal/models"
	"raffle-core/internal/retry"
	"raffle-core/internal/store"
)

// Payment methods accepted on confirmation.
const (
	MethodCash         = "cash"
	MethodCard         = "card"
	MethodBankTransfer = "bank_transfer"
	MethodDeposit      = "deposit"
)

var proofRequired = map[string]bool{
	MethodCash:         false,
	MethodCard:         false,
	MethodBankTransfer: true,
	MethodDeposit:      true,
}

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderReserved: {models.OrderPending, models.OrderSold, models.OrderCancelled},
	models.OrderPending:  {models.OrderSold, models.OrderCancelled},
}

// Payment carries the data attached when an order is paid. Empty fields
// keep the order's current values.
type Payment struct {
	Method    string       `json:"payment_method"`
	Proof     string       `json:"payment_proof"`
	Reference string       `json:"payment_reference"`
	Buyer     models.Buyer `json:"buyer"`
}

// Manager applies order transitions.
type Manager struct {
	store    store.Store
	clock    clock.Clock
	policy   retry.Policy
	notifier events.Notifier
	log      logrus.FieldLogger
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithPolicy(p retry.Policy) Option { return func(m *Manager) { m.policy = p } }

func WithNotifier(n events.Notifier) Option { return func(m *Manager) { m.notifier = n } }

// NewManager returns a Manager over s.
func NewManager(s store.Store, log logrus.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		clock:    clock.Real(),
		policy:   retry.DefaultPolicy(nil),
		notifier: events.Discard,
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.policy.Retryable = func(err error) bool { return errors.Is(err, store.ErrBusy) }
	return m
}

// Get returns the order with id orderID.
func (m *Manager) Get(ctx context.Context, orderID string) (models.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return models.Order{}, apperr.Invalid("order_id", "must be a UUID")
	}
	return m.store.GetOrder(ctx, orderID)
}

// Confirm marks the order sold. A reserved order must still be inside its
// window and the raffle must be active.
func (m *Manager) Confirm(ctx context.Context, orderID string, p Payment) (models.Order, error) {
	return m.transition(ctx, orderID, models.OrderSold, &p)
}

// SubmitPayment records the buyer's payment details and moves a reserved
// order to pending, where it holds its tickets until an admin decides.
// Reference is ignored: only Confirm may group orders into one payment.
func (m *Manager) SubmitPayment(ctx context.Context, orderID string, p Payment) (models.Order, error) {
	p.Reference = ""
	return m.transition(ctx, orderID, models.OrderPending, &p)
}

// Cancel releases the order's tickets permanently.
func (m *Manager) Cancel(ctx context.Context, orderID string) (models.Order, error) {
	return m.transition(ctx, orderID, models.OrderCancelled, nil)
}

func (m *Manager) transition(ctx context.Context, orderID string, to models.OrderStatus, p *Payment) (models.Order, error) {
	current, err := m.Get(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if p != nil {
		if err := validatePayment(*p); err != nil {
			return models.Order{}, err
		}
	}

	var updated models.Order
	attempts, err := m.policy.Do(ctx, func(int) error {
		return m.store.WithRaffleLock(ctx, current.RaffleID, func(tx store.Tx) error {
			o, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			updated, err = m.apply(ctx, tx, o, to, p)
			if err != nil {
				return err
			}
			return tx.UpdateOrder(ctx, updated)
		})
	})
	if errors.Is(err, store.ErrBusy) {
		return models.Order{}, &apperr.ContentionError{RaffleID: current.RaffleID, Attempts: attempts, Err: err}
	}
	if err != nil {
		return models.Order{}, err
	}

	metrics.RecordTransition(string(to))
	m.log.WithFields(logrus.Fields{
		"order_id":  updated.ID,
		"raffle_id": updated.RaffleID,
		"from":      current.Status,
		"to":        to,
	}).Info("order updated")
	m.notifier.Notify(ctx, events.Event{
		Type:     eventFor(to),
		RaffleID: updated.RaffleID,
		OrderID:  updated.ID,
		At:       updated.UpdatedAt,
	})
	return updated, nil
}

// apply validates the transition of o against the locked state and
// returns the order to write.
func (m *Manager) apply(ctx context.Context, tx store.Tx, o models.Order, to models.OrderStatus, p *Payment) (models.Order, error) {
	if !allowed(o.Status, to) {
		return o, &apperr.TransitionError{OrderID: o.ID, From: string(o.Status), To: string(to)}
	}
	now := m.clock.Now()

	if to != models.OrderCancelled {
		raffle, err := tx.GetRaffle(ctx, o.RaffleID)
		if err != nil {
			return o, err
		}
		if raffle.Status != models.RaffleActive {
			return o, &apperr.RaffleStateError{RaffleID: raffle.ID, Status: string(raffle.Status), Required: string(models.RaffleActive)}
		}
		if o.Status == models.OrderReserved && (o.ReservedUntil == nil || !now.Before(*o.ReservedUntil)) {
			return o, expired(o)
		}
	}

	if p != nil {
		merge(&o, *p)
		if proofRequired[o.PaymentMethod] && o.PaymentProof == "" {
			return o, apperr.Invalid("payment_proof", "required for %s payments", o.PaymentMethod)
		}
		if to == models.OrderSold && o.PaymentMethod == "" {
			return o, apperr.Invalid("payment_method", "required to confirm an order")
		}
	}

	o.Status = to
	o.UpdatedAt = now
	if to != models.OrderReserved {
		o.ReservedUntil = nil
	}
	return o, nil
}

func expired(o models.Order) error {
	e := &apperr.ExpiredReservationError{OrderID: o.ID}
	if o.ReservedUntil != nil {
		e.ReservedUntil = *o.ReservedUntil
	}
	return e
}

func validatePayment(p Payment) error {
	if p.Method == "" {
		return nil
	}
	if _, known := proofRequired[p.Method]; !known {
		return apperr.Invalid("payment_method", "unknown method %q", p.Method)
	}
	return nil
}

// merge copies every non-empty field of p onto o. Omitted fields never blank stored ones.
func merge(o *models.Order, p Payment) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&o.PaymentMethod, p.Method)
	set(&o.PaymentProof, p.Proof)
	set(&o.PaymentReference, p.Reference)
	set(&o.Buyer.Name, p.Buyer.Name)
	set(&o.Buyer.Email, p.Buyer.Email)
	set(&o.Buyer.Phone, p.Buyer.Phone)
}

func allowed(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func eventFor(to models.OrderStatus) events.Type {
	switch to {
	case models.OrderSold:
		return events.OrderConfirmed
	case models.OrderPending:
		return events.OrderPending
	}
	return events.OrderCancelled
}
