// Package draw selects raffle winners. Every sold ticket has the same
// chance: a crypto-random offset over the sold tickets is walked across
// sold orders and resolved to a ticket index.
package draw

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"raffle-core/internal/apperr"
	"raffle-core/internal/clock"
	"raffle-core/internal/events"
	"raffle-core/internal/metrics"
	"raffle-core/internal/models"
	"raffle-core/internal/retry"
	"raffle-core/internal/store"
	"raffle-core/internal/tickets"
)

// Draw methods recorded on the winner.
const (
	MethodAuto   = "random_auto"
	MethodManual = "random_manual"
)

// AnonymousBuyer names winners whose order has no buyer name.
const AnonymousBuyer = "Anonimo"

// Result is the outcome of drawing one raffle. Winner is nil when nothing was sold.
type Result struct {
	RaffleID string               `json:"raffle_id"`
	Winner   *models.WinnerRecord `json:"winner,omitempty"`
	Skipped  bool                 `json:"skipped,omitempty"`
}

// Report summarizes a RunDueDraws batch.
type Report struct {
	Due     int      `json:"due"`
	Results []Result `json:"results"`
	Failed  []string `json:"failed,omitempty"`
}

// Engine draws winners.
type Engine struct {
	store    store.Store
	clock    clock.Clock
	policy   retry.Policy
	notifier events.Notifier
	log      logrus.FieldLogger
	// pick returns a uniform integer in [0,n).
	pick func(n int64) (int64, error)
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithNotifier(n events.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// New returns an Engine over s.
func New(s store.Store, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		clock:    clock.Real(),
		policy:   retry.DefaultPolicy(func(err error) bool { return errors.Is(err, store.ErrBusy) }),
		notifier: events.Discard,
		log:      log,
		pick:     cryptoInt,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func cryptoInt(n int64) (int64, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, fmt.Errorf("draw random offset: %w", err)
	}
	return v.Int64(), nil
}

// Draw runs a manual draw of raffleID, which must be active.
func (e *Engine) Draw(ctx context.Context, raffleID string) (Result, error) {
	if _, err := uuid.Parse(raffleID); err != nil {
		return Result{}, apperr.Invalid("raffle_id", "must be a UUID")
	}
	res, err := e.draw(ctx, raffleID, MethodManual)
	if err != nil {
		return Result{}, err
	}
	if res.Skipped {
		raffle, err := e.store.GetRaffle(ctx, raffleID)
		if err != nil {
			return Result{}, err
		}
		return Result{}, &apperr.RaffleStateError{RaffleID: raffleID, Status: string(raffle.Status), Required: string(models.RaffleActive)}
	}
	return res, nil
}

// RunDueDraws draws every active raffle whose draw date has passed. A
// failure on one raffle does not stop the others; all failures are
// combined into the returned error.
func (e *Engine) RunDueDraws(ctx context.Context) (Report, error) {
	due, err := e.store.DueRaffles(ctx, e.clock.Now())
	if err != nil {
		return Report{}, fmt.Errorf("list due raffles: %w", err)
	}

	report := Report{Due: len(due), Results: []Result{}}
	var errs error
	for _, r := range due {
		res, err := e.draw(ctx, r.ID, MethodAuto)
		if err != nil {
			metrics.RecordDraw("failed")
			e.log.WithError(err).WithField("raffle_id", r.ID).Error("draw failed")
			report.Failed = append(report.Failed, r.ID)
			errs = multierr.Append(errs, fmt.Errorf("raffle %s: %w", r.ID, err))
			continue
		}
		report.Results = append(report.Results, res)
	}
	return report, errs
}

func (e *Engine) draw(ctx context.Context, raffleID, method string) (Result, error) {
	res := Result{RaffleID: raffleID}
	attempts, err := e.policy.Do(ctx, func(int) error {
		res = Result{RaffleID: raffleID}
		return e.store.WithRaffleLock(ctx, raffleID, func(tx store.Tx) error {
			raffle, err := tx.GetRaffle(ctx, raffleID)
			if err != nil {
				return err
			}
			// Another instance may have drawn it since it was listed.
			if raffle.Status != models.RaffleActive {
				res.Skipped = true
				return nil
			}

			sold, err := tx.SoldOrders(ctx, raffleID)
			if err != nil {
				return err
			}
			winner, err := e.selectWinner(raffle, sold, method)
			if err != nil {
				return err
			}
			if winner != nil {
				if err := tx.InsertWinner(ctx, *winner); err != nil {
					return err
				}
			}
			res.Winner = winner
			return tx.UpdateRaffleStatus(ctx, raffleID, models.RaffleCompleted)
		})
	})
	if errors.Is(err, store.ErrBusy) {
		return Result{}, &apperr.ContentionError{RaffleID: raffleID, Attempts: attempts, Err: err}
	}
	if err != nil {
		return Result{}, err
	}
	if res.Skipped {
		return res, nil
	}

	log := e.log.WithFields(logrus.Fields{"raffle_id": raffleID, "method": method})
	if res.Winner == nil {
		metrics.RecordDraw("no_winner")
		log.Info("raffle completed without sales")
	} else {
		metrics.RecordDraw("winner")
		log.WithFields(logrus.Fields{
			"order_id":      res.Winner.OrderID,
			"ticket_number": res.Winner.TicketNumber,
		}).Info("winner drawn")
	}
	e.notifier.Notify(ctx, events.Event{
		Type:     events.DrawCompleted,
		RaffleID: raffleID,
		Winner:   res.Winner,
		At:       e.clock.Now(),
	})
	return res, nil
}

// selectWinner returns nil when no ticket was sold.
func (e *Engine) selectWinner(raffle models.Raffle, sold []models.Order, method string) (*models.WinnerRecord, error) {
	var soldCount int64
	for _, o := range sold {
		soldCount += int64(o.TicketCount)
	}
	if soldCount == 0 {
		return nil, nil
	}

	offset, err := e.pick(soldCount)
	if err != nil {
		return nil, err
	}

	var before int64
	for _, o := range sold {
		count := int64(o.TicketCount)
		if offset >= before+count {
			before += count
			continue
		}
		index, err := tickets.IndexAt(tickets.OfOrder(o), int(offset-before))
		if err != nil {
			return nil, &apperr.StoreResponseError{Op: "draw", Detail: fmt.Sprintf("order %s: %v", o.ID, err)}
		}
		name := o.Buyer.Name
		if name == "" {
			name = AnonymousBuyer
		}
		return &models.WinnerRecord{
			RaffleID:     raffle.ID,
			OrderID:      o.ID,
			TicketIndex:  index,
			TicketNumber: tickets.ForRaffle(raffle).Format(index),
			BuyerName:    name,
			BuyerEmail:   o.Buyer.Email,
			DrawMethod:   method,
			Timestamp:    e.clock.Now(),
			AutoExecuted: method == MethodAuto,
		}, nil
	}
	return nil, &apperr.StoreResponseError{Op: "draw", Detail: fmt.Sprintf("offset %d beyond %d sold tickets", offset, soldCount)}
}
