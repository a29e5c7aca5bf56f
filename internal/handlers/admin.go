package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"raffle-core/internal/apperr"
	"raffle-core/internal/draw"
	"raffle-core/internal/events"
	"raffle-core/internal/models"
	"raffle-core/internal/retry"
	"raffle-core/internal/store"
)

// AdminRoutes mounts the operator endpoints. Callers wrap r with admin auth.
func (a *API) AdminRoutes(r chi.Router) {
	r.Post("/raffles", a.CreateRaffle)
	r.Post("/raffles/{id}/status", a.SetRaffleStatus)
	r.Post("/raffles/{id}/draw", a.DrawRaffle)
	r.Get("/raffles/{id}/revenue", a.GetRevenue)
	r.Get("/raffles/{id}/winner", a.GetWinner)
	r.Post("/orders/{id}/confirm", a.ConfirmOrder)
	r.Post("/orders/{id}/cancel", a.CancelOrder)
	r.Post("/draws/run", a.RunDraws)
}

type createRaffleRequest struct {
	Name         string              `json:"name"`
	TotalTickets int                 `json:"total_tickets"`
	TicketPrice  int64               `json:"ticket_price"`
	Numbering    models.Numbering    `json:"numbering"`
	Status       models.RaffleStatus `json:"status"`
	DrawDate     *time.Time          `json:"draw_date"`
}

func (req createRaffleRequest) validate() error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return apperr.Invalid("name", "is required")
	case req.TotalTickets < 1 || req.TotalTickets > models.MaxTotalTickets:
		return apperr.Invalid("total_tickets", "must be between 1 and %d", models.MaxTotalTickets)
	case req.TicketPrice < 0:
		return apperr.Invalid("ticket_price", "must not be negative")
	case req.Numbering.StartNumber < 0 || req.Numbering.Step < 0:
		return apperr.Invalid("numbering", "start_number and step must not be negative")
	case req.Status != "" && !req.Status.Valid():
		return apperr.Invalid("status", "unknown status %q", req.Status)
	}
	return nil
}

func (a *API) CreateRaffle(w http.ResponseWriter, r *http.Request) {
	var body createRaffleRequest
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	if err := body.validate(); err != nil {
		a.fail(w, err)
		return
	}
	if body.Status == "" {
		body.Status = models.RaffleDraft
	}
	if body.Numbering.Step == 0 {
		body.Numbering.Step = 1
	}

	raffle, err := a.Store.CreateRaffle(r.Context(), models.Raffle{
		Name:         strings.TrimSpace(body.Name),
		TotalTickets: body.TotalTickets,
		TicketPrice:  body.TicketPrice,
		Numbering:    body.Numbering,
		Status:       body.Status,
		DrawDate:     body.DrawDate,
		CreatedAt:    a.Clock.Now().UTC(),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	a.Log.WithField("raffle_id", raffle.ID).WithField("total_tickets", raffle.TotalTickets).Info("raffle created")
	writeJSON(w, http.StatusCreated, raffle)
}

type statusRequest struct {
	Status models.RaffleStatus `json:"status"`
}

// SetRaffleStatus changes the lifecycle status. Completed and canceled raffles are final.
func (a *API) SetRaffleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id", "raffle_id")
	if err != nil {
		a.fail(w, err)
		return
	}
	var body statusRequest
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	if !body.Status.Valid() {
		a.fail(w, apperr.Invalid("status", "unknown status %q", body.Status))
		return
	}

	raffle, err := a.changeStatus(r.Context(), id, body.Status)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.Log.WithField("raffle_id", id).WithField("status", body.Status).Info("raffle status changed")
	a.Notifier.Notify(r.Context(), events.Event{Type: events.RaffleUpdated, RaffleID: id, At: a.Clock.Now()})
	writeJSON(w, http.StatusOK, raffle)
}

func (a *API) changeStatus(ctx context.Context, id string, to models.RaffleStatus) (models.Raffle, error) {
	isBusy := func(err error) bool { return errors.Is(err, store.ErrBusy) }
	policy := retry.DefaultPolicy(isBusy)
	policy.Clock = a.Clock

	var out models.Raffle
	attempts, err := policy.Do(ctx, func(int) error {
		return a.Store.WithRaffleLock(ctx, id, func(tx store.Tx) error {
			raffle, err := tx.GetRaffle(ctx, id)
			if err != nil {
				return err
			}
			if raffle.Status == models.RaffleCompleted || raffle.Status == models.RaffleCanceled {
				return &apperr.RaffleStateError{RaffleID: id, Status: string(raffle.Status), Required: "draft, active or paused"}
			}
			if err := tx.UpdateRaffleStatus(ctx, id, to); err != nil {
				return err
			}
			raffle.Status = to
			out = raffle
			return nil
		})
	})
	if isBusy(err) {
		return models.Raffle{}, &apperr.ContentionError{RaffleID: id, Attempts: attempts, Err: err}
	}
	return out, err
}

func (a *API) DrawRaffle(w http.ResponseWriter, r *http.Request) {
	res, err := a.Draws.Draw(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) GetRevenue(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Revenue.ComputeRevenue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) GetWinner(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id", "raffle_id")
	if err != nil {
		a.fail(w, err)
		return
	}
	winner, err := a.Store.GetWinner(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, winner)
}

func (a *API) ConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var body paymentRequest
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	o, err := a.Orders.Confirm(r.Context(), chi.URLParam(r, "id"), body.payment())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.Orders.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type runDrawsResponse struct {
	Due     int           `json:"due"`
	Results []draw.Result `json:"results"`
	Failed  []string      `json:"failed,omitempty"`
	Errors  string        `json:"errors,omitempty"`
}

// RunDraws triggers the due-draw batch now. Per-raffle failures are
// reported in the body; the batch itself still answers 200.
func (a *API) RunDraws(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Draws.RunDueDraws(r.Context())
	if err != nil && rep.Results == nil {
		a.fail(w, err)
		return
	}
	body := runDrawsResponse{Due: rep.Due, Results: rep.Results, Failed: rep.Failed}
	if err != nil {
		body.Errors = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
