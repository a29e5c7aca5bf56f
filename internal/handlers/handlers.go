package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"raffle-core/internal/apperr"
	"raffle-core/internal/clock"
	"raffle-core/internal/draw"
	"raffle-core/internal/events"
	"raffle-core/internal/inventory"
	"raffle-core/internal/middleware"
	"raffle-core/internal/models"
	"raffle-core/internal/orders"
	"raffle-core/internal/realtime"
	"raffle-core/internal/reservation"
	"raffle-core/internal/revenue"
	"raffle-core/internal/selection"
	"raffle-core/internal/store"
)

const maxBodyBytes = 1 << 20

// API binds the raffle engines to HTTP.
type API struct {
	Store        store.Store
	Reservations *reservation.Engine
	Inventory    *inventory.Counter
	Selector     *selection.Selector
	Orders       *orders.Manager
	Revenue      *revenue.Service
	Draws        *draw.Engine
	Hub          *realtime.Hub
	Notifier     events.Notifier
	Clock        clock.Clock
	Log          logrus.FieldLogger
}

// Routes mounts the public endpoints.
func (a *API) Routes(r chi.Router) {
	r.Get("/raffles/{id}", a.GetRaffle)
	r.Get("/raffles/{id}/counts", a.GetCounts)
	r.Get("/raffles/{id}/tickets", a.ListTickets)
	r.Get("/raffles/{id}/tickets/{number}", a.CheckTicket)
	r.Post("/raffles/{id}/random", a.SelectRandom)
	r.Post("/raffles/{id}/reservations", a.Reserve)
	r.Get("/raffles/{id}/live", a.Live)
	r.Get("/orders/{id}", a.GetOrder)
	r.Post("/orders/{id}/payment", a.SubmitPayment)
}

func (a *API) GetRaffle(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id", "raffle_id")
	if err != nil {
		a.fail(w, err)
		return
	}
	raffle, err := a.Store.GetRaffle(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, raffle)
}

func (a *API) GetCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Inventory.GetCounts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ListTickets serves ?start=&end= as a range query, otherwise ?page=&size=.
func (a *API) ListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		page inventory.Page
		err  error
	)
	if q.Has("start") || q.Has("end") {
		var start, end int
		if start, err = queryInt(q.Get("start"), "start", 0); err == nil {
			end, err = queryInt(q.Get("end"), "end", start+inventory.DefaultPageSize-1)
		}
		if err == nil {
			page, err = a.Inventory.ListRange(r.Context(), chi.URLParam(r, "id"), start, end)
		}
	} else {
		var n, size int
		if n, err = queryInt(q.Get("page"), "page", 1); err == nil {
			size, err = queryInt(q.Get("size"), "size", inventory.DefaultPageSize)
		}
		if err == nil {
			page, err = a.Inventory.ListTickets(r.Context(), chi.URLParam(r, "id"), n, size)
		}
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) CheckTicket(w http.ResponseWriter, r *http.Request) {
	t, err := a.Inventory.CheckAvailability(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "number"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type randomRequest struct {
	Quantity int      `json:"quantity"`
	Exclude  []string `json:"exclude"`
}

func (a *API) SelectRandom(w http.ResponseWriter, r *http.Request) {
	var body randomRequest
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	res, err := a.Selector.SelectRandom(r.Context(), selection.Request{
		RaffleID: chi.URLParam(r, "id"),
		Quantity: body.Quantity,
		Exclude:  body.Exclude,
		Client:   middleware.ClientIdentity(r),
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reserveRequest struct {
	Indices            []int        `json:"indices"`
	Buyer              models.Buyer `json:"buyer"`
	ReservationMinutes int          `json:"reservation_minutes"`
	OrderTotal         *int64       `json:"order_total"`
	Lucky              bool         `json:"lucky"`
}

func (a *API) Reserve(w http.ResponseWriter, r *http.Request) {
	var body reserveRequest
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	res, err := a.Reservations.Reserve(r.Context(), reservation.Request{
		RaffleID:           chi.URLParam(r, "id"),
		Indices:            body.Indices,
		Buyer:              body.Buyer,
		ReservationMinutes: body.ReservationMinutes,
		OrderTotal:         body.OrderTotal,
		Lucky:              body.Lucky,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Live upgrades to a websocket that receives debounced invalidations.
func (a *API) Live(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id", "raffle_id")
	if err != nil {
		a.fail(w, err)
		return
	}
	if _, err := a.Store.GetRaffle(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	a.Hub.Serve(w, r, id)
}

func (a *API) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type paymentRequest struct {
	Method    string        `json:"method"`
	Proof     string        `json:"proof"`
	Reference string        `json:"reference"`
	Buyer     *models.Buyer `json:"buyer"`
}

func (p paymentRequest) payment() orders.Payment {
	out := orders.Payment{Method: p.Method, Proof: p.Proof, Reference: p.Reference}
	if p.Buyer != nil {
		out.Buyer = *p.Buyer
	}
	return out
}

// SubmitPayment moves a reservation to pending once the buyer sends proof.
func (a *API) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	var body paymentRequest
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	o, err := a.Orders.SubmitPayment(r.Context(), chi.URLParam(r, "id"), body.payment())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error             string   `json:"error"`
	ConflictIndices   []int    `json:"conflict_indices,omitempty"`
	ConflictNumbers   []string `json:"conflict_numbers,omitempty"`
	ConflictTotal     int      `json:"conflict_total,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: err.Error()}

	var (
		conflict *apperr.ConflictError
		limited  *apperr.RateLimitedError
	)
	switch {
	case errors.As(err, &conflict):
		body.ConflictIndices = conflict.Indices
		body.ConflictNumbers = conflict.Numbers
		body.ConflictTotal = conflict.Total
	case errors.As(err, &limited):
		secs := limited.RetryAfterSeconds()
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	switch {
	case status == http.StatusServiceUnavailable:
		body.Error = "raffle busy, please try again"
	case status >= http.StatusInternalServerError:
		a.Log.WithError(err).Error("request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("body", "%v", err)
	}
	return nil
}

func pathUUID(r *http.Request, param, field string) (string, error) {
	v := chi.URLParam(r, param)
	if _, err := uuid.Parse(v); err != nil {
		return "", apperr.Invalid(field, "must be a UUID")
	}
	return v, nil
}

func queryInt(raw, field string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalid(field, "must be an integer")
	}
	return n, nil
}
