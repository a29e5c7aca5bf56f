// Package apperr defines the error kinds surfaced by the raffle engine.
//
// Every kind is a concrete type so callers can recover structured detail
// (conflicting indices, retry-after) with errors.As instead of parsing text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when a raffle, order or winner does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input. It is rejected before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// MaxReportedConflicts caps the indices carried by a ConflictError.
const MaxReportedConflicts = 5

// ConflictError means some requested tickets are already held by another order.
type ConflictError struct {
	Indices []int    // first MaxReportedConflicts conflicting indices, ascending
	Numbers []string // display numbers matching Indices
	Total   int      // number of conflicting indices overall
}

func (e *ConflictError) Error() string {
	shown := e.Numbers
	if len(shown) == 0 {
		for _, i := range e.Indices {
			shown = append(shown, strconv.Itoa(i))
		}
	}
	msg := "tickets no longer available: " + strings.Join(shown, ", ")
	if e.Total > len(shown) {
		msg += fmt.Sprintf(" (+%d more)", e.Total-len(shown))
	}
	return msg
}

// ContentionError means the raffle lock could not be acquired within the retry budget.
type ContentionError struct {
	RaffleID string
	Attempts int
	Err      error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("raffle %s busy after %d attempts, try again", e.RaffleID, e.Attempts)
}

func (e *ContentionError) Unwrap() error { return e.Err }

// ExpiredReservationError means confirmation came after reserved_until.
type ExpiredReservationError struct {
	OrderID       string
	ReservedUntil time.Time
}

func (e *ExpiredReservationError) Error() string {
	return fmt.Sprintf("reservation %s expired at %s", e.OrderID, e.ReservedUntil.UTC().Format(time.RFC3339))
}

// RaffleStateError means the raffle is not in the status an operation requires.
type RaffleStateError struct {
	RaffleID string
	Status   string
	Required string
}

func (e *RaffleStateError) Error() string {
	return fmt.Sprintf("raffle %s is %s, must be %s", e.RaffleID, e.Status, e.Required)
}

// RateLimitedError carries how long the client should wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many requests, retry after %ds", e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the wait up to whole seconds, minimum 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// TransitionError means an order cannot move from its current status.
type TransitionError struct {
	OrderID string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s cannot go from %s to %s", e.OrderID, e.From, e.To)
}

// StoreResponseError reports a store reply of an unexpected shape. It is never retried.
type StoreResponseError struct {
	Op     string
	Detail string
}

func (e *StoreResponseError) Error() string {
	return fmt.Sprintf("unexpected store response in %s: %s", e.Op, e.Detail)
}

// HTTPStatus maps an error to the status code the HTTP surface returns.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		conflict   *ConflictError
		contention *ContentionError
		expired    *ExpiredReservationError
		state      *RaffleStateError
		limited    *RateLimitedError
		transition *TransitionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &conflict), errors.As(err, &transition):
		return http.StatusConflict
	case errors.As(err, &expired):
		return http.StatusGone
	case errors.As(err, &state):
		return http.StatusUnprocessableEntity
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.As(err, &contention):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
