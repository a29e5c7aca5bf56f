package reservation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffle-core/internal/apperr"
	"raffle-core/internal/clock"
	"raffle-core/internal/events"
	"raffle-core/internal/models"
	"raffle-core/internal/retry"
	"raffle-core/internal/store"
)

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func seedRaffle(t *testing.T, s store.Store, total int, status models.RaffleStatus) models.Raffle {
	t.Helper()
	r, err := s.CreateRaffle(context.Background(), models.Raffle{
		Name:         "Test raffle",
		TotalTickets: total,
		TicketPrice:  17500,
		Status:       status,
	})
	require.NoError(t, err)
	return r
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, BaseDelay: time.Microsecond}
}

func TestReserveCreatesOrder(t *testing.T) {
	s := store.NewMemory()
	r := seedRaffle(t, s, 1000, models.RaffleActive)
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	var got []events.Event
	e := New(s, quietLogger(), WithClock(clk), WithNotifier(events.NotifierFunc(func(_ context.Context, ev events.Event) {
		got = append(got, ev)
	})))

	res, err := e.Reserve(context.Background(), Request{
		RaffleID: r.ID,
		Indices:  []int{5, 3, 4, 10, 11, 12},
		Buyer:    models.Buyer{Name: "Ana"},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Range{{Start: 3, End: 5}, {Start: 10, End: 12}}, res.TicketRanges)
	assert.Empty(t, res.LuckyIndices)
	assert.Equal(t, 6, res.TicketCount)
	assert.Equal(t, clk.Now().Add(15*time.Minute), res.ReservedUntil)
	assert.Regexp(t, `^RF-[A-Z2-9]{8}$`, res.ReferenceCode)

	o, err := s.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderReserved, o.Status)
	assert.Equal(t, "Ana", o.Buyer.Name)

	require.Len(t, got, 1)
	assert.Equal(t, events.OrderReserved, got[0].Type)
	assert.Equal(t, res.OrderID, got[0].OrderID)
}

func TestReserveLuckyModeKeepsSingletonsSparse(t *testing.T) {
	s := store.NewMemory()
	r := seedRaffle(t, s, 1000, models.RaffleActive)
	e := New(s, quietLogger())

	res, err := e.Reserve(context.Background(), Request{
		RaffleID: r.ID,
		Indices:  []int{900, 7, 41, 42},
		Lucky:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Range{{Start: 41, End: 42}}, res.TicketRanges)
	assert.Equal(t, []int{7, 900}, res.LuckyIndices)
}

func TestReserveReportsFirstConflicts(t *testing.T) {
	s := store.NewMemory()
	r := seedRaffle(t, s, 1000, models.RaffleActive)
	e := New(s, quietLogger())
	ctx := context.Background()

	_, err := e.Reserve(ctx, Request{RaffleID: r.ID, Indices: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}})
	require.NoError(t, err)

	_, err = e.Reserve(ctx, Request{RaffleID: r.ID, Indices: []int{20, 9, 8, 7, 6, 5, 4, 3}})
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{3, 4, 5, 6, 7}, conflict.Indices)
	assert.Equal(t, []string{"003", "004", "005", "006", "007"}, conflict.Numbers)
	assert.Equal(t, 7, conflict.Total)

	live, err := s.LiveOrders(ctx, r.ID, models.Range{Start: 0, End: 999}, time.Now())
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestReserveReleasesExpiredReservations(t *testing.T) {
	s := store.NewMemory()
	r := seedRaffle(t, s, 100, models.RaffleActive)
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := New(s, quietLogger(), WithClock(clk))
	ctx := context.Background()

	_, err := e.Reserve(ctx, Request{RaffleID: r.ID, Indices: []int{1, 2}, ReservationMinutes: 5})
	require.NoError(t, err)

	clk.Advance(4 * time.Minute)
	_, err = e.Reserve(ctx, Request{RaffleID: r.ID, Indices: []int{2}})
	var conflict *apperr.ConflictError
	require.ErrorAs(t, err, &conflict)

	clk.Advance(time.Minute)
	_, err = e.Reserve(ctx, Request{RaffleID: r.ID, Indices: []int{2}})
	assert.NoError(t, err)
}

func TestReserveConcurrentOverlapExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		s := store.NewMemory()
		s.LockWait = time.Second
		r := seedRaffle(t, s, 100, models.RaffleActive)
		e := New(s, quietLogger())

		requests := [][]int{{1, 2, 3}, {3, 4, 5}}
		errs := make([]error, len(requests))
		var wg sync.WaitGroup
		for i, indices := range requests {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = e.Reserve(ctx, Request{RaffleID: r.ID, Indices: indices})
			}()
		}
		wg.Wait()

		var wins, conflicts int
		for _, err := range errs {
			var conflict *apperr.ConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &conflict):
				conflicts++
				assert.Equal(t, []int{3}, conflict.Indices)
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, conflicts)
	}
}

func TestReserveValidation(t *testing.T) {
	s := store.NewMemory()
	r := seedRaffle(t, s, 100, models.RaffleActive)
	e := New(s, quietLogger())
	negative := int64(-1)

	tests := []struct {
		name string
		req  Request
	}{
		{"non-uuid raffle", Request{RaffleID: "raffle-1", Indices: []int{1}}},
		{"no tickets", Request{RaffleID: r.ID}},
		{"negative index", Request{RaffleID: r.ID, Indices: []int{-1}}},
		{"beyond raffle", Request{RaffleID: r.ID, Indices: []int{100}}},
		{"negative total", Request{RaffleID: r.ID, Indices: []int{1}, OrderTotal: &negative}},
		{"window too long", Request{RaffleID: r.ID, Indices: []int{1}, ReservationMinutes: MaxReservationMinutes + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Reserve(context.Background(), tt.req)
			var validation *apperr.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}
}

func TestReserveRequiresActiveRaffle(t *testing.T) {
	s := store.NewMemory()
	r := seedRaffle(t, s, 100, models.RafflePaused)
	e := New(s, quietLogger())

	_, err := e.Reserve(context.Background(), Request{RaffleID: r.ID, Indices: []int{1}})
	var state *apperr.RaffleStateError
	require.ErrorAs(t, err, &state)
	assert.Equal(t, "paused", state.Status)
}

func TestReserveUnknownRaffle(t *testing.T) {
	e := New(store.NewMemory(), quietLogger())
	_, err := e.Reserve(context.Background(), Request{RaffleID: "6f1c1f5e-8f0e-4c55-9a43-3d2b1e0b7c11", Indices: []int{1}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

// scriptedStore fails WithRaffleLock with a fixed error.
type scriptedStore struct {
	*store.Memory
	err   error
	calls int
}

func (s *scriptedStore) WithRaffleLock(context.Context, string, func(store.Tx) error) error {
	s.calls++
	return s.err
}

func TestReserveContentionAfterRetries(t *testing.T) {
	mem := store.NewMemory()
	r := seedRaffle(t, mem, 100, models.RaffleActive)
	s := &scriptedStore{Memory: mem, err: store.ErrBusy}
	e := New(s, quietLogger(), WithPolicy(fastPolicy()))

	_, err := e.Reserve(context.Background(), Request{RaffleID: r.ID, Indices: []int{1}})
	var contention *apperr.ContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, 4, contention.Attempts)
	assert.ErrorIs(t, err, store.ErrBusy)
	assert.Equal(t, 4, s.calls)
}

func TestReserveNeverRetriesMalformedStoreResponse(t *testing.T) {
	mem := store.NewMemory()
	r := seedRaffle(t, mem, 100, models.RaffleActive)
	s := &scriptedStore{Memory: mem, err: &apperr.StoreResponseError{Op: "get raffle", Detail: "bad shape"}}
	e := New(s, quietLogger(), WithPolicy(fastPolicy()))

	_, err := e.Reserve(context.Background(), Request{RaffleID: r.ID, Indices: []int{1}})
	var shape *apperr.StoreResponseError
	assert.ErrorAs(t, err, &shape)
	assert.Equal(t, 1, s.calls)
}
