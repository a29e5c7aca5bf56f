// Package selection picks currently available tickets uniformly at random.
//
// Large raffles asked for a small share of their pool use rejection
// sampling over the whole index space. Everything else uses a partial
// Fisher-Yates shuffle over the free positions, which never materializes
// the free set: position k maps to an index through Occupancy.NthFree.
package selection

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"raffle-core/internal/apperr"
	"raffle-core/internal/clock"
	"raffle-core/internal/metrics"
	"raffle-core/internal/models"
	"raffle-core/internal/ratelimit"
	"raffle-core/internal/store"
	"raffle-core/internal/tickets"
)

const (
	// SamplingMinTotal is the raffle size above which sampling is considered.
	SamplingMinTotal = 10_000
	// SamplingMaxQuantity caps the quantity served by sampling.
	SamplingMaxQuantity = 50_000
	samplingShare       = 0.10

	// UnknownClient is the identity used when no client address is known.
	UnknownClient = "unknown"
)

const (
	StrategySampling = "sampling"
	StrategyShuffle  = "shuffle"
)

// Request asks for Quantity random tickets, skipping the Exclude numbers.
type Request struct {
	RaffleID string
	Quantity int
	Exclude  []string
	Client   string
}

// Result holds the picked tickets ordered by index. Warning is set when
// fewer tickets than requested were available.
type Result struct {
	Selected []string `json:"selected"`
	Indices  []int    `json:"indices"`
	Warning  string   `json:"warning,omitempty"`
	Strategy string   `json:"strategy"`
}

// Selector serves random selections.
type Selector struct {
	store   store.Store
	limiter ratelimit.Limiter
	clock   clock.Clock
	log     logrus.FieldLogger
}

// NewSelector returns a Selector. A nil limiter disables rate limiting.
func NewSelector(s store.Store, limiter ratelimit.Limiter, clk clock.Clock, log logrus.FieldLogger) *Selector {
	if clk == nil {
		clk = clock.Real()
	}
	return &Selector{store: s, limiter: limiter, clock: clk, log: log}
}

// SelectRandom returns up to req.Quantity distinct available tickets.
func (s *Selector) SelectRandom(ctx context.Context, req Request) (Result, error) {
	if _, err := uuid.Parse(req.RaffleID); err != nil {
		return Result{}, apperr.Invalid("raffle_id", "must be a UUID")
	}
	if req.Quantity < 1 || req.Quantity > models.MaxTicketsPerCall {
		return Result{}, apperr.Invalid("quantity", "must be between 1 and %d", models.MaxTicketsPerCall)
	}
	if err := s.admit(ctx, req.Client); err != nil {
		return Result{}, err
	}

	raffle, err := s.store.GetRaffle(ctx, req.RaffleID)
	if err != nil {
		return Result{}, err
	}
	num := tickets.ForRaffle(raffle)
	total := raffle.TotalTickets

	var b tickets.OccupancyBuilder
	for _, number := range req.Exclude {
		i, err := num.Parse(number)
		if err != nil {
			return Result{}, apperr.Invalid("exclude", "%v", err)
		}
		b.AddIndex(i)
	}
	live, err := s.store.LiveOrders(ctx, raffle.ID, models.Range{Start: 0, End: total - 1}, s.clock.Now())
	if err != nil {
		return Result{}, err
	}
	for _, o := range live {
		b.AddSet(tickets.OfOrder(o))
	}
	occ := b.Build(total)

	quantity := min(req.Quantity, total)
	want := min(quantity, total-occ.Taken())

	var (
		picked   []int
		strategy = StrategyShuffle
	)
	if useSampling(total, quantity) {
		strategy = StrategySampling
		picked = sample(occ, total, want)
		if len(picked) < want {
			// Budget spent in a crowded raffle: finish with a shuffle over what is left.
			for _, i := range picked {
				b.AddIndex(i)
			}
			picked = append(picked, shuffle(b.Build(total), total, want-len(picked))...)
			strategy = StrategyShuffle
		}
	} else {
		picked = shuffle(occ, total, want)
	}
	slices.Sort(picked)

	res := Result{
		Selected: num.FormatAll(picked),
		Indices:  picked,
		Strategy: strategy,
	}
	if len(picked) < req.Quantity {
		res.Warning = fmt.Sprintf("only %d tickets available, %d requested", len(picked), req.Quantity)
	}
	metrics.RecordSelection(strategy)
	s.log.WithFields(logrus.Fields{
		"raffle_id": raffle.ID,
		"requested": req.Quantity,
		"selected":  len(picked),
		"strategy":  strategy,
	}).Debug("random tickets selected")
	return res, nil
}

func (s *Selector) admit(ctx context.Context, client string) error {
	if s.limiter == nil {
		return nil
	}
	if client == "" {
		client = UnknownClient
	}
	ok, retryAfter, err := s.limiter.Allow(ctx, client)
	if err != nil {
		// A broken limiter backend must not take the selection endpoint down.
		s.log.WithError(err).Warn("rate limiter unavailable, allowing request")
		return nil
	}
	if !ok {
		metrics.RecordSelection("limited")
		return &apperr.RateLimitedError{RetryAfter: retryAfter}
	}
	return nil
}

func useSampling(total, quantity int) bool {
	threshold := min(int(float64(total)*samplingShare), SamplingMaxQuantity)
	return total > SamplingMinTotal && quantity <= threshold
}

// sample draws random indices in [0,total), skipping taken and repeated
// ones, until want are found or the attempt budget runs out.
func sample(occ tickets.Occupancy, total, want int) []int {
	picked := make([]int, 0, want)
	seen := make(map[int]struct{}, want)
	budget := want*10 + 100
	for attempt := 0; attempt < budget && len(picked) < want; attempt++ {
		i := rand.IntN(total)
		if occ.Contains(i) {
			continue
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		picked = append(picked, i)
	}
	return picked
}

// shuffle runs want steps of Fisher-Yates over the free positions
// [0, free). Swapped positions live in a sparse map.
func shuffle(occ tickets.Occupancy, total, want int) []int {
	free := total - occ.Taken()
	want = min(want, free)
	swapped := make(map[int]int, want)
	at := func(k int) int {
		if v, ok := swapped[k]; ok {
			return v
		}
		return k
	}

	out := make([]int, 0, want)
	for k := 0; k < want; k++ {
		j := k + rand.IntN(free-k)
		vj, vk := at(j), at(k)
		swapped[j] = vk
		out = append(out, occ.NthFree(vj))
	}
	return out
}
