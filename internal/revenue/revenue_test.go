package revenue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raffle-core/internal/models"
	"raffle-core/internal/store"
)

func total(v int64) *int64 { return &v }

func sold(count int, ref string, orderTotal *int64) models.Order {
	return models.Order{
		ID:               uuid.NewString(),
		Status:           models.OrderSold,
		TicketCount:      count,
		PaymentReference: ref,
		OrderTotal:       orderTotal,
	}
}

func TestComputeCountsBundleOnce(t *testing.T) {
	rep := Compute([]models.Order{sold(10, "PAY-1", total(175000))}, 17500)
	assert.Equal(t, int64(175000), rep.Total)
	assert.Equal(t, int64(10), rep.SoldTickets)
}

func TestComputeSumsSeparateBundles(t *testing.T) {
	rep := Compute([]models.Order{
		sold(10, "PAY-1", total(175000)),
		sold(5, "PAY-2", total(100000)),
	}, 17500)
	assert.Equal(t, int64(275000), rep.Total)
	assert.Equal(t, 2, rep.Groups)
}

func TestComputeSharedReferenceCountedOnce(t *testing.T) {
	// Two orders created by the same checkout carry the same bundle total.
	rep := Compute([]models.Order{
		sold(6, "PAY-1", total(175000)),
		sold(4, "PAY-1", total(175000)),
	}, 17500)
	assert.Equal(t, int64(175000), rep.Total)
	assert.Equal(t, 1, rep.Groups)
}

func TestComputeLegacyFallback(t *testing.T) {
	rep := Compute([]models.Order{
		sold(10, "PAY-1", total(175000)),
		sold(3, "", nil),
		sold(2, "PAY-OLD", nil),
	}, 17500)
	assert.Equal(t, int64(5), rep.LegacyTickets)
	assert.Equal(t, int64(87500), rep.LegacyTotal)
	assert.Equal(t, int64(175000+87500), rep.Total)
}

func TestComputeTotalWithoutReference(t *testing.T) {
	rep := Compute([]models.Order{
		sold(10, "", total(150000)),
		sold(10, "", total(150000)),
	}, 17500)
	assert.Equal(t, int64(300000), rep.Total)
	assert.Equal(t, 2, rep.Groups)
}

func TestComputeIgnoresUnsoldOrders(t *testing.T) {
	o := sold(10, "PAY-1", total(175000))
	o.Status = models.OrderPending
	assert.Equal(t, int64(0), Compute([]models.Order{o}, 17500).Total)
}

func TestServiceComputeRevenue(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	r, err := s.CreateRaffle(ctx, models.Raffle{TotalTickets: 100, TicketPrice: 17500, Status: models.RaffleActive})
	require.NoError(t, err)

	orders := []models.Order{
		sold(10, "PAY-1", total(175000)),
		sold(5, "PAY-2", total(100000)),
	}
	orders[0].TicketRanges = []models.Range{{Start: 0, End: 9}}
	orders[1].TicketRanges = []models.Range{{Start: 10, End: 14}}
	require.NoError(t, s.WithRaffleLock(ctx, r.ID, func(tx store.Tx) error {
		for _, o := range orders {
			o.RaffleID = r.ID
			if err := tx.InsertOrder(ctx, o); err != nil {
				return err
			}
		}
		return nil
	}))

	rep, err := NewService(s).ComputeRevenue(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(275000), rep.Total)
	assert.Equal(t, r.ID, rep.RaffleID)
}
