package tickets

import (
	"raffle-core/internal/models"
)

// Project derives the status of every index in window from the live
// orders that overlap it. Orders must already be filtered to live ones.
func Project(window models.Range, orders []models.Order, num Numberer) []models.Ticket {
	if window.End < window.Start {
		return nil
	}
	out := make([]models.Ticket, window.Len())
	for k := range out {
		i := window.Start + k
		out[k] = models.Ticket{Index: i, Number: num.Format(i), Status: models.TicketAvailable}
	}

	mark := func(i int, o models.Order) {
		if i < window.Start || i > window.End {
			return
		}
		t := &out[i-window.Start]
		t.OrderID = o.ID
		t.Status = models.TicketReserved
		if o.Status == models.OrderSold {
			t.Status = models.TicketSold
		}
	}
	for _, o := range orders {
		for _, r := range o.TicketRanges {
			if !r.Overlaps(window) {
				continue
			}
			for i := max(r.Start, window.Start); i <= min(r.End, window.End); i++ {
				mark(i, o)
			}
		}
		for _, i := range o.LuckyIndices {
			mark(i, o)
		}
	}
	return out
}
