// Package revenue computes the money actually collected by a raffle.
//
// Orders paid together share a payment reference and carry the bundle
// price in order_total; that total is counted once per group, never
// multiplied by ticket count. Legacy orders without a total fall back to
// ticket_count * ticket_price.
package revenue

import (
	"context"

	"github.com/google/uuid"

	"raffle-core/internal/apperr"
	"raffle-core/internal/models"
	"raffle-core/internal/store"
)

// Report breaks the canonical revenue figure into its two parts.
type Report struct {
	RaffleID      string `json:"raffle_id"`
	Total         int64  `json:"total"`
	GroupedTotal  int64  `json:"grouped_total"`
	Groups        int    `json:"groups"`
	LegacyTotal   int64  `json:"legacy_total"`
	LegacyTickets int64  `json:"legacy_tickets"`
	SoldTickets   int64  `json:"sold_tickets"`
}

// Compute aggregates sold orders of one raffle priced at ticketPrice.
func Compute(sold []models.Order, ticketPrice int64) Report {
	var rep Report
	groups := make(map[string]struct{})
	for _, o := range sold {
		if o.Status != models.OrderSold {
			continue
		}
		rep.SoldTickets += int64(o.TicketCount)

		if o.OrderTotal == nil {
			rep.LegacyTickets += int64(o.TicketCount)
			continue
		}
		// A total without a payment reference is its own group.
		key := o.PaymentReference
		if key == "" {
			key = "order:" + o.ID
		}
		if _, counted := groups[key]; counted {
			continue
		}
		groups[key] = struct{}{}
		rep.GroupedTotal += *o.OrderTotal
	}

	rep.Groups = len(groups)
	rep.LegacyTotal = rep.LegacyTickets * ticketPrice
	rep.Total = rep.GroupedTotal + rep.LegacyTotal
	return rep
}

// Service loads a raffle's sold orders and computes its revenue.
type Service struct {
	store store.Store
}

func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// ComputeRevenue returns the revenue report of raffleID.
func (s *Service) ComputeRevenue(ctx context.Context, raffleID string) (Report, error) {
	if _, err := uuid.Parse(raffleID); err != nil {
		return Report{}, apperr.Invalid("raffle_id", "must be a UUID")
	}
	raffle, err := s.store.GetRaffle(ctx, raffleID)
	if err != nil {
		return Report{}, err
	}
	sold, err := s.store.SoldOrders(ctx, raffle.ID)
	if err != nil {
		return Report{}, err
	}
	rep := Compute(sold, raffle.TicketPrice)
	rep.RaffleID = raffle.ID
	return rep, nil
}
