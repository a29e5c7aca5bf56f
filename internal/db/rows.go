package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"raffle-core/internal/apperr"
	"raffle-core/internal/models"
	"raffle-core/internal/tickets"
)

// Timestamps are stored as unix milliseconds so both drivers agree on the encoding.

type raffleRow struct {
	ID           string        `db:"id"`
	Name         string        `db:"name"`
	TotalTickets int           `db:"total_tickets"`
	TicketPrice  int64         `db:"ticket_price"`
	StartNumber  int64         `db:"start_number"`
	Step         int64         `db:"step"`
	Status       string        `db:"status"`
	DrawDate     sql.NullInt64 `db:"draw_date_ms"`
	CreatedAt    int64         `db:"created_at_ms"`
}

func toRaffleRow(r models.Raffle) raffleRow {
	return raffleRow{
		ID:           r.ID,
		Name:         r.Name,
		TotalTickets: r.TotalTickets,
		TicketPrice:  r.TicketPrice,
		StartNumber:  r.Numbering.StartNumber,
		Step:         r.Numbering.Step,
		Status:       string(r.Status),
		DrawDate:     nullMillis(r.DrawDate),
		CreatedAt:    r.CreatedAt.UnixMilli(),
	}
}

func (row raffleRow) toModel() models.Raffle {
	return models.Raffle{
		ID:           row.ID,
		Name:         row.Name,
		TotalTickets: row.TotalTickets,
		TicketPrice:  row.TicketPrice,
		Numbering:    models.Numbering{StartNumber: row.StartNumber, Step: row.Step},
		Status:       models.RaffleStatus(row.Status),
		DrawDate:     fromNullMillis(row.DrawDate),
		CreatedAt:    time.UnixMilli(row.CreatedAt).UTC(),
	}
}

type orderRow struct {
	ID               string        `db:"id"`
	RaffleID         string        `db:"raffle_id"`
	Status           string        `db:"status"`
	TicketCount      int           `db:"ticket_count"`
	TicketRanges     string        `db:"ticket_ranges"`
	LuckyIndices     string        `db:"lucky_indices"`
	MinIndex         int           `db:"min_index"`
	MaxIndex         int           `db:"max_index"`
	BuyerName        string        `db:"buyer_name"`
	BuyerEmail       string        `db:"buyer_email"`
	BuyerPhone       string        `db:"buyer_phone"`
	OrderTotal       sql.NullInt64 `db:"order_total"`
	ReferenceCode    string        `db:"reference_code"`
	ReservedUntil    sql.NullInt64 `db:"reserved_until_ms"`
	PaymentReference string        `db:"payment_reference"`
	PaymentMethod    string        `db:"payment_method"`
	PaymentProof     string        `db:"payment_proof"`
	CreatedAt        int64         `db:"created_at_ms"`
	UpdatedAt        int64         `db:"updated_at_ms"`
}

func toOrderRow(o models.Order) (orderRow, error) {
	span, ok := o.Span()
	if !ok {
		return orderRow{}, fmt.Errorf("order %s has no tickets", o.ID)
	}
	ranges := o.TicketRanges
	if ranges == nil {
		ranges = []models.Range{}
	}
	lucky := o.LuckyIndices
	if lucky == nil {
		lucky = []int{}
	}
	rangesJSON, err := json.Marshal(ranges)
	if err != nil {
		return orderRow{}, err
	}
	luckyJSON, err := json.Marshal(lucky)
	if err != nil {
		return orderRow{}, err
	}

	row := orderRow{
		ID:               o.ID,
		RaffleID:         o.RaffleID,
		Status:           string(o.Status),
		TicketCount:      o.TicketCount,
		TicketRanges:     string(rangesJSON),
		LuckyIndices:     string(luckyJSON),
		MinIndex:         span.Start,
		MaxIndex:         span.End,
		BuyerName:        o.Buyer.Name,
		BuyerEmail:       o.Buyer.Email,
		BuyerPhone:       o.Buyer.Phone,
		ReferenceCode:    o.ReferenceCode,
		ReservedUntil:    nullMillis(o.ReservedUntil),
		PaymentReference: o.PaymentReference,
		PaymentMethod:    o.PaymentMethod,
		PaymentProof:     o.PaymentProof,
		CreatedAt:        o.CreatedAt.UnixMilli(),
		UpdatedAt:        o.UpdatedAt.UnixMilli(),
	}
	if o.OrderTotal != nil {
		row.OrderTotal = sql.NullInt64{Int64: *o.OrderTotal, Valid: true}
	}
	return row, nil
}

// toModel decodes the stored ticket set. A row whose ticket set does not
// decode or does not match ticket_count is a malformed store response.
func (row orderRow) toModel() (models.Order, error) {
	o := models.Order{
		ID:               row.ID,
		RaffleID:         row.RaffleID,
		Status:           models.OrderStatus(row.Status),
		TicketCount:      row.TicketCount,
		Buyer:            models.Buyer{Name: row.BuyerName, Email: row.BuyerEmail, Phone: row.BuyerPhone},
		ReferenceCode:    row.ReferenceCode,
		ReservedUntil:    fromNullMillis(row.ReservedUntil),
		PaymentReference: row.PaymentReference,
		PaymentMethod:    row.PaymentMethod,
		PaymentProof:     row.PaymentProof,
		CreatedAt:        time.UnixMilli(row.CreatedAt).UTC(),
		UpdatedAt:        time.UnixMilli(row.UpdatedAt).UTC(),
	}
	if row.OrderTotal.Valid {
		v := row.OrderTotal.Int64
		o.OrderTotal = &v
	}
	if err := json.Unmarshal([]byte(row.TicketRanges), &o.TicketRanges); err != nil {
		return models.Order{}, &apperr.StoreResponseError{Op: "decode ticket_ranges", Detail: fmt.Sprintf("order %s: %v", row.ID, err)}
	}
	if err := json.Unmarshal([]byte(row.LuckyIndices), &o.LuckyIndices); err != nil {
		return models.Order{}, &apperr.StoreResponseError{Op: "decode lucky_indices", Detail: fmt.Sprintf("order %s: %v", row.ID, err)}
	}
	if n := tickets.OfOrder(o).Count(); n != row.TicketCount {
		return models.Order{}, &apperr.StoreResponseError{
			Op:     "decode order",
			Detail: fmt.Sprintf("order %s stores %d tickets but ticket_count is %d", row.ID, n, row.TicketCount),
		}
	}
	return o, nil
}

type winnerRow struct {
	RaffleID     string `db:"raffle_id"`
	OrderID      string `db:"order_id"`
	TicketIndex  int    `db:"ticket_index"`
	TicketNumber string `db:"ticket_number"`
	BuyerName    string `db:"buyer_name"`
	BuyerEmail   string `db:"buyer_email"`
	DrawMethod   string `db:"draw_method"`
	DrawnAt      int64  `db:"drawn_at_ms"`
	AutoExecuted int    `db:"auto_executed"`
}

func toWinnerRow(w models.WinnerRecord) winnerRow {
	row := winnerRow{
		RaffleID:     w.RaffleID,
		OrderID:      w.OrderID,
		TicketIndex:  w.TicketIndex,
		TicketNumber: w.TicketNumber,
		BuyerName:    w.BuyerName,
		BuyerEmail:   w.BuyerEmail,
		DrawMethod:   w.DrawMethod,
		DrawnAt:      w.Timestamp.UnixMilli(),
	}
	if w.AutoExecuted {
		row.AutoExecuted = 1
	}
	return row
}

func (row winnerRow) toModel() models.WinnerRecord {
	return models.WinnerRecord{
		RaffleID:     row.RaffleID,
		OrderID:      row.OrderID,
		TicketIndex:  row.TicketIndex,
		TicketNumber: row.TicketNumber,
		BuyerName:    row.BuyerName,
		BuyerEmail:   row.BuyerEmail,
		DrawMethod:   row.DrawMethod,
		Timestamp:    time.UnixMilli(row.DrawnAt).UTC(),
		AutoExecuted: row.AutoExecuted != 0,
	}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
