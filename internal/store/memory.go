package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"raffle-core/internal/apperr"
	"raffle-core/internal/models"
)

// DefaultLockWait bounds how long WithRaffleLock waits before reporting ErrBusy.
const DefaultLockWait = 50 * time.Millisecond

// Memory is an in-process Store for development and tests. It keeps the
// same per-raffle locking contract as the SQL store.
type Memory struct {
	LockWait time.Duration

	mu       sync.RWMutex
	raffles  map[string]models.Raffle
	orders   map[string]models.Order
	byRaffle map[string][]string
	winners  map[string]models.WinnerRecord

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		LockWait: DefaultLockWait,
		raffles:  make(map[string]models.Raffle),
		orders:   make(map[string]models.Order),
		byRaffle: make(map[string][]string),
		winners:  make(map[string]models.WinnerRecord),
		locks:    make(map[string]chan struct{}),
	}
}

func (m *Memory) CreateRaffle(_ context.Context, r models.Raffle) (models.Raffle, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.raffles[r.ID]; exists {
		return models.Raffle{}, fmt.Errorf("raffle %s already exists", r.ID)
	}
	m.raffles[r.ID] = r
	return r, nil
}

func (m *Memory) GetRaffle(_ context.Context, raffleID string) (models.Raffle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.raffles[raffleID]
	if !ok {
		return models.Raffle{}, fmt.Errorf("raffle %s: %w", raffleID, apperr.ErrNotFound)
	}
	return r, nil
}

func (m *Memory) GetOrder(_ context.Context, orderID string) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (m *Memory) LiveOrders(_ context.Context, raffleID string, window models.Range, now time.Time) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, id := range m.byRaffle[raffleID] {
		o := m.orders[id]
		if !o.Live(now) {
			continue
		}
		if span, ok := o.Span(); !ok || !span.Overlaps(window) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	return out, nil
}

func (m *Memory) SoldOrders(_ context.Context, raffleID string) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, id := range m.byRaffle[raffleID] {
		if o := m.orders[id]; o.Status == models.OrderSold {
			out = append(out, cloneOrder(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) TicketCounts(_ context.Context, raffleID string, now time.Time) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sold, reserved int64
	for _, id := range m.byRaffle[raffleID] {
		o := m.orders[id]
		switch {
		case o.Status == models.OrderSold:
			sold += int64(o.TicketCount)
		case o.Live(now):
			reserved += int64(o.TicketCount)
		}
	}
	return sold, reserved, nil
}

func (m *Memory) DueRaffles(_ context.Context, now time.Time) ([]models.Raffle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Raffle
	for _, r := range m.raffles {
		if r.Status == models.RaffleActive && r.DrawDate != nil && !r.DrawDate.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DrawDate.Before(*out[j].DrawDate) })
	return out, nil
}

func (m *Memory) GetWinner(_ context.Context, raffleID string) (models.WinnerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.winners[raffleID]
	if !ok {
		return models.WinnerRecord{}, fmt.Errorf("winner of %s: %w", raffleID, apperr.ErrNotFound)
	}
	return w, nil
}

func (m *Memory) WithRaffleLock(ctx context.Context, raffleID string, fn func(tx Tx) error) error {
	lock := m.lockFor(raffleID)
	wait := time.NewTimer(m.LockWait)
	defer wait.Stop()

	select {
	case lock <- struct{}{}:
	case <-wait.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	tx := &memoryTx{Memory: m, raffleID: raffleID}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (m *Memory) Close() error { return nil }

func (m *Memory) lockFor(raffleID string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[raffleID]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[raffleID] = lock
	}
	return lock
}

// memoryTx stages writes until the locked section returns.
type memoryTx struct {
	*Memory
	raffleID string
	inserts  []models.Order
	updates  []models.Order
	statuses []models.RaffleStatus
	winners  []models.WinnerRecord
}

func (tx *memoryTx) InsertOrder(_ context.Context, o models.Order) error {
	if o.RaffleID != tx.raffleID {
		return fmt.Errorf("order %s belongs to raffle %s, lock held on %s", o.ID, o.RaffleID, tx.raffleID)
	}
	tx.inserts = append(tx.inserts, cloneOrder(o))
	return nil
}

func (tx *memoryTx) UpdateOrder(_ context.Context, o models.Order) error {
	if o.RaffleID != tx.raffleID {
		return fmt.Errorf("order %s belongs to raffle %s, lock held on %s", o.ID, o.RaffleID, tx.raffleID)
	}
	tx.updates = append(tx.updates, cloneOrder(o))
	return nil
}

func (tx *memoryTx) UpdateRaffleStatus(_ context.Context, raffleID string, status models.RaffleStatus) error {
	if raffleID != tx.raffleID {
		return fmt.Errorf("lock held on %s, not %s", tx.raffleID, raffleID)
	}
	tx.statuses = append(tx.statuses, status)
	return nil
}

func (tx *memoryTx) InsertWinner(_ context.Context, w models.WinnerRecord) error {
	tx.winners = append(tx.winners, w)
	return nil
}

func (tx *memoryTx) commit() error {
	m := tx.Memory
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range tx.inserts {
		if _, exists := m.orders[o.ID]; exists {
			return fmt.Errorf("order %s already exists", o.ID)
		}
	}
	for _, o := range tx.updates {
		if _, exists := m.orders[o.ID]; !exists {
			return fmt.Errorf("order %s: %w", o.ID, apperr.ErrNotFound)
		}
	}
	for _, w := range tx.winners {
		if _, exists := m.winners[w.RaffleID]; exists {
			return fmt.Errorf("raffle %s already has a winner", w.RaffleID)
		}
	}
	if _, exists := m.raffles[tx.raffleID]; len(tx.statuses) > 0 && !exists {
		return fmt.Errorf("raffle %s: %w", tx.raffleID, apperr.ErrNotFound)
	}

	for _, o := range tx.inserts {
		m.orders[o.ID] = o
		m.byRaffle[o.RaffleID] = append(m.byRaffle[o.RaffleID], o.ID)
	}
	for _, o := range tx.updates {
		m.orders[o.ID] = o
	}
	for _, s := range tx.statuses {
		r := m.raffles[tx.raffleID]
		r.Status = s
		m.raffles[tx.raffleID] = r
	}
	for _, w := range tx.winners {
		m.winners[w.RaffleID] = w
	}
	return nil
}

func cloneOrder(o models.Order) models.Order {
	o.TicketRanges = slices.Clone(o.TicketRanges)
	o.LuckyIndices = slices.Clone(o.LuckyIndices)
	if o.OrderTotal != nil {
		v := *o.OrderTotal
		o.OrderTotal = &v
	}
	if o.ReservedUntil != nil {
		v := *o.ReservedUntil
		o.ReservedUntil = &v
	}
	return o
}
