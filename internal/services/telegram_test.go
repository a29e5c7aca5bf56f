package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"raffle-core/internal/events"
	"raffle-core/internal/models"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (s *recordingSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		s.sent = append(s.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (s *recordingSender) messages() []tgbotapi.MessageConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), s.sent...)
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestFormatEvent(t *testing.T) {
	assert.Empty(t, FormatEvent(events.Event{Type: events.OrderReserved, OrderID: "o-1"}))
	assert.Contains(t, FormatEvent(events.Event{Type: events.OrderPending, OrderID: "o-1"}), "o-1")
	assert.Contains(t, FormatEvent(events.Event{Type: events.DrawCompleted, RaffleID: "r-1"}), "no tickets sold")

	text := FormatEvent(events.Event{
		Type:     events.DrawCompleted,
		RaffleID: "r-1",
		Winner: &models.WinnerRecord{
			OrderID:      "o-9",
			TicketNumber: "0042",
			BuyerName:    "Ana",
			BuyerEmail:   "ana@example.com",
			DrawMethod:   "random_auto",
		},
	})
	assert.Contains(t, text, "ticket 0042")
	assert.Contains(t, text, "Ana <ana@example.com>")
	assert.Contains(t, text, "o-9")
}

func TestNotifierDeliversToAdminChat(t *testing.T) {
	sender := &recordingSender{}
	n := newTelegramNotifier(sender, 555, nil, quietLogger())
	defer n.Close()

	n.Notify(context.Background(), events.Event{Type: events.OrderReserved, OrderID: "ignored"})
	n.Notify(context.Background(), events.Event{Type: events.OrderConfirmed, OrderID: "o-1", RaffleID: "r-1"})

	require.Eventually(t, func() bool { return len(sender.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := sender.messages()[0]
	assert.Equal(t, int64(555), msg.ChatID)
	assert.Contains(t, msg.Text, "o-1")
}

func TestNotifierPacesSends(t *testing.T) {
	sender := &recordingSender{}
	n := newTelegramNotifier(sender, 555, nil, quietLogger())
	n.pace.SetLimit(rate.Every(time.Hour))
	for n.pace.Allow() {
	}

	for _, id := range []string{"o-1", "o-2"} {
		n.Notify(context.Background(), events.Event{Type: events.OrderConfirmed, OrderID: id})
	}
	assert.Never(t, func() bool { return len(sender.messages()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// Close releases the delivery waiting on the pace without sending.
	n.Close()
	assert.Empty(t, sender.messages())
}

func TestStartRegistersOnlyAdmins(t *testing.T) {
	sender := &recordingSender{}
	n := newTelegramNotifier(sender, 0, []int64{42}, quietLogger())
	defer n.Close()

	start := func(userID, chatID int64) *tgbotapi.Message {
		return &tgbotapi.Message{
			Text:     "/start",
			From:     &tgbotapi.User{ID: userID},
			Chat:     &tgbotapi.Chat{ID: chatID},
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
		}
	}

	n.handleCommand(start(7, 700))
	assert.Equal(t, int64(0), n.chatID.Load())

	n.handleCommand(start(42, 4200))
	assert.Equal(t, int64(4200), n.chatID.Load())
	require.Len(t, sender.messages(), 1)
	assert.Equal(t, int64(4200), sender.messages()[0].ChatID)
}
