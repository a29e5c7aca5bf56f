package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"raffle-core/internal/events"
)

const notifyQueue = 256

// Telegram allows about one message per second to a single chat.
var (
	sendEvery = rate.Every(time.Second)
	sendBurst = 5
)

// Sender is the part of the bot API used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier forwards engine events to the admin chat. The chat id
// comes from configuration or from an admin sending /start to the bot.
type TelegramNotifier struct {
	bot      *tgbotapi.BotAPI
	sender   Sender
	adminIDs []int64
	log      logrus.FieldLogger

	chatID atomic.Int64
	pace   *rate.Limiter
	queue  chan events.Event
	ctx    context.Context
	stop   context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ events.Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier authorizes the bot and starts delivering events.
// Only users in adminIDs may register the admin chat with /start.
func NewTelegramNotifier(token string, chatID int64, adminIDs []int64, log logrus.FieldLogger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	log.WithField("bot", bot.Self.UserName).Info("telegram bot authorized")

	n := newTelegramNotifier(bot, chatID, adminIDs, log)
	n.bot = bot
	go n.listenForCommands()
	return n, nil
}

func newTelegramNotifier(sender Sender, chatID int64, adminIDs []int64, log logrus.FieldLogger) *TelegramNotifier {
	n := &TelegramNotifier{
		sender:   sender,
		adminIDs: adminIDs,
		log:      log,
		pace:     rate.NewLimiter(sendEvery, sendBurst),
		queue:    make(chan events.Event, notifyQueue),
		done:     make(chan struct{}),
	}
	n.ctx, n.stop = context.WithCancel(context.Background())
	n.chatID.Store(chatID)
	go n.deliver()
	return n
}

// Notify queues e for delivery. Events are dropped when the queue is full.
func (n *TelegramNotifier) Notify(_ context.Context, e events.Event) {
	if FormatEvent(e) == "" {
		return
	}
	select {
	case n.queue <- e:
	case <-n.done:
	default:
		n.log.WithField("type", e.Type).Warn("telegram queue full, dropping event")
	}
}

// Close stops polling and delivery.
func (n *TelegramNotifier) Close() {
	n.once.Do(func() {
		if n.bot != nil {
			n.bot.StopReceivingUpdates()
		}
		n.stop()
		close(n.done)
	})
}

func (n *TelegramNotifier) deliver() {
	for {
		select {
		case e := <-n.queue:
			if err := n.pace.Wait(n.ctx); err != nil {
				return
			}
			n.send(FormatEvent(e))
		case <-n.done:
			return
		}
	}
}

func (n *TelegramNotifier) send(text string) {
	chatID := n.chatID.Load()
	if chatID == 0 {
		n.log.Debug("admin chat not registered, skipping telegram notification")
		return
	}
	if _, err := n.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		n.log.WithError(err).Error("sending telegram notification")
	}
}

func (n *TelegramNotifier) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	for update := range n.bot.GetUpdatesChan(u) {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}
		n.handleCommand(update.Message)
	}
}

func (n *TelegramNotifier) handleCommand(msg *tgbotapi.Message) {
	if msg.Command() != "start" {
		return
	}
	if msg.From == nil || !slices.Contains(n.adminIDs, msg.From.ID) {
		n.log.WithField("chat_id", msg.Chat.ID).Warn("ignoring /start from non-admin")
		return
	}
	n.chatID.Store(msg.Chat.ID)
	n.log.WithField("chat_id", msg.Chat.ID).Info("admin chat registered")
	reply := tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("Admin chat %d registered. Notifications will arrive here.", msg.Chat.ID))
	if _, err := n.sender.Send(reply); err != nil {
		n.log.WithError(err).Error("replying to /start")
	}
}

// FormatEvent renders the admin message for e, or "" for events admins
// are not notified about.
func FormatEvent(e events.Event) string {
	switch e.Type {
	case events.OrderPending:
		return fmt.Sprintf("Payment submitted for order %s (raffle %s). Review and confirm it.", e.OrderID, e.RaffleID)
	case events.OrderConfirmed:
		return fmt.Sprintf("Order %s confirmed (raffle %s).", e.OrderID, e.RaffleID)
	case events.DrawCompleted:
		if e.Winner == nil {
			return fmt.Sprintf("Raffle %s completed with no tickets sold.", e.RaffleID)
		}
		w := e.Winner
		var b strings.Builder
		fmt.Fprintf(&b, "Raffle %s winner: ticket %s\n", e.RaffleID, w.TicketNumber)
		fmt.Fprintf(&b, "Buyer: %s", w.BuyerName)
		if w.BuyerEmail != "" {
			fmt.Fprintf(&b, " <%s>", w.BuyerEmail)
		}
		fmt.Fprintf(&b, "\nOrder: %s\nMethod: %s", w.OrderID, w.DrawMethod)
		return b.String()
	}
	return ""
}
