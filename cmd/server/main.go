package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"raffle-core/internal/clock"
	"raffle-core/internal/config"
	"raffle-core/internal/db"
	"raffle-core/internal/draw"
	"raffle-core/internal/events"
	"raffle-core/internal/handlers"
	"raffle-core/internal/inventory"
	"raffle-core/internal/metrics"
	tgmiddleware "raffle-core/internal/middleware"
	"raffle-core/internal/orders"
	"raffle-core/internal/ratelimit"
	"raffle-core/internal/realtime"
	"raffle-core/internal/reservation"
	"raffle-core/internal/retry"
	"raffle-core/internal/revenue"
	"raffle-core/internal/selection"
	"raffle-core/internal/services"
	"raffle-core/internal/store"
)

func main() {
	// 0. Load Config (Envars)
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("configuration")
	}
	log := cfg.NewLogger()

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Store
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. Notifications: realtime viewers plus the Telegram admin chat
	clk := clock.Real()
	hub := realtime.NewHub(clk, cfg.RealtimeDebounce, log.WithField("component", "realtime"))
	defer hub.Close()
	notifier := events.Fanout{hub}

	if cfg.TelegramToken == "" {
		log.Warn("TELEGRAM_TOKEN not set, bot features disabled")
	} else {
		bot, err := services.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramAdminChatID, cfg.AdminTelegramIDs, log.WithField("component", "telegram"))
		if err != nil {
			log.WithError(err).Warn("failed to init Telegram bot")
		} else {
			defer bot.Close()
			notifier = append(notifier, bot)
		}
	}

	// 3. Engines
	policy := retry.Policy{MaxRetries: cfg.LockRetries, BaseDelay: cfg.LockBaseDelay, MaxJitter: cfg.LockJitter}
	limiter, err := newLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}
	if c, ok := limiter.(io.Closer); ok {
		defer c.Close()
	}

	draws := draw.New(st, log.WithField("component", "draw"), draw.WithNotifier(notifier))
	api := &handlers.API{
		Store: st,
		Reservations: reservation.New(st, log.WithField("component", "reservation"),
			reservation.WithPolicy(policy),
			reservation.WithNotifier(notifier),
			reservation.WithReservationMinutes(cfg.ReservationMinutes)),
		Inventory: inventory.NewCounter(st, clk, log.WithField("component", "inventory")),
		Selector:  selection.NewSelector(st, limiter, clk, log.WithField("component", "selection")),
		Orders: orders.NewManager(st, log.WithField("component", "orders"),
			orders.WithPolicy(policy),
			orders.WithNotifier(notifier)),
		Revenue:  revenue.NewService(st),
		Draws:    draws,
		Hub:      hub,
		Notifier: notifier,
		Clock:    clk,
		Log:      log,
	}

	scheduler, err := draw.NewScheduler(draws, cfg.DrawSchedule, log.WithField("component", "scheduler"))
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log, NoColor: cfg.LogFormat == "json"}))
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())
	api.Routes(r)

	// Admin routes (Basic auth or Telegram WebApp initData)
	auth := tgmiddleware.AdminAuth{
		Password: cfg.AdminPassword,
		BotToken: cfg.TelegramToken,
		AdminIDs: cfg.AdminTelegramIDs,
		Log:      log.WithField("component", "auth"),
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.Handler)
		api.AdminRoutes(r)
	})

	// 5. Start
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).WithField("store", cfg.StoreDriver).Info("server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	}
	st, err := db.Open(ctx, cfg.StoreDriver, cfg.DSN(), log.WithField("component", "db"))
	if err != nil {
		return nil, err
	}
	log.WithField("driver", cfg.StoreDriver).Info("database initialized")
	return st, nil
}

// newLimiter shares the random-selection budget across instances through
// Redis when REDIS_URL is set.
func newLimiter(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemory(cfg.RandomRateLimit, cfg.RandomRateWindow, nil), nil
	}
	l, err := ratelimit.NewRedis(ctx, cfg.RedisURL, cfg.RandomRateLimit, cfg.RandomRateWindow)
	if err != nil {
		return nil, err
	}
	log.Info("rate limiting through redis")
	return l, nil
}
