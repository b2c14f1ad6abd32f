// Package app builds the object graph shared by cmd/server and cmd/worker
// from a ServerConfig.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tasks"
	"github.com/example/ride-dispatch/internal/watchdog"
)

type rideStore interface {
	storage.RideStore
	storage.ShareStore
}

type App struct {
	Config config.ServerConfig
	Log    *slog.Logger

	Redis    *redis.Client
	Postgres *storage.PostgresStore
	Store    rideStore
	Chats    storage.ChatStore
	Accounts accounts.Directory

	Presence  *presence.Tracker
	Channel   *events.Channel
	Streamer  *events.Streamer
	Notifier  *events.Notifier
	Bus       push.Broadcaster
	Hub       *push.Hub
	Engine    *dispatch.Engine
	Rides     *ride.Service
	Watchdog  *watchdog.Watchdog
	Ingestor  *payments.Ingestor
	EventLog  payments.EventLog
	Heartbeat scheduler.Heartbeat
	Auth      *auth.Validator

	Registry *tasks.Registry
	Queue    tasks.Queue
	// Pool is set when tasks run in-process.
	Pool *tasks.Pool

	closers []func() error
}

// New connects the configured backends and wires the services. Backends that
// are not configured fall back to in-memory implementations.
func New(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Auth: auth.NewValidator(cfg.JWTSecret)}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = tasks.NewRegistry()
	switch cfg.TaskBackend {
	case "kafka":
		kq := tasks.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, kq.Close)
		a.Queue = kq
	default:
		a.Pool = tasks.NewPool(a.Registry, tasks.PoolConfig{
			Workers:     cfg.TaskWorkers,
			QueueDepth:  cfg.TaskQueueDepth,
			MaxAttempts: cfg.TaskMaxAttempts,
			RetryDelay:  cfg.TaskRetryDelay,
		}, log.With("component", "tasks"))
		a.Queue = a.Pool
	}

	if err := a.buildBus(); err != nil {
		a.Close()
		return nil, err
	}
	publisher := push.NewPublisher(a.Bus)

	var eventStore events.Store = events.NewMemoryStore(time.Now)
	var index presence.Index = presence.NewMemoryIndex()
	var seen payments.SeenStore = payments.NewMemorySeenStore()
	a.Heartbeat = scheduler.NewMemoryHeartbeat(cfg.HeartbeatTTL)
	if a.Redis != nil {
		eventStore = events.NewRedisStore(a.Redis)
		index = presence.NewRedisIndex(a.Redis, cfg.RedisGeoKey)
		seen = payments.NewRedisSeenStore(a.Redis, cfg.SeenTTL)
		a.Heartbeat = scheduler.NewRedisHeartbeat(a.Redis, cfg.HeartbeatTTL)
	}

	a.Channel = events.NewChannel(eventStore, events.Options{TTL: cfg.EventTTL, RetryAfter: cfg.RetryAfter}, log.With("component", "events"))
	a.Channel.SetFanout(publisher)
	a.Notifier = events.NewNotifier(a.Channel, publisher, log.With("component", "notifier"))
	a.Streamer = events.NewStreamer(a.Channel, cfg.PollInterval, cfg.SubscriberTTL, log.With("component", "stream"))

	a.Presence = presence.NewTracker(index, a.Accounts, cfg.PresenceTTL, log.With("component", "presence"))
	a.Engine = dispatch.NewEngine(a.Presence, a.Notifier, dispatch.Config{
		RadiusMeters: cfg.DispatchRadiusMeters,
		Limit:        cfg.DispatchLimit,
		SpeedMps:     cfg.DefaultSpeedMps,
	}, log.With("component", "dispatch"))

	a.Watchdog = watchdog.New(a.Store, a.Queue, watchdog.Config{
		PaymentTimeout:       cfg.PaymentTimeout,
		PaymentRecheck:       cfg.PaymentRecheck,
		FindingDriverTimeout: cfg.FindingDriverTimeout,
		FindingDriverRecheck: cfg.FindingDriverRecheck,
		MaxRearms:            cfg.WatchdogMaxRearms,
	}, log.With("component", "watchdog"))

	a.Rides = ride.NewService(ride.Deps{
		Rides:      a.Store,
		Shares:     a.Store,
		Chats:      a.Chats,
		Accounts:   a.Accounts,
		Router:     a.router(),
		Gateway:    payments.NewStripeGateway(cfg.StripeKey, cfg.Currency, cfg.StripeSuccessURL),
		Notifier:   a.Notifier,
		Dispatcher: a.Engine,
		Watchdogs:  a.Watchdog,
		Currency:   cfg.Currency,
	}, log.With("component", "ride"))

	a.Ingestor = payments.NewIngestor(cfg.StripeWebhookSecret, seen, a.Queue, log.With("component", "webhook"))

	a.Registry.Register(tasks.UpdateRide, a.Rides.UpdateHandler())
	a.Registry.Register(tasks.DeleteRide, a.Rides.DeleteHandler())
	a.Registry.Register(tasks.RecordPaymentEvent, payments.RecordHandler(a.EventLog))

	a.Hub = push.NewHub(a.Auth, a.Rides, a.Presence, a.Channel, a.Bus, push.Config{
		PingInterval: cfg.WSPingInterval,
		WriteTimeout: cfg.WriteTimeout,
		PollInterval: cfg.PollInterval,
		RetryAfter:   cfg.RetryAfter,
	}, log.With("component", "push"))
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		a.Postgres = pg
		a.closers = append(a.closers, pg.DB().Close)
		a.Store = pg
		a.Chats = storage.NewPostgresChatStore(pg.DB())
		a.Accounts = accounts.NewPostgresDirectory(pg.DB())
	} else {
		a.Store = storage.NewMemoryStore()
		a.Chats = storage.NewMemoryChatStore()
		a.Accounts = accounts.NewMemoryDirectory()
		a.Log.Warn("PG_DSN not set: rides and accounts are kept in memory")
	}

	auditDSN := cfg.AuditPGDSN
	if auditDSN == "" {
		auditDSN = cfg.PGDSN
	}
	if auditDSN != "" {
		el, err := payments.NewPGEventLog(ctx, auditDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { el.Close(); return nil })
		a.EventLog = el
	} else {
		a.EventLog = payments.NewMemoryEventLog()
	}
	return nil
}

func (a *App) buildBus() error {
	cfg := a.Config
	switch cfg.BroadcastBackend {
	case "redis":
		a.Bus = push.NewRedisBroadcaster(a.Redis, push.DefaultChannel, a.Log.With("component", "broadcast"))
	case "nats":
		nb, err := push.NewNATSBroadcaster(cfg.NATSURL, "", a.Log.With("component", "broadcast"))
		if err != nil {
			return err
		}
		a.Bus = nb
	default:
		a.Bus = push.NewLocalBroadcaster()
	}
	a.closers = append(a.closers, a.Bus.Close)
	return nil
}

// router prefers OSRM when configured and falls back to the straight-line
// estimate; both are cached.
func (a *App) router() eta.Router {
	straight := eta.Straight{SpeedMps: a.Config.DefaultSpeedMps}
	if a.Config.OSRMURL == "" {
		return straight
	}
	return eta.NewCache(eta.Fallback{Primary: eta.NewOSRMClient(a.Config.OSRMURL), Secondary: straight}, 10*time.Minute)
}

// HTTPHandler builds the public HTTP surface.
func (a *App) HTTPHandler() *httpapi.Server {
	checks := map[string]httpapi.Check{}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	if a.Postgres != nil {
		checks["postgres"] = func(ctx context.Context) error { return a.Postgres.DB().PingContext(ctx) }
	}
	return httpapi.NewServer(httpapi.Deps{
		Auth:       a.Auth,
		Rides:      a.Rides,
		Presence:   a.Presence,
		Acks:       a.Channel,
		Stream:     a.Streamer,
		Webhooks:   a.Ingestor,
		WS:         http.HandlerFunc(a.Hub.ServeWS),
		Checks:     checks,
		Heartbeat:  a.Heartbeat,
		RetryAfter: a.Config.RetryAfter,
	}, a.Log.With("component", "http"))
}

// Scheduler registers the recurring jobs of the server process.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.Log.With("component", "scheduler"))
	err := errors.Join(
		s.Every("presence_sweep", a.Config.SweepInterval, func(ctx context.Context) error {
			_, err := a.Presence.Sweep(ctx)
			return err
		}),
		s.Every("heartbeat", a.Config.HeartbeatInterval, a.Heartbeat.Beat),
	)
	return s, err
}

// Close releases the backends in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
