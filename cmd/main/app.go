package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/automation"
	"gitlab.com/timkado/api/livechat-router/internal/config"
	"gitlab.com/timkado/api/livechat-router/internal/healthcheck"
	"gitlab.com/timkado/api/livechat-router/internal/jetstream"
	"gitlab.com/timkado/api/livechat-router/internal/notify"
	"gitlab.com/timkado/api/livechat-router/internal/observer"
	"gitlab.com/timkado/api/livechat-router/internal/realtime"
	"gitlab.com/timkado/api/livechat-router/internal/replyworker"
	"gitlab.com/timkado/api/livechat-router/internal/storage"
	"gitlab.com/timkado/api/livechat-router/internal/tenant"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
	"gitlab.com/timkado/api/livechat-router/pkg/utils"
)

// roles selects which components a process runs.
type roles struct {
	realtime bool
	worker   bool
}

// app holds every long-lived component so shutdown can release them in order.
type app struct {
	cfg *config.Config
	log *zap.Logger

	repo   *storage.PostgresRepo
	js     *jetstream.Client
	bus    *jetstream.Bus
	redis  redis.UniversalClient
	http   *healthcheck.Server
	subs   []*nats.Subscription
	cancel context.CancelFunc

	serializer *automation.Serializer
	router     *realtime.Router
	publisher  *notify.Publisher
	worker     *replyworker.Worker
}

func bootstrap() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	observer.InitMetrics(cfg.Metrics.Enabled)
	return cfg, nil
}

func run(parent context.Context, r roles) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	a := &app{cfg: cfg, log: logger.Log, cancel: cancel}
	defer a.shutdown()

	a.log.Info("Starting livechat router",
		zap.String("environment", cfg.Environment),
		zap.String("instance_id", cfg.InstanceID),
		zap.Bool("realtime", r.realtime),
		zap.Bool("worker", r.worker),
	)

	if err := a.startShared(ctx); err != nil {
		return err
	}
	if r.realtime {
		if err := a.startRealtime(ctx); err != nil {
			return err
		}
	}
	if r.worker {
		if err := a.startWorker(ctx); err != nil {
			return err
		}
	}
	a.http.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case sig := <-sigChan:
		a.log.Info("Received termination signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		a.log.Info("Context cancelled, shutting down")
	}
	return nil
}

// startShared connects the stores every role needs and prepares the HTTP server.
func (a *app) startShared(ctx context.Context) error {
	repo, err := initPostgresRepo(a.cfg)
	if err != nil {
		return err
	}
	a.repo = repo

	js, err := jetstream.NewClient(a.cfg.NATS.URL, "livechat-router-"+a.cfg.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to create JetStream client: %w", err)
	}
	a.js = js
	a.bus = jetstream.NewBus(js, jetstream.BusConfig{
		Stream:      a.cfg.NATS.DeliveryStream,
		Subject:     a.cfg.NATS.DeliverySubject,
		MaxAge:      a.cfg.NATS.DeliveryMaxAge,
		WakeSubject: a.cfg.NATS.WakeSubject,
	})
	if err := a.bus.Setup(ctx); err != nil {
		return fmt.Errorf("failed to set up delivery stream: %w", err)
	}

	a.http = healthcheck.NewServer(strconv.Itoa(a.cfg.Server.Port), Version, a.log)
	a.http.AddCheck("postgres", repo.Ping)
	a.http.AddCheck("nats", func(context.Context) error {
		if !a.bus.Healthy() {
			return errors.New("nats disconnected")
		}
		return nil
	})
	if a.cfg.Metrics.Enabled {
		a.http.RegisterMetricsHandler(promhttp.Handler())
	}
	return nil
}

func (a *app) startRealtime(ctx context.Context) error {
	serializer, err := automation.NewSerializer(a.cfg.WorkerPools.Automation, a.log)
	if err != nil {
		return fmt.Errorf("failed to initialize automation pool: %w", err)
	}
	a.serializer = serializer
	engine := automation.NewEngine(a.repo, a.repo, serializer, a.log, automation.WithWaker(a.bus))

	var (
		presence realtime.Presence
		relay    *realtime.RedisRelay
	)
	if a.cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		presence = realtime.NewRedisPresence(a.redis, a.cfg.InstanceID, a.cfg.Redis.PresenceTTL)
		relay = realtime.NewRedisRelay(a.redis, a.cfg.Redis.RelayChannel)
		a.http.AddCheck("redis", func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	} else {
		a.log.Warn("Redis not configured, presence and room fan-out stay local to this instance")
	}

	var notifier realtime.Notifier = notify.Nop{}
	if a.cfg.RabbitMQ.URL != "" {
		pub, err := notify.Dial(a.cfg.RabbitMQ.URL, notify.Config{
			Exchange:        a.cfg.RabbitMQ.Exchange,
			RoutingKey:      a.cfg.RabbitMQ.RoutingKey,
			BreakerFailures: a.cfg.RabbitMQ.BreakerFailures,
			BreakerTimeout:  a.cfg.RabbitMQ.BreakerTimeout,
		}, a.log)
		if err != nil {
			// leads are best-effort; the router runs without them
			a.log.Error("Lead notifications disabled", zap.Error(err))
		} else {
			a.publisher = pub
			notifier = pub
		}
	}

	var hubRelay realtime.Relay
	if relay != nil {
		hubRelay = relay
	}
	hub := realtime.NewHub(a.cfg.InstanceID, hubRelay)
	a.router = realtime.NewRouter(a.cfg.Server, hub, realtime.Deps{
		Chats:      a.repo,
		Messages:   a.repo,
		Access:     a.repo,
		Automation: engine,
		Notifier:   notifier,
		Presence:   presence,
		Auth:       realtime.NewAuthenticator(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer),
	}, a.log)
	a.http.Mount("/ws", a.router.Routes())

	if relay != nil {
		relayCtx := logger.WithLogger(ctx, a.log.Named("relay"))
		utils.SafeGo(func() {
			if err := relay.Run(relayCtx, hub.HandleRelay); err != nil {
				a.log.Error("Room relay stopped", zap.Error(err))
				a.cancel()
			}
		}, func(p interface{}, stack []byte) {
			a.log.Error("[panic] Room relay crashed", zap.Any("panic", p), zap.ByteString("stack", stack))
			a.cancel()
		})
	}

	sub, err := a.bus.SubscribeDeliveries(ctx, a.router.HandleDelivery)
	if err != nil {
		return fmt.Errorf("failed to subscribe to deliveries: %w", err)
	}
	a.subs = append(a.subs, sub)
	return nil
}

func (a *app) startWorker(ctx context.Context) error {
	worker, err := replyworker.NewWorker(a.cfg.WorkerPools.Reply, a.log, a.repo, a.repo, a.repo, a.bus)
	if err != nil {
		return fmt.Errorf("failed to initialize reply worker: %w", err)
	}
	a.worker = worker

	sub, err := a.bus.SubscribeWake(worker.Wake)
	if err != nil {
		// polling still picks the jobs up, just later
		a.log.Warn("Wake subscription failed, relying on polling", zap.Error(err))
	} else {
		a.subs = append(a.subs, sub)
	}

	utils.SafeGo(func() {
		if err := worker.Start(ctx); err != nil {
			a.log.Error("Reply worker failed, initiating shutdown", zap.Error(err))
			a.cancel()
		}
	}, func(p interface{}, stack []byte) {
		a.log.Error("[panic] Reply worker crashed", zap.Any("panic", p), zap.ByteString("stack", stack))
		a.cancel()
	})
	return nil
}

// shutdown stops intake first, drains in-flight work, then closes the stores.
func (a *app) shutdown() {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.log.Info("Starting graceful shutdown", zap.Duration("timeout", timeout))

	a.step("http server", a.http != nil, func() {
		if err := a.http.Stop(ctx); err != nil {
			a.log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
		}
	})
	a.step("websocket connections", a.router != nil, func() { a.router.Shutdown(remaining(ctx)) })
	a.step("nats subscriptions", len(a.subs) > 0, func() {
		for _, sub := range a.subs {
			if err := sub.Unsubscribe(); err != nil {
				a.log.Warn("[shutdown] Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
			}
		}
	})
	a.step("automation pool", a.serializer != nil, func() { a.serializer.Close(remaining(ctx)) })
	a.step("reply worker", a.worker != nil, func() { a.worker.Stop() })
	a.cancel()
	a.step("lead publisher", a.publisher != nil, func() { _ = a.publisher.Close() })
	a.step("redis", a.redis != nil, func() { _ = a.redis.Close() })
	a.step("nats connection", a.js != nil, func() { a.js.Close() })
	a.step("postgres", a.repo != nil, func() { _ = a.repo.Close(ctx) })

	a.log.Info("Livechat router shutdown complete")
}

// step runs one shutdown stage, logging its duration and containing panics.
func (a *app) step(name string, enabled bool, fn func()) {
	if !enabled {
		return
	}
	defer utils.RecoverWithLog(logger.WithLogger(context.Background(), a.log), "shutdown of "+name)
	start := time.Now()
	a.log.Info("[shutdown] Stopping " + name)
	fn()
	a.log.Info("[shutdown] Stopped "+name, zap.Duration("duration", time.Since(start)))
}

func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 30 * time.Second
}

func initPostgresRepo(cfg *config.Config) (*storage.PostgresRepo, error) {
	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	repo, err := storage.NewPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}
	logger.Log.Info("Initialized PostgreSQL repository")
	return repo, nil
}

// seedDefaults provisions automation settings for the given tenants and exits.
func seedDefaults(parent context.Context, tenants []string) error {
	cfg, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if parent == nil {
		parent = context.Background()
	}

	repo, err := initPostgresRepo(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close(context.Background()) }()

	engine := automation.NewEngine(repo, repo, nil, logger.Log)
	for _, tenantID := range tenants {
		ctx := tenant.WithTenantID(parent, tenantID)
		seeded, err := engine.EnsureDefaults(ctx, tenantID)
		if err != nil {
			return err
		}
		logger.Log.Info("Default automation settings", zap.String("tenant_id", tenantID), zap.Bool("seeded", seeded))
	}
	return nil
}
