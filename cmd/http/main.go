package main

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hilthontt/roomshuffle/internal/application/matchmaking"
	"github.com/hilthontt/roomshuffle/internal/application/scheduler"
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/configs"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/events"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/messaging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/metrics"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/repository"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/resources"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/tracing"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ws"
	"github.com/hilthontt/roomshuffle/internal/persistence/db"
	persistence "github.com/hilthontt/roomshuffle/internal/persistence/repository"
	"github.com/hilthontt/roomshuffle/internal/presentation/api"
	"github.com/hilthontt/roomshuffle/internal/presentation/handler/health"
	"github.com/hilthontt/roomshuffle/internal/presentation/handler/rooms"
	wsHandler "github.com/hilthontt/roomshuffle/internal/presentation/handler/ws"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "roomshuffle"

func main() {
	cfg, err := configs.Load(configs.DetermineConfigPath())
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.NewLogger(cfg.LoggerConfig())
	if err != nil {
		log.Fatal(fmt.Errorf("error initializing logger: %w", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal(logging.General, logging.Shutdown, "server exited with error", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}
}

func run(ctx context.Context, cfg *configs.Config, logger logging.Logger) error {
	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: serviceName,
		Environment: cfg.Tracing.Environment,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn(logging.General, logging.Shutdown, "failed to flush traces", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	healthHandler := health.NewHandler()
	clock := clockwork.NewRealClock()

	cache, err := newRateLimiterCache(ctx, cfg, healthHandler)
	if err != nil {
		return err
	}
	defer cache.Close()

	apiLimiter := ratelimiter.New(ratelimiter.Options{
		MaxRatePerSecond: cfg.RateLimiter.MaxRatePerSecond,
		MaxBurst:         cfg.RateLimiter.MaxBurst,
		Cache:            cache,
		CacheTTL:         cfg.RateLimiter.CacheTTL,
		SourceHeaderKey:  cfg.RateLimiter.SourceHeaderKey,
		Clock:            clock,
	})

	messageLimiter := ratelimiter.NewFixedWindowRateLimiter(
		cfg.Matchmaking.MessageRateLimit,
		cfg.Matchmaking.MessageRateWindow,
		clock,
	)
	defer messageLimiter.Close()

	core := ws.NewCore(messageLimiter, logger, m)
	store := repository.NewRoomRepository(cfg.Matchmaking.MaxRoomSize, clock)

	shuffleRand, err := newRand(cfg.Matchmaking.Seed, 1)
	if err != nil {
		return err
	}
	resourceRand, err := newRand(cfg.Matchmaking.Seed, 2)
	if err != nil {
		return err
	}

	opts := []matchmaking.Option{
		matchmaking.WithClock(clock),
		matchmaking.WithRand(shuffleRand),
		matchmaking.WithResources(resources.NewPool(cfg.Resources.Items, cfg.Resources.Mandatory, resourceRand)),
		matchmaking.WithLogger(logger),
		matchmaking.WithMetrics(m),
	}

	g, gctx := errgroup.WithContext(ctx)

	audit, closeAudit, err := newAuditRepository(ctx, cfg, healthHandler, logger)
	if err != nil {
		return err
	}
	defer closeAudit()

	broker, err := newBroker(cfg, audit != nil)
	if err != nil {
		return err
	}
	if broker != nil {
		defer broker.Close()

		publisher := events.NewRoomPublisher(broker, cfg.Events.QueueSize, logger)
		opts = append(opts, matchmaking.WithLifecycleSink(publisher))
		g.Go(func() error { return publisher.Run(gctx) })

		if audit != nil {
			consumer := events.NewRoomConsumer(broker, audit, logger)
			g.Go(func() error { return consumer.Listen(gctx) })
		}
	}

	mmCfg := matchmaking.Config{
		Grouping:      cfg.GroupingOptions(),
		GraceWindow:   cfg.Matchmaking.GraceWindow,
		IncludeSender: cfg.Matchmaking.IncludeSender,
		MaxRoomAge:    cfg.Matchmaking.MaxRoomAge,
	}
	if cfg.Reshuffle.Mode == configs.ReshuffleModeRoomDeadline {
		mmCfg.RoomDeadline = cfg.Reshuffle.ViewDuration + cfg.Reshuffle.Buffer
	}

	svc, err := matchmaking.NewService(mmCfg, store, core, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	sched, err := scheduler.New(
		scheduler.Config{
			Mode:         scheduler.Mode(cfg.Reshuffle.Mode),
			Interval:     cfg.Reshuffle.Interval,
			PollInterval: cfg.Reshuffle.PollInterval,
		},
		func(ctx context.Context) error {
			_, err := svc.ReshuffleNow(ctx)
			return err
		},
		scheduler.WithClock(clock),
		scheduler.WithLogger(logger),
		scheduler.WithDeadlineSource(store),
	)
	if err != nil {
		return err
	}
	svc.SetSchedule(sched)

	app := api.NewApplication(
		*cfg,
		rooms.NewHandler(svc, sched, cfg.Reshuffle.Mode, audit, logger),
		healthHandler,
		wsHandler.NewHandler(core, ws.NewUpgrader(cfg.HTTP.AllowedOrigins), logger),
		logger,
		apiLimiter,
		m,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	)

	logger.Info(logging.General, logging.Startup, "starting roomshuffle", map[logging.ExtraKey]any{
		logging.Mode:     cfg.Reshuffle.Mode,
		logging.NextAt:   sched.NextReshuffleAt(),
		logging.Duration: cfg.Reshuffle.Interval.String(),
	})

	g.Go(func() error { return core.Run(gctx, svc) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return app.Run(gctx, app.Mount()) })

	return g.Wait()
}

// newRand returns the shuffle source. A zero seed draws a ChaCha8 key from
// crypto/rand; any other seed gives a reproducible PCG stream.
func newRand(seed, stream uint64) (*rand.Rand, error) {
	if seed != 0 {
		return rand.New(rand.NewPCG(seed, stream)), nil
	}

	var key [32]byte
	if _, err := crand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to seed shuffle source: %w", err)
	}
	return rand.New(rand.NewChaCha8(key)), nil
}

func newRateLimiterCache(ctx context.Context, cfg *configs.Config, h *health.Handler) (ratelimiter.GetterSetter, error) {
	if cfg.RateLimiter.RedisAddr == "" {
		return ratelimiter.NewInMemory(), nil
	}

	cache, err := ratelimiter.DialRedis(ctx, cfg.RateLimiter.RedisAddr)
	if err != nil {
		return nil, err
	}
	h.AddCheck("redis", cache.Ping)
	return cache, nil
}

// newAuditRepository connects to MongoDB when the audit log is enabled. The
// returned repository is nil otherwise.
func newAuditRepository(
	ctx context.Context,
	cfg *configs.Config,
	h *health.Handler,
	logger logging.Logger,
) (domain.RoomAuditRepository, func(), error) {
	if !cfg.Audit.Enabled {
		return nil, func() {}, nil
	}

	mongoCfg := &db.MongoConfig{
		URI:      cfg.Audit.MongoDBURI,
		Database: cfg.Audit.Database,
	}
	client, err := db.NewMongoClient(ctx, mongoCfg)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := db.DisconnectMongo(context.Background(), client); err != nil {
			logger.Warn(logging.MongoDB, logging.Shutdown, "failed to disconnect mongodb", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
			})
		}
	}

	repo := persistence.NewRoomAuditLogRepository(db.GetDatabase(client, mongoCfg), cfg.Audit.Retention)
	if err := repo.EnsureIndexes(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}

	h.AddCheck("mongodb", func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	})

	logger.Info(logging.MongoDB, logging.Startup, "audit log enabled", nil)

	return repo, closeFn, nil
}

// newBroker picks the event transport. With no external driver configured
// an in-process broker still feeds the audit consumer; without either the
// service runs with no lifecycle sink.
func newBroker(cfg *configs.Config, auditEnabled bool) (messaging.Broker, error) {
	switch strings.ToLower(cfg.Events.Driver) {
	case configs.EventsDriverRabbitMQ:
		return messaging.NewRabbitMQ(cfg.Events.RabbitMQURI)
	case configs.EventsDriverNATS:
		return messaging.NewNATS(cfg.Events.NATSURL)
	}

	if auditEnabled {
		return messaging.NewInProcess(cfg.Events.QueueSize), nil
	}
	return nil, nil
}
