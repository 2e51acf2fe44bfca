package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/configs"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/metrics"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ratelimiter"
	healthHandler "github.com/hilthontt/roomshuffle/internal/presentation/handler/health"
	roomHandler "github.com/hilthontt/roomshuffle/internal/presentation/handler/rooms"
	wsHandler "github.com/hilthontt/roomshuffle/internal/presentation/handler/ws"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 5 * time.Second

type Application struct {
	config         configs.Config
	roomHandler    *roomHandler.Handler
	healthHandler  *healthHandler.Handler
	wsHandler      *wsHandler.Handler
	logger         logging.Logger
	ratelimiter    ratelimiter.Limiter
	metrics        *metrics.Metrics
	metricsHandler http.Handler
}

// NewApplication wires the HTTP surface. metricsHandler may be nil to leave
// /metrics unmounted.
func NewApplication(
	config configs.Config,
	roomHandler *roomHandler.Handler,
	healthHandler *healthHandler.Handler,
	wsHandler *wsHandler.Handler,
	logger logging.Logger,
	ratelimiter ratelimiter.Limiter,
	m *metrics.Metrics,
	metricsHandler http.Handler,
) *Application {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Application{
		config:         config,
		roomHandler:    roomHandler,
		healthHandler:  healthHandler,
		wsHandler:      wsHandler,
		logger:         logger,
		ratelimiter:    ratelimiter,
		metrics:        m,
		metricsHandler: metricsHandler,
	}
}

func (app *Application) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(app.prometheusMiddleware)
	r.Use(app.enableCors)

	r.Get("/ws", app.wsHandler.ConnectHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		if app.ratelimiter != nil {
			r.Use(app.rateLimiterMiddleware)
		}

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", app.roomHandler.ListRoomsHandler)
			r.Get("/{roomId}", app.roomHandler.GetRoomHandler)
			r.Get("/{roomId}/audit", app.roomHandler.AuditLogHandler)
		})
		r.Post("/reshuffle", app.roomHandler.ReshuffleHandler)
		r.Get("/schedule", app.roomHandler.ScheduleHandler)

		r.Get("/health", app.healthHandler.GetHealth)
	})

	r.Get("/healthz", app.healthHandler.GetHealth)
	r.Get("/live", app.healthHandler.GetHealth)
	r.Get("/ready", app.healthHandler.GetReady)

	if app.metricsHandler != nil {
		r.Handle("/metrics", app.metricsHandler)
	}

	if dir := app.config.HTTP.StaticDir; dir != "" {
		r.Handle("/*", http.FileServer(http.Dir(dir)))
	}

	return otelhttp.NewHandler(r, "roomshuffle.http")
}

// Run serves mux until ctx is cancelled, then shuts down gracefully.
func (app *Application) Run(ctx context.Context, mux http.Handler) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", app.config.HTTP.Host, app.config.HTTP.Port),
		Handler:      mux,
		WriteTimeout: app.config.HTTP.WriteTimeout,
		ReadTimeout:  app.config.HTTP.ReadTimeout,
		IdleTimeout:  time.Minute,
	}

	shutdown := make(chan error, 1)
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		app.healthHandler.SetHealthy(false)
		shutdown <- srv.Shutdown(shutdownCtx)
	}()

	app.logger.Info(logging.General, logging.Startup, "server has started", map[logging.ExtraKey]any{
		logging.HostIp: srv.Addr,
	})

	err := srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	if err := <-shutdown; err != nil {
		return err
	}

	app.logger.Info(logging.General, logging.Shutdown, "server has stopped", map[logging.ExtraKey]any{
		logging.HostIp: srv.Addr,
	})

	return nil
}
