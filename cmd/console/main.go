package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"ridewatch-console/internal/backend"
	"ridewatch-console/internal/config"
	"ridewatch-console/internal/db"
	"ridewatch-console/internal/domain/ride"
	httphandler "ridewatch-console/internal/http"
	"ridewatch-console/internal/logger"
	"ridewatch-console/internal/repository"
	"ridewatch-console/internal/router"
	"ridewatch-console/internal/service"
	"ridewatch-console/internal/session"
	"ridewatch-console/internal/state"
	"ridewatch-console/internal/stream"
	"ridewatch-console/internal/timeutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", false)
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("console stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := timeutil.RealClock{}
	streamLog := logger.Stream(log, cfg.Stream.Debug)

	backendClient, err := backend.NewClient(cfg.Backend.BaseURL, backend.NewHTTPClient(cfg.Backend.Timeout), log)
	if err != nil {
		return err
	}

	registry, err := stream.NewRegistry(stream.WebsocketDialer{}, clock, stream.Options{
		BaseURL:              cfg.Backend.BaseURL,
		MaxReconnectAttempts: cfg.Stream.ReconnectAttempts,
		KeepAliveInterval:    cfg.Stream.PingInterval,
		Backoff: stream.Backoff{
			Base: cfg.Stream.ReconnectBaseDelay,
			Max:  cfg.Stream.ReconnectMaxDelay,
		},
	}, streamLog)
	if err != nil {
		return err
	}

	rt := router.NewRouter(clock, streamLog)
	store := state.NewStore(clock, ride.DefaultParams(), log)

	var (
		journal *service.Journal
		gdb     *gorm.DB
	)
	if cfg.DB.Enabled() {
		gdb, err = db.Open(ctx, cfg.DB.DSN, log)
		if err != nil {
			return err
		}
		journal = service.NewJournal(repository.NewJournalRepository(gdb), 0, log)
		if err := journal.RestoreParams(ctx, store); err != nil {
			log.Warn().Err(err).Msg("failed to restore detection parameters")
		}
		journal.Attach(store)
	} else {
		log.Info().Msg("DB_DSN not set, ride journal disabled")
	}

	sessionOpts := session.Options{StaleTimeout: cfg.Stream.FrameStaleTimeout}
	sessions := make([]*session.Session, 0, len(ride.Cameras))
	for _, camera := range ride.Cameras {
		sessions = append(sessions, session.New(camera, registry, rt, store, clock, sessionOpts, streamLog))
	}

	dashboard := service.NewDashboardService(backendClient, store, sessions, registry, journal, log)
	tokens := httphandler.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))
	engine.Use(cors.New(corsConfig(cfg.HTTP.AllowedOrigins)))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "cameras": registry.ConnectionStatus()})
	})
	httphandler.NewHandler(dashboard, tokens, log).Register(engine, tokens.Middleware())

	srv := newServer(cfg.HTTP.Addr, engine)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("backend", cfg.Backend.BaseURL).Msg("console listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("http shutdown failed")
	}

	dashboard.Close()
	if gdb != nil {
		if closeErr := db.Close(gdb); closeErr != nil {
			log.Error().Err(closeErr).Msg("failed to close database")
		}
	}
	return err
}

// newServer builds the HTTP server. Request contexts are cancelled as soon as
// Shutdown starts so event streams end instead of holding the drain open.
func newServer(addr string, handler http.Handler) *http.Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, "Authorization")
	c.ExposeHeaders = []string{"X-Frame-Received-At"}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
		return c
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	httpLog := log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/api/v1/cameras/:camera/frame" && c.Writer.Status() == http.StatusOK {
			return
		}
		httpLog.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
