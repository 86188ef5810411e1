// Command server runs the waybill back-office API together with its
// background maintenance jobs.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	_ "github.com/tbourn/go-waybill-backend/docs"
	"github.com/tbourn/go-waybill-backend/internal/config"
	httpapi "github.com/tbourn/go-waybill-backend/internal/http"
	"github.com/tbourn/go-waybill-backend/internal/maintenance"
	"github.com/tbourn/go-waybill-backend/internal/observability"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/sms"
	"github.com/tbourn/go-waybill-backend/internal/sysutil"
)

// @title                      Waybill Back-Office API
// @version                    1.0
// @description                Cargo waybills, client registry and SMS notifications for a transport office.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// deliveryLookback bounds how old an SMS log may be for the delivery sweep.
const deliveryLookback = 24 * time.Hour

func init() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	shutdownTracing, err := observability.SetupOTel(sigCtx, cfg.OTEL, version,
		attribute.String("sms.provider", cfg.SMS.Provider))
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup failed")
	}

	db, err := repo.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DB.Driver).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	svc := httpapi.NewServices(db, cfg, newGateway(cfg))

	created, err := svc.Users.EnsureBootstrapAdmin(sigCtx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap admin failed")
	}
	if created {
		log.Info().Str("username", cfg.Auth.AdminUsername).Msg("bootstrap admin created")
	}

	// Background jobs
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	locker, closeLocker := newLocker(sigCtx, cfg.Maintenance)
	janitor := maintenance.New(locker, log.Logger,
		maintenance.PruneJob(db, svc.Limiter, cfg.Limits.Retention, cfg.Maintenance.PruneInterval),
		maintenance.DeliverySweepJob(svc.SmsLogs, cfg.Maintenance.DeliverySweepBatch, deliveryLookback, cfg.Maintenance.DeliverySweepInterval),
	)
	janitor.Start(jobsCtx)

	r := gin.New()
	httpapi.RegisterRoutes(r, db, cfg, svc)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("sms_provider", cfg.SMS.Provider).
			Str("db_driver", cfg.DB.Driver).
			Msg("server listening")
		serverErrCh <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}

	// Stop background jobs first so they don't start new work while draining.
	stopJobs()
	janitor.Wait()
	closeLocker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracer shutdown failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("server stopped")
}

func setupLogging(cfg config.Config) {
	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.With().Str("service", cfg.OTEL.ServiceName).Logger()
	zerolog.DefaultContextLogger = &log.Logger
}

// newGateway selects the SMS provider and wraps it with metrics.
func newGateway(cfg config.Config) sms.Gateway {
	var gw sms.Gateway
	switch cfg.SMS.Provider {
	case "beem":
		gw = sms.NewBeemClient(sms.BeemConfig{
			APIKey:      cfg.SMS.BeemAPIKey,
			SecretKey:   cfg.SMS.BeemSecretKey,
			SenderID:    cfg.SMS.SenderID,
			SendURL:     cfg.SMS.BeemSendURL,
			DeliveryURL: cfg.SMS.BeemDeliveryURL,
			SendTimeout: cfg.SMS.SendTimeout,
			PollTimeout: cfg.SMS.PollTimeout,
		}, nil)
	case "twilio":
		gw = sms.NewTwilioClient(cfg.SMS.TwilioAccountSID, cfg.SMS.TwilioAuthToken, cfg.SMS.TwilioFrom)
	default:
		log.Warn().Msg("SMS provider disabled; notifications will be logged as failed")
		gw = sms.Disabled{}
	}
	return sms.Instrument(gw, cfg.SMS.Provider)
}

// newLocker returns a Redis-backed job locker when REDIS_ADDR is set and an
// in-process one otherwise.
func newLocker(ctx context.Context, mc config.MaintenanceConfig) (maintenance.Locker, func()) {
	if mc.RedisAddr == "" {
		return &maintenance.LocalLocker{}, func() {}
	}
	rl := maintenance.NewRedisLocker(&redis.Options{Addr: mc.RedisAddr, Password: mc.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rl.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", mc.RedisAddr).Msg("redis unreachable; jobs will run unlocked until it recovers")
	}
	return rl, func() { _ = rl.Close() }
}
