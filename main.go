package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/EmpoweredVote/EV-Geofences/internal/config"
	"github.com/EmpoweredVote/EV-Geofences/internal/db"
	"github.com/EmpoweredVote/EV-Geofences/internal/events"
	"github.com/EmpoweredVote/EV-Geofences/internal/geofences"
	"github.com/EmpoweredVote/EV-Geofences/internal/limits"
	"github.com/EmpoweredVote/EV-Geofences/internal/logging"
	"github.com/EmpoweredVote/EV-Geofences/internal/metrics"
	"github.com/EmpoweredVote/EV-Geofences/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var newConsumer = func(brokers []string, groupID string, topics []string) (events.Consumer, error) {
	return events.NewKafkaConsumer(brokers, groupID, topics)
}

const (
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

func RootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Server is up!")
}

func main() {
	_ = godotenv.Load(".env.local")

	cfg := config.LoadFromEnv()
	logger, logWriter, closeLog := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	slog.SetDefault(logger)

	err := run(cfg, logger, logWriter)
	if err != nil {
		logger.Error("geofence service stopped", "error", err)
	}
	_ = closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, logWriter io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	// The consumer is built before anything connects or listens.
	var consumer events.Consumer
	if len(cfg.KafkaBrokers) > 0 && len(cfg.KafkaCommandTopics) > 0 {
		c, err := newConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaCommandTopics)
		if err != nil {
			return err
		}
		defer c.Close()
		consumer = c
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := db.Connect(db.Options{DSN: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, LogWriter: logWriter}); err != nil {
		return err
	}
	if err := geofences.Init(); err != nil {
		return err
	}

	loader, err := config.NewLoader(cfg, cfg.ConfigFile, logger)
	if err != nil {
		return err
	}
	stopWatch, err := loader.Watch()
	if err != nil {
		return err
	}
	defer stopWatch()
	metrics.RecordTuning(loader.Tuning())
	loader.OnChange(metrics.RecordTuning)

	var lim limits.Source = limits.Static{}
	if cfg.RedisURL != "" {
		client, err := limits.Connect(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		lim = limits.NewRedisLimits(client)
	}

	var publisher events.Publisher = events.LoggingPublisher{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		if err != nil {
			return err
		}
		publisher = kp
	}
	defer publisher.Close()

	store := geofences.NewGormStore(db.DB)
	svc := geofences.NewService(geofences.Deps{
		Store:     store,
		ChangeLog: store,
		Publisher: publisher,
		Limits:    lim,
		Tuning:    loader,
		Logger:    logger,
	})
	defer svc.Close()

	var worker *geofences.CommandWorker
	if consumer != nil {
		worker = geofences.NewCommandWorker(consumer, svc, publisher, logger)
	}

	limiter := middleware.NewTenantRateLimiter(loader)
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(middleware.CORSMiddleware(cfg.CORSOrigins))
	r.Get("/", RootHandler)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/geofences", geofences.SetupRoutes(svc, limiter.Middleware))

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return limiter.Run(gctx, limiterSweepInterval, limiterIdleTTL) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	}

	return g.Wait()
}
