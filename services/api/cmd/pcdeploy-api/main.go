package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pcdeploy/pkg/bus"
	"pcdeploy/pkg/db"
	"pcdeploy/pkg/s3"
	"pcdeploy/pkg/telemetry"
	"pcdeploy/services/api"
	"pcdeploy/services/api/internal/config"
	"pcdeploy/services/audit"
	"pcdeploy/services/drbl"
	"pcdeploy/services/images"
	"pcdeploy/services/inventory"
	"pcdeploy/services/orchestrator"
)

const (
	serviceName = "pcdeploy-api"
	streamName  = "PCDEPLOY"
)

func main() {
	if err := run(); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect gorm: %w", err)
	}
	defer func() {
		if err := db.Close(orm); err != nil {
			logger.Printf("ERROR close gorm: %v", err)
		}
	}()

	store, err := orchestrator.NewGormStore(orm)
	if err != nil {
		return err
	}
	machines, err := inventory.NewStore(pool)
	if err != nil {
		return err
	}
	if n, err := machines.Count(ctx); err == nil {
		logger.Printf("INFO inventory holds %d machines", n)
	} else {
		logger.Printf("WARN count inventory: %v", err)
	}

	registry, err := images.NewRegistry(cfg.DRBL.ImageHome)
	if err != nil {
		return fmt.Errorf("image registry: %w", err)
	}
	tool, err := drbl.NewClient(drbl.Config{
		BinDir:           cfg.DRBL.BinDir,
		LogDir:           cfg.DRBL.LogDir,
		MulticastMaxWait: cfg.DRBL.MulticastMaxWait,
		UnicastTimeout:   cfg.DRBL.UnicastTimeout,
		StopTimeout:      cfg.DRBL.StopTimeout,
		Simulate:         cfg.DRBL.Simulate,
	}, registry, nil, logger)
	if err != nil {
		return fmt.Errorf("imaging tool: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := orchestrator.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := orchestrator.Options{
		Store:            store,
		Inventory:        machines,
		Images:           registry,
		Tool:             tool,
		Metrics:          metrics,
		Logger:           logger,
		MulticastMaxWait: cfg.DRBL.MulticastMaxWait,
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(streamName, "pcdeploy.>"); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		opts.Publisher = eventBus
	} else {
		logger.Printf("WARN NATS_URL not set, deployment events are not published")
	}

	if cfg.S3.Endpoint != "" {
		objects, err := s3.NewClient(ctx, s3.Config{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Region:         cfg.S3.Region,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		archiver, err := orchestrator.NewS3Archiver(objects, cfg.S3.Bucket)
		if err != nil {
			return err
		}
		opts.Archiver = archiver
	}

	svc, err := orchestrator.NewService(opts)
	if err != nil {
		return err
	}

	if eventBus != nil {
		intake, err := orchestrator.NewProgressIntake(svc, eventBus)
		if err != nil {
			return err
		}
		if err := intake.Start(ctx); err != nil {
			return fmt.Errorf("start progress intake: %w", err)
		}
		defer intake.Close()

		recorder, err := audit.NewRecorder(pool, eventBus, logger)
		if err != nil {
			return err
		}
		if err := recorder.Start(ctx); err != nil {
			return fmt.Errorf("start audit recorder: %w", err)
		}
		defer recorder.Close()
	}

	handlers, err := api.New(api.Options{
		Deployments:    svc,
		Images:         registry,
		Tool:           tool,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		Telemetry:      middleware,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready: func(ctx context.Context) error {
			if err := db.Ping(ctx, pool); err != nil {
				return err
			}
			if eventBus != nil && !eventBus.Connected() {
				return errors.New("nats disconnected")
			}
			return nil
		},
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("INFO http listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Printf("INFO shutdown complete")
	return nil
}
