// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package service assembles the admission-control core into a
// runnable process: flags and configuration, the metrics endpoint,
// the trace exporter, database client and migrations, configuration
// store, quota ledger, rate limiter, provider gateway, webhook
// pipeline and the HTTP surface, supervised until a signal arrives.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.gearno.de/kit/httpserver"
	"go.gearno.de/kit/log"
	"go.gearno.de/kit/migrator"
	"go.gearno.de/kit/pg"
	"go.gearno.de/rankhub/billing"
	"go.gearno.de/rankhub/config"
	"go.gearno.de/rankhub/quota"
	"go.gearno.de/rankhub/rank"
	"go.gearno.de/rankhub/ratelimit"
	"go.gearno.de/rankhub/serp"
	"go.gearno.de/rankhub/server"
	"go.gearno.de/rankhub/webhook"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/yaml"
)

type (
	// Service is the rankhubd process.
	Service struct {
		name        string
		version     string
		environment string

		logger *log.Logger
		config *Config
	}

	Config struct {
		HTTP      HTTPConfig      `json:"http"`
		Metrics   MetricsConfig   `json:"metrics"`
		Tracing   TracingConfig   `json:"tracing"`
		Database  DatabaseConfig  `json:"database"`
		Webhook   WebhookConfig   `json:"webhook"`
		Quota     QuotaConfig     `json:"quota"`
		RateLimit RateLimitConfig `json:"rate-limit"`
	}

	HTTPConfig struct {
		Addr string `json:"addr"`
	}

	MetricsConfig struct {
		Addr string `json:"addr"`
	}

	TracingConfig struct {
		MaxBatchSize  int `json:"max-batch-size"`
		BatchTimeout  int `json:"batch-timeout"`
		ExportTimeout int `json:"export-timeout"`
		MaxQueueSize  int `json:"max-queue-size"`
	}

	DatabaseConfig struct {
		Addr          string `json:"addr"`
		User          string `json:"user"`
		Password      string `json:"password"`
		Database      string `json:"database"`
		PoolSize      int32  `json:"pool-size"`
		MigrationsDir string `json:"migrations-dir"`
	}

	WebhookConfig struct {
		// ToleranceSeconds bounds how old a signed delivery may
		// be before it is treated as a replay.
		ToleranceSeconds int `json:"tolerance-seconds"`
	}

	QuotaConfig struct {
		DefaultDailyLimit int `json:"default-daily-limit"`
	}

	RateLimitConfig struct {
		PerMinute int `json:"per-minute"`
		Margin    int `json:"margin"`
	}
)

// New creates the service with its default configuration.
func New(name, version, environment string) *Service {
	return &Service{
		name:        name,
		version:     version,
		environment: environment,
		logger: log.NewLogger(
			log.WithName(name),
			log.WithAttributes(
				log.String("version", version),
				log.String("environment", environment),
			),
		),
		config: &Config{
			HTTP: HTTPConfig{
				Addr: ":8080",
			},
			Metrics: MetricsConfig{
				Addr: ":9090",
			},
			Tracing: TracingConfig{
				MaxBatchSize:  1024,
				BatchTimeout:  10,
				ExportTimeout: 15,
				MaxQueueSize:  5000,
			},
			Database: DatabaseConfig{
				Addr:          "localhost:5432",
				User:          "rankhub",
				Database:      "rankhub",
				PoolSize:      10,
				MigrationsDir: "migrations",
			},
			Webhook: WebhookConfig{
				ToleranceSeconds: 300,
			},
			Quota: QuotaConfig{
				DefaultDailyLimit: 10,
			},
			RateLimit: RateLimitConfig{
				PerMinute: 30,
				Margin:    2,
			},
		},
	}
}

func (s *Service) Run() error {
	return s.RunContext(context.Background())
}

func (s *Service) RunContext(parentCtx context.Context) error {
	filename := flag.String("cfg-file", "", "the path of the configuration file")
	printCfg := flag.Bool("print-cfg", false, "print the loaded cfg and exit")
	help := flag.Bool("help", false, "show this help message")
	version := flag.Bool("version", false, "show the service version")

	flag.Parse()

	if *help {
		flag.PrintDefaults()
		return nil
	}

	if *version {
		fmt.Printf("version: %s\n", s.version)
		return nil
	}

	if *filename != "" {
		if err := s.loadConfigurationFromFile(*filename); err != nil {
			return fmt.Errorf("cannot load configuration from %q file: %w", *filename, err)
		}
	}

	if *printCfg {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "\t")

		if err := encoder.Encode(s.config); err != nil {
			return fmt.Errorf("cannot encode configuration: %w", err)
		}

		return nil
	}

	logger := s.logger

	ctx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(context.Canceled)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewPedanticRegistry()

	tracerProvider, stopTracing, err := s.startTracing(ctx)
	if err != nil {
		return fmt.Errorf("cannot start traces exporter: %w", err)
	}

	wg := sync.WaitGroup{}

	// The metrics endpoint stays up on its own context while the
	// main server drains, so the shutdown itself is observable.
	metricsCtx, stopMetricsServer := context.WithCancel(context.Background())
	defer stopMetricsServer()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serveMetrics(metricsCtx, registry); err != nil {
			cancel(fmt.Errorf("metrics server crashed: %w", err))
		}

		logger.Info("metrics server shutdown")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.serve(ctx, registry, tracerProvider); err != nil {
			cancel(err)
		}
	}()

	<-ctx.Done()

	stopMetricsServer()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := stopTracing(shutdownCtx); err != nil {
		logger.Error("cannot shutdown traces exporter", log.Error(err))
	}

	return context.Cause(ctx)
}

// serve wires every component and serves HTTP until ctx is done.
func (s *Service) serve(ctx context.Context, registerer prometheus.Registerer, tp trace.TracerProvider) error {
	var (
		cfg    = s.config
		logger = s.logger
	)

	pgOptions := []pg.Option{
		pg.WithAddr(cfg.Database.Addr),
		pg.WithUser(cfg.Database.User),
		pg.WithPassword(cfg.Database.Password),
		pg.WithDatabase(cfg.Database.Database),
		pg.WithLogger(logger),
		pg.WithRegisterer(registerer),
		pg.WithTracerProvider(tp),
	}
	if cfg.Database.PoolSize > 0 {
		pgOptions = append(pgOptions, pg.WithPoolSize(cfg.Database.PoolSize))
	}

	pgClient, err := pg.NewClient(pgOptions...)
	if err != nil {
		return fmt.Errorf("cannot create database client: %w", err)
	}
	defer pgClient.Close()

	if cfg.Database.MigrationsDir != "" {
		if err := migrator.NewMigrator(pgClient, os.DirFS(".").(migrator.FS), logger).Run(ctx, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("cannot run migrations: %w", err)
		}
	}

	settings := config.NewStore(pgClient, config.WithLogger(logger))

	quotaLedger := quota.NewLedger(
		pgClient,
		quota.WithDefaultLimit(cfg.Quota.DefaultDailyLimit),
		quota.WithDefaultLimitSource(settings),
		quota.WithLogger(logger),
		quota.WithRegisterer(registerer),
		quota.WithTracerProvider(tp),
	)

	limiter := ratelimit.NewLimiter(
		ratelimit.WithLimit(cfg.RateLimit.PerMinute),
		ratelimit.WithMargin(cfg.RateLimit.Margin),
		ratelimit.WithLogger(logger),
		ratelimit.WithRegisterer(registerer),
		ratelimit.WithTracerProvider(tp),
	)
	limiter.StartEviction(ctx)

	gateway := serp.NewGateway(
		settings,
		limiter,
		serp.NewClient(serp.WithClientLogger(logger)),
		serp.WithUsageRecorder(serp.NewPGUsageRecorder(pgClient, serp.WithUsageRecorderLogger(logger))),
		serp.WithGatewayLogger(logger),
		serp.WithGatewayRegisterer(registerer),
	)

	rankService := rank.NewService(
		rank.NewPGStore(pgClient),
		quotaLedger,
		gateway,
		rank.WithServiceLogger(logger),
	)

	router := webhook.NewRouter(
		webhook.WithRouterLogger(logger),
		webhook.WithRouterRegisterer(registerer),
	)

	billingStore := billing.NewPGStore(pgClient, billing.WithPGStoreLogger(logger))
	billing.NewProcessors(billingStore, billing.WithProcessorsLogger(logger)).RegisterAll(router)

	intake := webhook.NewIntake(
		settings,
		webhook.NewLedger(pgClient, webhook.WithLedgerLogger(logger)),
		router,
		webhook.WithIntakeLogger(logger),
		webhook.WithTolerance(time.Duration(cfg.Webhook.ToleranceSeconds)*time.Second),
	)

	handler := server.NewHandler(intake, rankService, quotaLedger, server.WithLogger(logger))

	httpServer := httpserver.NewServer(
		cfg.HTTP.Addr,
		handler,
		httpserver.WithLogger(logger),
		httpserver.WithRegisterer(registerer),
		httpserver.WithTracerProvider(tp),
	)

	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", httpServer.Addr, err)
	}
	defer listener.Close()

	logger.InfoCtx(ctx, "http server started", log.String("addr", httpServer.Addr))

	serverErrCh := make(chan error, 1)
	go func() {
		err := httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoCtx(ctx, "shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return nil
}

func (s *Service) serveMetrics(ctx context.Context, registry *prometheus.Registry) error {
	logger := s.logger.Named("metrics")

	metricsHandler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics:   true,
			MaxRequestsInFlight: 10,
			ErrorHandling:       promhttp.ContinueOnError,
			ErrorLog:            stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		},
	)

	httpServer := &http.Server{
		Addr: s.config.Metrics.Addr,
		Handler: http.TimeoutHandler(
			metricsHandler,
			5*time.Second,
			"request timed out",
		),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	logger.Info("starting metrics server", log.String("addr", httpServer.Addr))
	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", httpServer.Addr, err)
	}
	defer listener.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		err := httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info("metrics server started")

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoCtx(ctx, "shutting down metrics server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return ctx.Err()
}

// startTracing starts the OTLP exporter and returns the provider and
// a shutdown function flushing the remaining spans.
func (s *Service) startTracing(ctx context.Context) (trace.TracerProvider, func(context.Context) error, error) {
	var (
		config = s.config.Tracing
		logger = s.logger.Named("tracing")
	)

	exporter := otlptracehttp.NewUnstarted(
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithRetry(
			otlptracehttp.RetryConfig{
				Enabled:         true,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
				MaxElapsedTime:  5 * time.Minute,
			},
		),
		otlptracehttp.WithTimeout(15*time.Second),
	)

	if err := exporter.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("cannot create otel exporter: %w", err)
	}

	traceProvider := traceSdk.NewTracerProvider(
		traceSdk.WithBatcher(
			exporter,
			traceSdk.WithMaxExportBatchSize(config.MaxBatchSize),
			traceSdk.WithBatchTimeout(time.Duration(config.BatchTimeout)*time.Second),
			traceSdk.WithExportTimeout(time.Duration(config.ExportTimeout)*time.Second),
			traceSdk.WithMaxQueueSize(config.MaxQueueSize),
		),
		traceSdk.WithResource(
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(s.name),
				semconv.ServiceVersion(s.version),
				semconv.DeploymentEnvironment(s.environment),
			),
		),
	)

	logger.Info("traces exporter started")

	shutdown := func(ctx context.Context) error {
		if err := traceProvider.ForceFlush(ctx); err != nil {
			return fmt.Errorf("cannot flush remaining spans: %w", err)
		}

		if err := traceProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("cannot shutdown provider: %w", err)
		}

		if err := exporter.Shutdown(ctx); err != nil {
			return fmt.Errorf("cannot shutdown exporter: %w", err)
		}

		return nil
	}

	return traceProvider, shutdown, nil
}

func (s *Service) loadConfigurationFromFile(filename string) error {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}

	blob, err = yaml.YAMLToJSON(blob)
	if err != nil {
		return fmt.Errorf("cannot convert yaml to json: %w", err)
	}

	if err := json.Unmarshal(blob, s.config); err != nil {
		return fmt.Errorf("cannot decode file: %w", err)
	}

	return nil
}
