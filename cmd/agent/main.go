package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/casevault/agent/internal/app/cases"
	"github.com/casevault/agent/internal/app/dispatch"
	"github.com/casevault/agent/internal/config/fileloader"
	"github.com/casevault/agent/internal/domain/events"
	"github.com/casevault/agent/internal/infra/api"
	"github.com/casevault/agent/pkg/common"
	"github.com/casevault/agent/pkg/common/logger"
	"github.com/casevault/agent/pkg/common/otel"
)

// build is injected at link time.
var build = "develop"

const serviceType = "agent"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get hostname: %v\n", err)
		os.Exit(1)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("AGENT-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"build":    build,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, log, hostname); err != nil {
		log.Error(ctx, "agent terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	cfgPath := os.Getenv("CASEVAULT_CONFIG")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := fileloader.NewFileLoader(cfgPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Telemetry.
	var tracer trace.Tracer
	if cfg.Telemetry.Enabled {
		tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/health":    {},
				"/v1/readiness": {},
			},
			Probability:        cfg.Telemetry.SamplingRatio,
			ResourceAttributes: map[string]string{"host.name": hostname, "service.version": build},
			InsecureExporter:   cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer telemetryTeardown(context.Background())
		tracer = tp.Tracer(serviceType)
	} else {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	// Health and metrics endpoints.
	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.Agent.HealthAddr, ready)
	defer func() {
		if err := healthServer.Server().Shutdown(context.Background()); err != nil {
			log.Error(ctx, "error shutting down health server", "error", err)
		}
	}()

	go func() {
		if err := common.RunMetricsServer(cfg.Agent.MetricsAddr); err != nil {
			log.Error(ctx, "metrics server error", "error", err)
		}
	}()

	// Cloud API client.
	client, err := api.NewClient(api.Config{
		BaseURL:           cfg.API.BaseURL,
		TokenURL:          cfg.API.TokenURL,
		ClientID:          cfg.API.ClientID,
		ClientSecret:      cfg.API.ClientSecret,
		AgentVersion:      build,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		RequestTimeout:    cfg.API.RequestTimeout,
	}, log, tracer)
	if err != nil {
		return err
	}

	// Event handlers and the dispatch engine.
	caseService := cases.NewService(client, cfg.Tenants, cfg.Agent.WorkDir, log)
	registry := events.NewRegistry(caseService.Handlers())

	dispatcher := dispatch.NewDispatcher(client, registry, dispatch.Config{
		Interval:       cfg.Dispatch.Interval,
		HandlerTimeout: cfg.Dispatch.HandlerTimeout,
		AckTimeout:     cfg.Dispatch.AckTimeout,
	}, dispatch.NewMetrics(prometheus.DefaultRegisterer), log, tracer)

	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	ready.Store(true)

	// Ask for a pong per tenant so the event channel is verified end to
	// end on startup.
	for department, tenantID := range cfg.Tenants {
		if err := client.Ping(ctx, tenantID); err != nil {
			log.Warn(ctx, "startup ping failed", "department", department, "error", err)
			continue
		}
		log.Info(ctx, "requested pong event", "department", department, "tenant_id", tenantID)
	}

	if cfg.Agent.BootstrapDepartment != "" {
		if err := caseService.Bootstrap(ctx, cfg.Agent.BootstrapDepartment, cfg.Agent.BootstrapSample); err != nil {
			log.Error(ctx, "demo bootstrap failed",
				"department", cfg.Agent.BootstrapDepartment, "error", err)
		}
	}

	log.Info(ctx, "agent started",
		"build", build,
		"interval", cfg.Dispatch.Interval.String(),
		"tenants", len(cfg.Tenants))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info(ctx, "shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	ready.Store(false)
	return nil
}
