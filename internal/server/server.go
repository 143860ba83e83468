package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepinsight-ai/deepinsight/config"
	agentcore "github.com/deepinsight-ai/deepinsight/internal/agent/core"
	agenttele "github.com/deepinsight-ai/deepinsight/internal/agent/telemetry"
	"github.com/deepinsight-ai/deepinsight/internal/billing"
	"github.com/deepinsight-ai/deepinsight/internal/runtime"
	"github.com/deepinsight-ai/deepinsight/internal/sandbox"
	"github.com/deepinsight-ai/deepinsight/internal/store"
	"github.com/deepinsight-ai/deepinsight/provider"
)

// Run wires the service and serves HTTP until the listener stops.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	registerDocs(e)

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}

	// Shared dependencies (top-level DI)
	ctx := context.Background()
	otelTele, _, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "deepinsight-api",
		ServiceVersion: "dev",
	})
	if err != nil {
		baseLogger.Printf("telemetry disabled: %v", err)
	} else {
		defer func() { _ = otelTele.Shutdown(context.Background()) }()
	}
	e.GET("/metrics", echo.WrapHandler(metricsHandler(otelTele)))

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	progress, err := store.NewProgressCache(cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("completion provider: %w", err)
	}
	executor, err := sandbox.NewHTTPExecutor(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	var ledger billing.Ledger
	if cfg.Billing.Enabled {
		if cfg.Billing.LedgerURL == "" {
			return fmt.Errorf("billing enabled but billing.ledger_url not configured")
		}
		ledger = billing.NewHTTPLedger(cfg.Billing)
	}

	tele := agenttele.NewTelemetry(cfg.Telemetry)
	pipeLogger := log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	pipeline := agentcore.NewPipeline(cfg, pipeLogger, tele, llm, executor, st, st, progress, ledger)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	ah := &AnalysisHandler{Pipeline: pipeline, Store: st, Logger: pipeLogger}
	ah.Register(api.Group("/analysis"), secret)

	rh := &ReportsHandler{Store: st, Progress: progress}
	rh.Register(api.Group("/reports"), secret)

	th := &TemplatesHandler{Store: st}
	th.Register(api.Group("/templates"), secret)

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":10010"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// metricsHandler scrapes the otel prometheus registry when telemetry is
// enabled; the default registry carries nothing the exporter records.
func metricsHandler(tele *runtime.Telemetry) http.Handler {
	if tele != nil && tele.Registry != nil {
		return promhttp.HandlerFor(tele.Registry, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
