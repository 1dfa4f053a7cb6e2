package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/callgate/internal/api"
	"github.com/flowpbx/callgate/internal/api/middleware"
	"github.com/flowpbx/callgate/internal/bridge"
	"github.com/flowpbx/callgate/internal/config"
	"github.com/flowpbx/callgate/internal/media"
	"github.com/flowpbx/callgate/internal/metrics"
	"github.com/flowpbx/callgate/internal/platform"
	"github.com/flowpbx/callgate/internal/signaling"
	sipserver "github.com/flowpbx/callgate/internal/sip"
	"github.com/flowpbx/callgate/internal/stanza"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("callgate exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startedAt := time.Now()
	mediaIP := cfg.MediaIP()

	logger.Info("starting callgate",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"media_ip", mediaIP,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
		"trunk", cfg.TrunkHost,
		"platform_url", cfg.PlatformURL,
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Transports outlive the signal so shutdown can still send BYE and
	// terminate stanzas.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	pool, err := media.NewPool("", cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return fmt.Errorf("creating media pool: %w", err)
	}

	sipSrv, err := sipserver.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}

	plat := platform.NewClient(platform.Config{URL: cfg.PlatformURL}, logger)

	sigCfg := signaling.DefaultConfig()
	sigCfg.SettleDelay = cfg.AcceptSettle
	sigCfg.DecryptAttempts = cfg.DecryptAttempts
	sigCfg.DecryptInterval = cfg.DecryptInterval
	sigCfg.DefaultIP = mediaIP
	machine := signaling.New(plat, sigCfg, logger)

	bridges := bridge.NewManager(pool, machine, sipSrv.Client(), bridge.Config{
		RequireMediaKeys: cfg.RequireMediaKeys,
	}, logger)
	bridges.SetEventHandler(func(ev bridge.Event) {
		logger.Debug("bridge event",
			"type", ev.Type,
			"call_id", ev.CallID,
			"destination", ev.Destination,
			"reason", ev.Reason,
		)
	})
	machine.SetListener(bridges)
	sipSrv.Client().SetListener(bridges)

	plat.SetHandler(func(ctx context.Context, node *stanza.Node) {
		if node.Tag != "call" {
			logger.Debug("ignoring platform stanza", "tag", node.Tag)
			return
		}
		if err := machine.HandleCall(ctx, node); err != nil {
			logger.Warn("call stanza failed", "error", err)
		}
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(bridges, machine, sipSrv.Client(), pool, startedAt),
	)

	limiter := middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), logger)
	defer limiter.Stop()

	handler := api.NewServer(api.Deps{
		Bridges:   bridges,
		Sessions:  machine,
		Trunk:     sipSrv.Client(),
		Platform:  plat,
		Gatherer:  reg,
		StartedAt: startedAt,
		RateLimit: limiter,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := sipSrv.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := plat.Run(appCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("platform client: %w", err)
		}
	}()

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("component failed, shutting down", "error", runErr)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := bridges.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge shutdown incomplete", "error", err)
	}
	appCancel()
	machine.Wait()
	sipSrv.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("callgate stopped")
	return runErr
}
