package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/rlsocket/pkg/rlsocket"
)

func main() {
	// Параметры командной строки
	var (
		configPath  = flag.String("config", "", "Path to YAML or TOML config file")
		mode        = flag.String("mode", "both", "Run mode: server, client or both")
		listen      = flag.String("listen", "", "Server listen address, overrides config")
		remote      = flag.String("remote", "", "Client remote address, overrides config")
		connections = flag.Int("conns", 0, "Number of client connections, overrides config")
		metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address, overrides config")
		logLevel    = flag.Int("log-level", -1, "Log level: 0=Info, 1=Debug1, 2=Debug2, 3=Debug3")
	)
	flag.Parse()

	zl, logger := newLogger("chat")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zl.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *remote != "" {
		cfg.Remote = *remote
	}
	if *connections > 0 {
		cfg.Connections = *connections
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel >= 0 {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		zl.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metricsServer := serveMetrics(cfg.MetricsAddr, zl)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	switch *mode {
	case "server":
		err = runServer(ctx, cfg, zl, logger)
	case "client":
		err = runClient(ctx, cfg, zl, logger, "")
	case "both":
		err = runBoth(ctx, cfg, zl, logger)
	default:
		zl.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
	if err != nil {
		zl.Error().Err(err).Msg("chat stopped with error")
		os.Exit(1)
	}
}

// serveMetrics публикует метрики rlsocket по HTTP на /metrics.
func serveMetrics(addr string, zl zerolog.Logger) *http.Server {
	rlsocket.RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		zl.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func runServer(ctx context.Context, cfg demoConfig, zl zerolog.Logger, logger rlsocket.Logger) error {
	server, err := newChatServer(cfg, zl, logger)
	if err != nil {
		return err
	}
	if err := server.Startup(ctx); err != nil {
		return err
	}
	zl.Info().Str("addr", server.Addr()).Msg("server is running, press Ctrl+C to stop")

	<-ctx.Done()
	zl.Info().Msg("received shutdown signal")

	if err := server.Shutdown(); err != nil {
		return err
	}
	zl.Info().
		Int64("connections", server.ConnectionCount()).
		Int64("rejected", server.RejectedCount()).
		Msg("server stopped")
	return nil
}

// runClient открывает соединения, отправляет greeting (если задан) и затем строки из stdin.
func runClient(ctx context.Context, cfg demoConfig, zl zerolog.Logger, logger rlsocket.Logger, greeting string) error {
	client, err := newChatClient(cfg, zl, logger, os.Stdout)
	if err != nil {
		return err
	}
	if err := client.Startup(ctx); err != nil {
		return err
	}
	defer client.Shutdown()

	if cfg.Connections == 1 {
		if _, err := client.ConnectRetry(ctx, 5); err != nil {
			return err
		}
	} else if _, err := client.ConnectN(ctx, cfg.Connections); err != nil {
		return err
	}
	if greeting != "" {
		if _, _, err := client.SendNext(ctx, greeting, true); err != nil {
			return err
		}
	}
	zl.Info().Int("connections", client.Pool().Len()).Msg("type messages, Ctrl+D to quit")

	return runChat(ctx, client, os.Stdin, zl)
}

// runBoth поднимает сервер и клиента в одном процессе и обменивается приветствием.
func runBoth(ctx context.Context, cfg demoConfig, zl zerolog.Logger, logger rlsocket.Logger) error {
	server, err := newChatServer(cfg, zl, logger)
	if err != nil {
		return err
	}
	if err := server.Startup(ctx); err != nil {
		return err
	}
	defer server.Shutdown()

	cfg.Remote = server.Addr()
	return runClient(ctx, cfg, zl, logger, "你好")
}
