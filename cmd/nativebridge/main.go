package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"nativebridge/internal/bridge"
	"nativebridge/internal/config"
	"nativebridge/internal/jsruntime"
	"nativebridge/internal/logging"
	"nativebridge/internal/metrics"
	"nativebridge/internal/nativehost"
	"nativebridge/internal/session"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("app", cfg.AppName).
		Str("host", cfg.NativeHost.URL).
		Int("databases", len(cfg.Databases)).
		Msg("starting nativebridge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// native events flow host -> ingress -> bridge
	pubSub := bridge.NewIngress(int64(cfg.EventBufferSize), logging.NewWatermillLogger(logger))

	var sess *session.Session
	client := nativehost.New(nativehost.Options{
		URL:               cfg.NativeHost.URL,
		CallTimeout:       cfg.GetCallTimeoutDuration(),
		MessageTimeout:    cfg.GetMessageTimeoutDuration(),
		ReconnectInterval: cfg.GetReconnectIntervalDuration(),
		PingInterval:      cfg.GetPingIntervalDuration(),
		Publisher:         pubSub,
		OnReconnected: func(ctx context.Context) {
			if err := sess.Reconnected(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to restore event subscriptions")
			}
		},
	}, logger)

	sess, err = session.New(cfg, client, pubSub, logger, session.WithMetrics(m))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session")
	}

	if err := client.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to native host")
	}
	if err := sess.Initialize(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize session")
	}

	var metricsSrv *http.Server
	if cfg.IsMetricsEnabled() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.GetMetricsAddr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", metricsSrv.Addr).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if cfg.IsScriptsEnabled() {
		rt := jsruntime.New(jsruntime.Options{
			Databases:        sess,
			CallTimeout:      cfg.GetCallTimeoutDuration(),
			ExecutionTimeout: cfg.GetScriptsTimeoutDuration(),
		}, logger)
		go func() {
			if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("script runtime stopped")
			}
		}()
		if _, err := rt.LoadScripts(ctx, cfg.GetScriptsDirectory()); err != nil {
			logger.Error().Err(err).Msg("failed to load scripts")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := sess.Teardown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during session teardown")
	}
	cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error stopping metrics server")
		}
	}
	if err := client.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing native host connection")
	}
	if err := pubSub.Close(); err != nil {
		logger.Error().Err(err).Msg("error closing event pubsub")
	}
}

func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
