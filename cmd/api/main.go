package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lobby-server/internal/server"
)

func gracefulShutdown(coordinator *server.Server, httpServer *http.Server, log zerolog.Logger, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, press Ctrl+C again to force")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := coordinator.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("coordinator shutdown incomplete")
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server forced to shut down")
	}

	done <- true
}

func main() {
	cfg := server.LoadConfig()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.LogPretty {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	coordinator, httpServer := server.NewServer(cfg, log)

	done := make(chan bool, 1)
	go gracefulShutdown(coordinator, httpServer, log, done)

	log.Info().Int("port", cfg.Port).Msg("lobby coordinator listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server error")
	}

	<-done
	log.Info().Msg("graceful shutdown complete")
}
