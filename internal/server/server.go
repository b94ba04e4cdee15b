package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	roomSweepInterval = 10 * time.Minute
	roomMaxIdle       = time.Hour
)

type Server struct {
	cfg     Config
	log     zerolog.Logger
	hub     *Hub
	limiter *RateLimiter

	sweepStop chan struct{}
}

// NewServer wires the coordinator and returns it alongside a configured
// http.Server ready to listen.
func NewServer(cfg Config, log zerolog.Logger) (*Server, *http.Server) {
	clock := clockwork.NewRealClock()
	bridge := NewBridge(cfg, log)
	invites := NewInviteValidator(cfg, log)

	s := &Server{
		cfg:       cfg,
		log:       log,
		hub:       NewHub(cfg, log, bridge, invites, clock),
		limiter:   NewRateLimiter(cfg.RateLimitPerSec, time.Second),
		sweepStop: make(chan struct{}),
	}

	go s.sweepTask()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, httpServer
}

// sweepTask periodically collects long-empty rooms and stale rate limit
// entries so neither map grows without bound.
func (s *Server) sweepTask() {
	ticker := time.NewTicker(roomSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.hub.Sweep(roomMaxIdle); n > 0 {
				s.log.Info().Int("rooms", n).Msg("sweep removed idle rooms")
			}
			s.limiter.Cleanup()
		case <-s.sweepStop:
			return
		}
	}
}

// Shutdown stops background work and closes every room.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.sweepStop)
	s.hub.StopAll()
	return nil
}
