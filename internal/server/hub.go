package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Hub is the arena of rooms: roomID → Room, created lazily on first
// connection. Rooms share nothing with each other; the hub only hands out
// references and sweeps up empty rooms long after everyone left.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	cfg     Config
	log     zerolog.Logger
	bridge  Bridge
	invites *InviteValidator
	clock   clockwork.Clock
}

func NewHub(cfg Config, log zerolog.Logger, bridge Bridge, invites *InviteValidator, clock clockwork.Clock) *Hub {
	return &Hub{
		rooms:   make(map[string]*Room),
		cfg:     cfg,
		log:     log,
		bridge:  bridge,
		invites: invites,
		clock:   clock,
	}
}

func (h *Hub) GetOrCreateRoom(id string) *Room {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r = newRoom(id, h.cfg, h.log, h.bridge, h.invites, h.clock)
	h.rooms[id] = r
	go r.run()
	h.log.Info().Str("room", id).Msg("room created")
	return r
}

// Counts reports room and connection totals for the health endpoint.
func (h *Hub) Counts() (rooms, connections int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.rooms {
		rooms++
		connections += r.ConnCount()
	}
	return rooms, connections
}

// Sweep stops and forgets rooms that have sat empty longer than maxIdle.
// Occupied rooms are never touched; room teardown while anyone is connected
// is not this subsystem's call to make.
func (h *Hub) Sweep(maxIdle time.Duration) int {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, r := range h.rooms {
		idle := r.IdleSince()
		if r.ConnCount() > 0 || idle.IsZero() || now.Sub(idle) < maxIdle {
			continue
		}
		delete(h.rooms, id)
		r.Stop()
		removed++
		h.log.Info().Str("room", id).Msg("idle room swept")
	}
	return removed
}

// StopAll shuts every room down; used on graceful server shutdown.
func (h *Hub) StopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.rooms {
		delete(h.rooms, id)
		r.Stop()
	}
}
