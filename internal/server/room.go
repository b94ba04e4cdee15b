package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Application close codes, in the private 4000 range.
const (
	closeRoomFull       = websocket.StatusCode(4000)
	closeInviteRejected = websocket.StatusCode(4001)
	closeKicked         = websocket.StatusCode(4002)
)

const (
	sendTimeout        = 5 * time.Second
	capacityCloseDelay = 250 * time.Millisecond
	roomEventBuffer    = 256
	substepRoundStart  = "round-start"
)

// Settings are the host-tunable room options.
type Settings struct {
	TimerSeconds int
	TimerEnabled bool
	Mode         string
	YearMin      *int
	YearMax      *int
}

func defaultSettings() Settings {
	return Settings{TimerSeconds: 120, TimerEnabled: true, Mode: ModeSync}
}

// netConn is the slice of *websocket.Conn the room needs; tests substitute
// a recorder.
type netConn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// client is one duplex connection and its display identity. Everything past
// sock/id is owned by the room actor.
type client struct {
	id     string
	sock   netConn
	name   string
	userID string
	joined bool
	ready  bool
}

// key returns the ParticipantKey: the stable identity used for all
// cross-round counting. Connections sharing a stable user id dedupe to one
// participant.
func (c *client) key() string {
	if c.userID != "" {
		return "user:" + c.userID
	}
	return "conn:" + c.id
}

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
	evClose
	evJoinResolved
	evStartResolved
	evHostGraceFired
	evStop
)

type joinResolution struct {
	conn          *client
	name          string
	userID        string
	persistedHost string
}

type startResolution struct {
	seed          string
	startedAt     string
	durationSec   int
	timerEnabled  bool
	authoritative bool
	yearMin       *int
	yearMax       *int
}

type roomEvent struct {
	kind  eventKind
	conn  *client
	data  []byte
	join  joinResolution
	start startResolution
	epoch uint64
}

// Room is the in-memory authority for one match instance. A single goroutine
// (run) owns all mutable state; connects, messages, closes, timer firings
// and bridge-call results all arrive through the events channel, so handlers
// never race each other. Bridge I/O happens off the actor goroutine and
// re-enters as events that re-validate their invariant before acting.
type Room struct {
	id      string
	cfg     Config
	log     zerolog.Logger
	bridge  Bridge
	invites *InviteValidator
	clock   clockwork.Clock

	events chan roomEvent
	done   chan struct{}

	conns        map[string]*client
	hostKey      string
	hostEpoch    uint64
	graceTimer   clockwork.Timer
	started      bool
	startPending bool
	settings     Settings
	rounds       *roundTracker

	connCount atomic.Int64
	idleSince atomic.Int64 // unix seconds; 0 while occupied
}

func newRoom(id string, cfg Config, log zerolog.Logger, bridge Bridge, invites *InviteValidator, clock clockwork.Clock) *Room {
	r := &Room{
		id:       id,
		cfg:      cfg,
		log:      log.With().Str("room", id).Logger(),
		bridge:   bridge,
		invites:  invites,
		clock:    clock,
		events:   make(chan roomEvent, roomEventBuffer),
		done:     make(chan struct{}),
		conns:    make(map[string]*client),
		settings: defaultSettings(),
		rounds:   newRoundTracker(),
	}
	r.idleSince.Store(clock.Now().Unix())
	return r
}

func (r *Room) run() {
	defer close(r.done)
	for ev := range r.events {
		if !r.dispatch(ev) {
			return
		}
	}
}

// dispatch applies one event to room state. It runs only on the actor
// goroutine; returns false when the room should stop.
func (r *Room) dispatch(ev roomEvent) bool {
	switch ev.kind {
	case evConnect:
		r.handleConnect(ev.conn)
	case evMessage:
		r.handleMessage(ev.conn, ev.data)
	case evClose:
		r.removeClient(ev.conn, false)
	case evJoinResolved:
		r.applyJoin(ev.join)
	case evStartResolved:
		r.applyStart(ev.start)
	case evHostGraceFired:
		r.applyHostGrace(ev.epoch)
	case evStop:
		for _, c := range r.conns {
			c.sock.Close(websocket.StatusGoingAway, "room closed")
		}
		return false
	}
	return true
}

func (r *Room) post(ev roomEvent) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// Connect registers a live connection. Identity is bound later by a join
// message.
func (r *Room) Connect(c *client) {
	r.post(roomEvent{kind: evConnect, conn: c})
}

// Message hands an inbound text frame to the room actor.
func (r *Room) Message(c *client, data []byte) {
	r.post(roomEvent{kind: evMessage, conn: c, data: data})
}

// Disconnect unbinds a connection and cascades removal into round, host and
// readiness state. Safe to call for connections already removed (kicks).
func (r *Room) Disconnect(c *client) {
	r.post(roomEvent{kind: evClose, conn: c})
}

// Stop closes every connection and ends the actor. Only the hub's idle sweep
// calls this, and only for empty rooms.
func (r *Room) Stop() {
	r.post(roomEvent{kind: evStop})
}

func (r *Room) ConnCount() int {
	return int(r.connCount.Load())
}

// IdleSince returns when the room last became empty, or the zero time while
// it has connections.
func (r *Room) IdleSince() time.Time {
	v := r.idleSince.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

// ----------------------------------------------------------------------------
// connection lifecycle

func (r *Room) handleConnect(c *client) {
	r.conns[c.id] = c
	r.connCount.Store(int64(len(r.conns)))
	r.idleSince.Store(0)
	r.log.Debug().Str("conn", c.id).Msg("connection registered")
}

// removeClient unbinds a connection and cascades. immediateHost selects the
// kick path (no grace period) over the ordinary-leave grace timer.
func (r *Room) removeClient(c *client, immediateHost bool) {
	if _, ok := r.conns[c.id]; !ok {
		return
	}
	delete(r.conns, c.id)
	r.connCount.Store(int64(len(r.conns)))
	if len(r.conns) == 0 {
		r.idleSince.Store(r.clock.Now().Unix())
	}

	if !c.joined {
		return
	}

	key := c.key()
	stillHeld := r.keyHeld(key)

	if key == r.hostKey && !stillHeld {
		if immediateHost {
			r.reassignHost()
		} else {
			r.armHostGrace()
		}
	}

	if !stillHeld {
		completions, readyChanged := r.rounds.removeParticipant(key, r.uniqueParticipantCount())
		for _, rc := range readyChanged {
			r.broadcast(resultsReadyBroadcast{
				Type:         msgResultsReady,
				RoundNumber:  rc.RoundNumber,
				ReadyCount:   rc.ReadyCount,
				TotalPlayers: rc.TotalPlayers,
			})
		}
		for _, comp := range completions {
			r.broadcastRoundComplete(comp)
		}
	}

	r.broadcastPlayers()
	r.broadcastRoster()
}

// ----------------------------------------------------------------------------
// message dispatch

func (r *Room) handleMessage(c *client, data []byte) {
	if _, ok := r.conns[c.id]; !ok {
		return
	}
	m, ok := parseInbound(data)
	if !ok {
		r.log.Debug().Str("conn", c.id).Msg("dropped invalid message")
		return
	}

	if m.Type == msgJoin {
		r.handleJoin(c, m)
		return
	}

	// Everything else requires a successful join first.
	if !c.joined {
		return
	}

	switch m.Type {
	case msgChat:
		r.handleChat(c, m)
	case msgReady:
		r.handleReady(c, *m.Ready)
	case msgRename:
		r.handleRename(c, m.Name)
	case msgSettings:
		r.handleSettings(c, m)
	case msgKick:
		r.handleKick(c, m.TargetID)
	case msgProgress:
		r.handleProgress(c, m)
	case msgSubmission:
		r.handleSubmission(c, m.RoundNumber)
	case msgResultsReady:
		r.handleResultsReady(c, m.RoundNumber, *m.Ready)
	}
}

// ----------------------------------------------------------------------------
// join

func (r *Room) handleJoin(c *client, m inboundMessage) {
	if c.joined {
		return
	}

	if !r.invites.Validate(m.Token, r.id) {
		// The one case where a rejection message precedes the close.
		r.send(c, fullMessage{Type: "full", Reason: "invite-rejected"})
		c.sock.Close(closeInviteRejected, "invite rejected")
		return
	}

	if r.joinedCount() >= r.cfg.MaxPlayers {
		r.rejectFull(c)
		return
	}

	if m.UserID == "" {
		// No stable identity: nothing to resolve against the bridge.
		r.applyJoin(joinResolution{conn: c, name: m.Name})
		return
	}
	go r.resolveJoin(c, m.Name, m.UserID, r.hostKey == "")
}

// resolveJoin runs off the actor goroutine: it fetches the canonical profile
// name (and, when the room is hostless, the persisted host id) and posts the
// outcome back as an event. Bridge failures fall back to client-supplied
// values.
func (r *Room) resolveJoin(c *client, name, userID string, fetchHost bool) {
	res := joinResolution{conn: c, name: name, userID: userID}

	ctx, cancel := context.WithTimeout(context.Background(), bridgeCallTimeout)
	if profile, err := r.bridge.FetchProfileName(ctx, userID); err != nil {
		r.logBridge("fetch profile", err)
	} else if profile != "" {
		res.name = truncateName(profile)
	}
	cancel()

	if fetchHost {
		ctx, cancel := context.WithTimeout(context.Background(), bridgeCallTimeout)
		if host, err := r.bridge.FetchRoomHost(ctx, r.id); err != nil {
			r.logBridge("fetch room host", err)
		} else {
			res.persistedHost = host
		}
		cancel()
	}

	r.post(roomEvent{kind: evJoinResolved, join: res})
}

// applyJoin binds identity and assigns the host. Room state may have moved
// while the bridge round trip was in flight, so capacity and host state are
// re-checked here rather than trusted from handleJoin.
func (r *Room) applyJoin(res joinResolution) {
	c := res.conn
	if _, ok := r.conns[c.id]; !ok {
		return
	}
	if c.joined {
		return
	}
	if r.joinedCount() >= r.cfg.MaxPlayers {
		r.rejectFull(c)
		return
	}

	c.joined = true
	c.name = res.name
	c.userID = res.userID
	c.ready = false

	if r.hostKey == "" {
		adopted := res.persistedHost != "" && res.persistedHost == res.userID
		r.hostKey = c.key()
		r.hostEpoch++
		if adopted {
			r.log.Info().Str("host", r.hostKey).Msg("adopted persisted host")
		}
	} else if c.key() == r.hostKey {
		// The departed host came back inside the grace period.
		r.cancelHostGrace()
	}

	r.mirrorParticipant(c)
	r.log.Info().Str("conn", c.id).Str("name", c.name).Bool("host", c.key() == r.hostKey).Msg("player joined")

	r.send(c, helloMessage{Type: "hello", You: r.entryFor(c)})
	r.broadcastPlayers()
	r.broadcastRoster()
}

func (r *Room) rejectFull(c *client) {
	r.send(c, fullMessage{Type: "full"})
	// Delay the close so the client can read the rejection.
	sock := c.sock
	r.clock.AfterFunc(capacityCloseDelay, func() {
		sock.Close(closeRoomFull, "room full")
	})
}

// ----------------------------------------------------------------------------
// lobby handlers

func (r *Room) handleChat(c *client, m inboundMessage) {
	r.broadcast(chatBroadcast{Type: msgChat, From: c.name, Message: m.Message, Timestamp: m.Timestamp})
	row := ChatRow{From: c.name, UserID: c.userID, Message: m.Message, Timestamp: m.Timestamp}
	r.goBridge("insert chat", func(ctx context.Context) error {
		return r.bridge.InsertChat(ctx, r.id, row)
	})
}

func (r *Room) handleReady(c *client, ready bool) {
	c.ready = ready
	r.mirrorParticipant(c)
	r.broadcastRoster()
	r.maybeStart()
}

func (r *Room) handleRename(c *client, name string) {
	c.name = name
	r.mirrorParticipant(c)
	r.broadcastPlayers()
	r.broadcastRoster()
}

func (r *Room) handleSettings(c *client, m inboundMessage) {
	if c.key() != r.hostKey {
		return
	}
	if m.TimerSeconds != nil {
		r.settings.TimerSeconds = *m.TimerSeconds
	}
	if m.TimerEnabled != nil {
		r.settings.TimerEnabled = *m.TimerEnabled
	}
	if m.Mode != nil {
		r.settings.Mode = *m.Mode
	}
	if m.YearMin != nil {
		r.settings.YearMin = m.YearMin
	}
	if m.YearMax != nil {
		r.settings.YearMax = m.YearMax
	}
	r.broadcastSettings()
}

func (r *Room) handleKick(c *client, targetID string) {
	if c.key() != r.hostKey {
		return
	}
	target, ok := r.conns[targetID]
	if !ok {
		return
	}
	r.log.Info().Str("conn", targetID).Msg("player kicked")
	target.sock.Close(closeKicked, "kicked by host")
	r.removeClient(target, true)
}

// ----------------------------------------------------------------------------
// rounds

func (r *Room) handleProgress(c *client, m inboundMessage) {
	if m.Substep == substepRoundStart {
		r.rounds.roundStart(m.RoundNumber, c.key(), r.uniqueParticipantCount())
	}
	r.broadcast(progressBroadcast{Type: msgProgress, From: c.name, RoundNumber: m.RoundNumber, Substep: m.Substep})
}

func (r *Room) handleSubmission(c *client, round int) {
	res, applied := r.rounds.submit(round, c.key(), r.uniqueParticipantCount())
	if !applied {
		return
	}
	r.broadcast(submissionBroadcast{
		Type:           msgSubmission,
		RoundNumber:    round,
		ConnectionID:   c.id,
		From:           c.name,
		UserID:         c.userID,
		SubmittedCount: res.SubmittedCount,
		TotalPlayers:   res.TotalPlayers,
		LobbySize:      r.joinedCount(),
	})
	if res.CompletedNow {
		r.broadcastRoundComplete(roundCompletion{
			RoundNumber:    round,
			SubmittedCount: res.SubmittedCount,
			TotalPlayers:   res.TotalPlayers,
		})
	}
}

func (r *Room) handleResultsReady(c *client, round int, ready bool) {
	st := r.rounds.setResultsReady(round, c.key(), ready)
	r.broadcast(resultsReadyBroadcast{
		Type:         msgResultsReady,
		RoundNumber:  st.RoundNumber,
		ReadyCount:   st.ReadyCount,
		TotalPlayers: st.TotalPlayers,
	})
}

// ----------------------------------------------------------------------------
// readiness & start

// maybeStart fires the game start when everyone connected is ready. The
// started/startPending pair guarantees at most one start broadcast no matter
// how ready messages and bridge round trips interleave.
func (r *Room) maybeStart() {
	if r.started || r.startPending {
		return
	}
	joined := 0
	for _, c := range r.conns {
		if !c.joined {
			continue
		}
		if !c.ready {
			return
		}
		joined++
	}
	if joined == 0 {
		return
	}

	r.startPending = true
	res := startResolution{
		seed:         uuid.New().String(),
		startedAt:    r.clock.Now().UTC().Format(time.RFC3339),
		durationSec:  r.settings.TimerSeconds,
		timerEnabled: r.settings.TimerEnabled,
		yearMin:      r.settings.YearMin,
		yearMax:      r.settings.YearMax,
	}

	if r.settings.TimerEnabled && r.cfg.FeatureAuthTimer {
		go r.resolveStartTimer(res)
		return
	}
	r.applyStart(res)
}

// resolveStartTimer negotiates timer authority off the actor goroutine. Any
// failure keeps the locally stamped fallback and authoritative=false.
func (r *Room) resolveStartTimer(res startResolution) {
	ctx, cancel := context.WithTimeout(context.Background(), bridgeCallTimeout)
	defer cancel()

	timerID := fmt.Sprintf("gh:%s:1", r.id)
	ts, err := r.bridge.StartTimer(ctx, timerID, res.durationSec)
	if err != nil {
		r.logBridge("start authoritative timer", err)
	} else {
		res.startedAt = ts.StartedAt
		res.durationSec = ts.DurationSec
		res.authoritative = true
	}
	r.post(roomEvent{kind: evStartResolved, start: res})
}

func (r *Room) applyStart(res startResolution) {
	r.startPending = false
	// Re-check after the bridge suspension: only the first resolution wins.
	if r.started {
		return
	}
	r.started = true

	r.log.Info().Bool("authoritative", res.authoritative).Int("duration", res.durationSec).Msg("game started")
	r.broadcast(startMessage{
		Type:               "start",
		StartedAt:          res.startedAt,
		DurationSec:        res.durationSec,
		TimerEnabled:       res.timerEnabled,
		AuthoritativeTimer: res.authoritative,
		Seed:               res.seed,
		YearMin:            res.yearMin,
		YearMax:            res.yearMax,
	})

	startedAt := res.startedAt
	r.goBridge("reset round results", func(ctx context.Context) error {
		return r.bridge.DeleteRoundResults(ctx, r.id)
	})
	if r.cfg.FeatureRoundPersist {
		r.goBridge("persist round start", func(ctx context.Context) error {
			return r.bridge.InsertRoundStart(ctx, r.id, 1, startedAt)
		})
	}
}

// ----------------------------------------------------------------------------
// queries

func (r *Room) joinedCount() int {
	n := 0
	for _, c := range r.conns {
		if c.joined {
			n++
		}
	}
	return n
}

func (r *Room) uniqueParticipantCount() int {
	keys := make(map[string]struct{}, len(r.conns))
	for _, c := range r.conns {
		if c.joined {
			keys[c.key()] = struct{}{}
		}
	}
	return len(keys)
}

func (r *Room) keyHeld(key string) bool {
	for _, c := range r.conns {
		if c.joined && c.key() == key {
			return true
		}
	}
	return false
}

func (r *Room) entryFor(c *client) rosterEntry {
	return rosterEntry{
		ID:     c.id,
		Name:   c.name,
		Ready:  c.ready,
		Host:   c.key() == r.hostKey,
		UserID: c.userID,
	}
}

// ----------------------------------------------------------------------------
// outbound

func (r *Room) send(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode outbound message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
		r.log.Debug().Err(err).Str("conn", c.id).Msg("write failed")
	}
}

func (r *Room) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode broadcast")
		return
	}
	for _, c := range r.conns {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
			r.log.Debug().Err(err).Str("conn", c.id).Msg("broadcast write failed")
		}
		cancel()
	}
}

func (r *Room) broadcastPlayers() {
	names := make([]string, 0, len(r.conns))
	for _, c := range r.conns {
		if c.joined {
			names = append(names, c.name)
		}
	}
	r.broadcast(playersMessage{Type: "players", Players: names})
}

func (r *Room) broadcastRoster() {
	entries := make([]rosterEntry, 0, len(r.conns))
	for _, c := range r.conns {
		if c.joined {
			entries = append(entries, r.entryFor(c))
		}
	}
	r.broadcast(rosterMessage{Type: "roster", Players: entries})
}

func (r *Room) broadcastSettings() {
	r.broadcast(settingsMessage{
		Type:         msgSettings,
		TimerSeconds: r.settings.TimerSeconds,
		TimerEnabled: r.settings.TimerEnabled,
		Mode:         r.settings.Mode,
		YearMin:      r.settings.YearMin,
		YearMax:      r.settings.YearMax,
	})
}

func (r *Room) broadcastRoundComplete(comp roundCompletion) {
	r.broadcast(roundCompleteBroadcast{
		Type:           "round-complete",
		RoundNumber:    comp.RoundNumber,
		SubmittedCount: comp.SubmittedCount,
		TotalPlayers:   comp.TotalPlayers,
		LobbySize:      r.joinedCount(),
	})
}

// ----------------------------------------------------------------------------
// bridge plumbing

// goBridge runs a fire-and-forget bridge call off the actor goroutine.
// Failures are logged and swallowed; nothing here gates room state.
func (r *Room) goBridge(op string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), bridgeCallTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logBridge(op, err)
		}
	}()
}

func (r *Room) logBridge(op string, err error) {
	if errors.Is(err, errBridgeDisabled) {
		r.log.Debug().Str("op", op).Msg("bridge call skipped")
		return
	}
	r.log.Warn().Err(err).Str("op", op).Msg("bridge call failed")
}

func (r *Room) mirrorParticipant(c *client) {
	row := ParticipantRow{
		UserID:       c.userID,
		ConnectionID: c.id,
		DisplayName:  c.name,
		IsHost:       c.key() == r.hostKey,
		Ready:        c.ready,
	}
	r.goBridge("upsert participant", func(ctx context.Context) error {
		return r.bridge.UpsertParticipant(ctx, r.id, row)
	})
}
