package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// fakeConn records everything the room writes so tests can assert on
// broadcasts without a real websocket.
type fakeConn struct {
	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeConn) isClosed() (bool, websocket.StatusCode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// messagesOfType decodes every recorded frame with the given type field.
func (f *fakeConn) messagesOfType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any
	for _, frame := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("unparseable frame %q: %v", frame, err)
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) lastOfType(t *testing.T, typ string) map[string]any {
	t.Helper()
	msgs := f.messagesOfType(t, typ)
	if len(msgs) == 0 {
		t.Fatalf("no %q message recorded", typ)
	}
	return msgs[len(msgs)-1]
}

// stubBridge is an in-memory Bridge that records calls and serves canned
// responses.
type stubBridge struct {
	mu           sync.Mutex
	profileNames map[string]string
	roomHost     string
	timerStart   TimerStart
	timerErr     error

	upserts     []ParticipantRow
	chats       []ChatRow
	roundStarts []int
	deletes     int
	timerCalls  int
}

func newStubBridge() *stubBridge {
	return &stubBridge{profileNames: make(map[string]string)}
}

func (b *stubBridge) FetchRoomHost(ctx context.Context, roomID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roomHost, nil
}

func (b *stubBridge) FetchProfileName(ctx context.Context, userID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.profileNames[userID], nil
}

func (b *stubBridge) UpsertParticipant(ctx context.Context, roomID string, row ParticipantRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts = append(b.upserts, row)
	return nil
}

func (b *stubBridge) InsertChat(ctx context.Context, roomID string, row ChatRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats = append(b.chats, row)
	return nil
}

func (b *stubBridge) StartTimer(ctx context.Context, timerID string, durationSec int) (TimerStart, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timerCalls++
	if b.timerErr != nil {
		return TimerStart{}, b.timerErr
	}
	return b.timerStart, nil
}

func (b *stubBridge) InsertRoundStart(ctx context.Context, roomID string, round int, startedAt string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roundStarts = append(b.roundStarts, round)
	return nil
}

func (b *stubBridge) DeleteRoundResults(ctx context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	return nil
}

func testConfig() Config {
	return Config{
		MaxPlayers:      2,
		HostGrace:       15 * time.Second,
		RateLimitPerSec: 20,
	}
}

func newTestRoom(cfg Config, bridge Bridge, clock clockwork.Clock) *Room {
	log := zerolog.Nop()
	return newRoom("R1", cfg, log, bridge, NewInviteValidator(cfg, log), clock)
}

// Tests drive the actor synchronously through dispatch; pumpOne waits for
// one event posted by a background goroutine (bridge resolution, timers)
// and applies it.
func pumpOne(t *testing.T, r *Room) {
	t.Helper()
	select {
	case ev := <-r.events:
		r.dispatch(ev)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room event")
	}
}

var connSeq int

func connect(r *Room) (*client, *fakeConn) {
	connSeq++
	fc := &fakeConn{}
	c := &client{id: fmt.Sprintf("conn-%d", connSeq), sock: fc}
	r.dispatch(roomEvent{kind: evConnect, conn: c})
	return c, fc
}

func sendMsg(r *Room, c *client, raw string) {
	r.dispatch(roomEvent{kind: evMessage, conn: c, data: []byte(raw)})
}

func join(r *Room, name string) (*client, *fakeConn) {
	c, fc := connect(r)
	sendMsg(r, c, fmt.Sprintf(`{"type":"join","name":%q}`, name))
	return c, fc
}

// joinAs joins with a stable user id, pumping the async resolution event.
func joinAs(t *testing.T, r *Room, name, userID string) (*client, *fakeConn) {
	t.Helper()
	c, fc := connect(r)
	sendMsg(r, c, fmt.Sprintf(`{"type":"join","name":%q,"userId":%q}`, name, userID))
	pumpOne(t, r)
	return c, fc
}

func disconnect(r *Room, c *client) {
	r.dispatch(roomEvent{kind: evClose, conn: c})
}
