package server

import (
	"fmt"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rosterHostID(t *testing.T, fc *fakeConn) string {
	t.Helper()
	roster := fc.lastOfType(t, "roster")
	for _, e := range roster["players"].([]any) {
		entry := e.(map[string]any)
		if entry["host"] == true {
			return entry["id"].(string)
		}
	}
	return ""
}

func TestHost_KickClosesAndReassignsImmediately(t *testing.T) {
	r := newTestRoom(testConfig(), newStubBridge(), clockwork.NewFakeClock())
	a, fca := join(r, "Alice")
	b, fcb := join(r, "Bob")

	sendMsg(r, a, fmt.Sprintf(`{"type":"kick","targetId":%q}`, b.id))

	closed, code := fcb.isClosed()
	require.True(t, closed)
	assert.Equal(t, closeKicked, code)

	roster := fca.lastOfType(t, "roster")
	require.Len(t, roster["players"].([]any), 1)
	assert.Equal(t, a.id, rosterHostID(t, fca))
}

func TestHost_NonHostKickIgnored(t *testing.T) {
	r := newTestRoom(testConfig(), newStubBridge(), clockwork.NewFakeClock())
	a, fca := join(r, "Alice")
	b, _ := join(r, "Bob")

	sendMsg(r, b, fmt.Sprintf(`{"type":"kick","targetId":%q}`, a.id))
	closed, _ := fca.isClosed()
	assert.False(t, closed)
	assert.Equal(t, 2, r.joinedCount())
}

func TestHost_SelfKickReassignsWithoutGrace(t *testing.T) {
	r := newTestRoom(testConfig(), newStubBridge(), clockwork.NewFakeClock())
	a, _ := join(r, "Alice")
	b, fcb := join(r, "Bob")

	// A kicked host is replaced on the spot; no grace period applies.
	sendMsg(r, a, fmt.Sprintf(`{"type":"kick","targetId":%q}`, a.id))
	assert.Equal(t, b.id, rosterHostID(t, fcb))
}

func TestHost_GraceTimerReassignsAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(testConfig(), newStubBridge(), clock)
	a, _ := joinAs(t, r, "Alice", "u1")
	b, fcb := join(r, "Bob")

	disconnect(r, a)

	// Inside the grace window nobody holds host visibly.
	assert.Equal(t, "", rosterHostID(t, fcb))

	clock.Advance(r.cfg.HostGrace)
	pumpOne(t, r)

	assert.Equal(t, b.id, rosterHostID(t, fcb))
}

func TestHost_ReturnInsideGraceKeepsHost(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(testConfig(), newStubBridge(), clock)
	a, _ := joinAs(t, r, "Alice", "u1")
	join(r, "Bob")

	disconnect(r, a)

	// Same stable identity reconnects before the timer fires.
	_, fca2 := joinAs(t, r, "Alice", "u1")
	hello := fca2.lastOfType(t, "hello")
	assert.Equal(t, true, hello["you"].(map[string]any)["host"])

	// The canceled timer must not fire; drain defensively and re-check.
	clock.Advance(r.cfg.HostGrace)
	select {
	case ev := <-r.events:
		r.dispatch(ev)
	default:
	}
	assert.Equal(t, "user:u1", r.hostKey)
}

func TestHost_StaleGraceEpochIsNoOp(t *testing.T) {
	r := newTestRoom(testConfig(), newStubBridge(), clockwork.NewFakeClock())
	joinAs(t, r, "Alice", "u1")
	join(r, "Bob")

	before := r.hostKey
	r.dispatch(roomEvent{kind: evHostGraceFired, epoch: r.hostEpoch - 1})
	assert.Equal(t, before, r.hostKey)
}

func TestHost_LastLeaverLeavesRoomHostless(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRoom(testConfig(), newStubBridge(), clock)
	a, _ := join(r, "Alice")

	disconnect(r, a)
	clock.Advance(r.cfg.HostGrace)
	pumpOne(t, r)
	assert.Equal(t, "", r.hostKey)

	// The next joiner claims host.
	_, fc := join(r, "Bob")
	hello := fc.lastOfType(t, "hello")
	assert.Equal(t, true, hello["you"].(map[string]any)["host"])
}

func TestHost_SecondTabKeepsHostAcrossFirstTabClose(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 4
	r := newTestRoom(cfg, newStubBridge(), clockwork.NewFakeClock())
	a, _ := joinAs(t, r, "Alice", "u1")
	joinAs(t, r, "Alice", "u1")
	_, fcb := join(r, "Bob")

	// One of the host's two connections closes; the key is still held, so
	// no grace timer arms and host does not move.
	disconnect(r, a)
	assert.Equal(t, "user:u1", r.hostKey)
	assert.NotEqual(t, "", rosterHostID(t, fcb))
}
