package server

import (
	"context"
	"strings"
)

// Host assignment state machine. At most one ParticipantKey holds host at a
// time. A kicked host is replaced immediately; a host that merely
// disconnects gets a grace period to come back before the room moves on.
// The grace timer is epoch-guarded: every host transition bumps hostEpoch,
// so a fire event armed under an older epoch is a no-op even if it was
// already in flight when the host returned.

func (r *Room) armHostGrace() {
	r.hostEpoch++
	epoch := r.hostEpoch
	r.stopGraceTimer()
	r.log.Info().Str("host", r.hostKey).Dur("grace", r.cfg.HostGrace).Msg("host left, grace timer armed")
	r.graceTimer = r.clock.AfterFunc(r.cfg.HostGrace, func() {
		r.post(roomEvent{kind: evHostGraceFired, epoch: epoch})
	})
}

func (r *Room) cancelHostGrace() {
	r.hostEpoch++
	r.stopGraceTimer()
	r.log.Info().Str("host", r.hostKey).Msg("host returned, reassignment canceled")
}

func (r *Room) stopGraceTimer() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}

// applyHostGrace runs when the grace timer fires. Stale epochs and a host
// that is present again are both no-ops; timers are re-validated at fire
// time, never blindly executed.
func (r *Room) applyHostGrace(epoch uint64) {
	if epoch != r.hostEpoch {
		return
	}
	if r.keyHeld(r.hostKey) {
		return
	}
	r.reassignHost()
	r.broadcastRoster()
}

// reassignHost hands host to the next remaining joined participant, in live
// connection map iteration order. With nobody left the room goes hostless.
func (r *Room) reassignHost() {
	prev := r.hostKey
	r.hostEpoch++
	r.stopGraceTimer()

	var next *client
	for _, c := range r.conns {
		if c.joined {
			next = c
			break
		}
	}
	if next == nil {
		r.hostKey = ""
		r.log.Info().Str("prev", prev).Msg("host departed, room hostless")
		return
	}

	r.hostKey = next.key()
	r.log.Info().Str("prev", prev).Str("host", r.hostKey).Msg("host reassigned")
	r.mirrorHostChange(prev, next)
}

// mirrorHostChange pushes is_host flips to the backing service, best-effort.
func (r *Room) mirrorHostChange(prevKey string, next *client) {
	if prevKey != "" && prevKey != next.key() {
		prevRow := rowForKey(prevKey)
		prevRow.IsHost = false
		r.goBridge("clear previous host", func(ctx context.Context) error {
			return r.bridge.UpsertParticipant(ctx, r.id, prevRow)
		})
	}
	r.mirrorParticipant(next)
}

// rowForKey reconstructs a participant row from a ParticipantKey alone, for
// participants who are no longer connected.
func rowForKey(key string) ParticipantRow {
	if id, ok := strings.CutPrefix(key, "user:"); ok {
		return ParticipantRow{UserID: id}
	}
	id, _ := strings.CutPrefix(key, "conn:")
	return ParticipantRow{ConnectionID: id}
}
