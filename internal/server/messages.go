package server

import (
	"encoding/json"
	"strings"
	"time"
)

// Inbound message kinds. Anything outside this set is dropped on the floor.
const (
	msgJoin         = "join"
	msgChat         = "chat"
	msgReady        = "ready"
	msgRename       = "rename"
	msgSettings     = "settings"
	msgKick         = "kick"
	msgProgress     = "progress"
	msgSubmission   = "submission"
	msgResultsReady = "results-ready"
)

const (
	maxNameLen    = 32
	maxChatLen    = 500
	maxSubstepLen = 64
	minRound      = 1
	maxRound      = 100
	minTimerSec   = 5
	maxTimerSec   = 600
)

// inboundMessage is the superset of all client message shapes; the wire
// format is flat with a "type" discriminator. Pointer fields distinguish
// absent from zero where that matters for validation.
type inboundMessage struct {
	Type string `json:"type"`

	// join / rename
	Name   string `json:"name,omitempty"`
	UserID string `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`

	// chat
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// ready / results-ready
	Ready *bool `json:"ready,omitempty"`

	// settings
	TimerSeconds *int    `json:"timerSeconds,omitempty"`
	TimerEnabled *bool   `json:"timerEnabled,omitempty"`
	Mode         *string `json:"mode,omitempty"`
	YearMin      *int    `json:"yearMin,omitempty"`
	YearMax      *int    `json:"yearMax,omitempty"`

	// kick
	TargetID string `json:"targetId,omitempty"`

	// progress / submission / results-ready
	RoundNumber int    `json:"roundNumber,omitempty"`
	Substep     string `json:"substep,omitempty"`
}

// parseInbound unmarshals and shape-validates a client message. A false
// return means the message must be silently discarded (fail-silent policy).
func parseInbound(data []byte) (inboundMessage, bool) {
	var m inboundMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false
	}
	return m, validateInbound(&m)
}

func validateInbound(m *inboundMessage) bool {
	switch m.Type {
	case msgJoin, msgRename:
		m.Name = strings.TrimSpace(m.Name)
		return nameOK(m.Name)
	case msgChat:
		if len(m.Message) < 1 || len(m.Message) > maxChatLen {
			return false
		}
		_, err := time.Parse(time.RFC3339, m.Timestamp)
		return err == nil
	case msgReady:
		return m.Ready != nil
	case msgSettings:
		if m.TimerSeconds != nil && (*m.TimerSeconds < minTimerSec || *m.TimerSeconds > maxTimerSec) {
			return false
		}
		if m.Mode != nil && *m.Mode != ModeSync && *m.Mode != ModeAsync {
			return false
		}
		return true
	case msgKick:
		return m.TargetID != ""
	case msgProgress:
		return roundOK(m.RoundNumber) && len(m.Substep) <= maxSubstepLen
	case msgSubmission:
		return roundOK(m.RoundNumber)
	case msgResultsReady:
		return roundOK(m.RoundNumber) && m.Ready != nil
	default:
		return false
	}
}

func nameOK(name string) bool {
	return len(name) >= 1 && len(name) <= maxNameLen
}

func roundOK(n int) bool {
	return n >= minRound && n <= maxRound
}

func truncateName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > maxNameLen {
		return name[:maxNameLen]
	}
	return name
}

// ============================================================================
// OUTBOUND MESSAGES
// ============================================================================

type playersMessage struct {
	Type    string   `json:"type"`
	Players []string `json:"players"`
}

type rosterEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Host   bool   `json:"host"`
	UserID string `json:"userId,omitempty"`
}

type rosterMessage struct {
	Type    string        `json:"type"`
	Players []rosterEntry `json:"players"`
}

type fullMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type chatBroadcast struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type helloMessage struct {
	Type string      `json:"type"`
	You  rosterEntry `json:"you"`
}

type settingsMessage struct {
	Type         string `json:"type"`
	TimerSeconds int    `json:"timerSeconds"`
	TimerEnabled bool   `json:"timerEnabled"`
	Mode         string `json:"mode"`
	YearMin      *int   `json:"yearMin"`
	YearMax      *int   `json:"yearMax"`
}

type startMessage struct {
	Type               string `json:"type"`
	StartedAt          string `json:"startedAt"`
	DurationSec        int    `json:"durationSec"`
	TimerEnabled       bool   `json:"timerEnabled"`
	AuthoritativeTimer bool   `json:"authoritativeTimer"`
	Seed               string `json:"seed"`
	YearMin            *int   `json:"yearMin,omitempty"`
	YearMax            *int   `json:"yearMax,omitempty"`
}

type progressBroadcast struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	RoundNumber int    `json:"roundNumber"`
	Substep     string `json:"substep,omitempty"`
}

type submissionBroadcast struct {
	Type           string `json:"type"`
	RoundNumber    int    `json:"roundNumber"`
	ConnectionID   string `json:"connectionId"`
	From           string `json:"from"`
	UserID         string `json:"userId,omitempty"`
	SubmittedCount int    `json:"submittedCount"`
	TotalPlayers   int    `json:"totalPlayers"`
	LobbySize      int    `json:"lobbySize"`
}

type roundCompleteBroadcast struct {
	Type           string `json:"type"`
	RoundNumber    int    `json:"roundNumber"`
	SubmittedCount int    `json:"submittedCount"`
	TotalPlayers   int    `json:"totalPlayers"`
	LobbySize      int    `json:"lobbySize"`
}

type resultsReadyBroadcast struct {
	Type         string `json:"type"`
	RoundNumber  int    `json:"roundNumber"`
	ReadyCount   int    `json:"readyCount"`
	TotalPlayers int    `json:"totalPlayers"`
}
