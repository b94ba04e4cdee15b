package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid join", `{"type":"join","name":"Alice"}`, true},
		{"join with whitespace name", `{"type":"join","name":"   "}`, false},
		{"join name too long", `{"type":"join","name":"` + strings.Repeat("x", 33) + `"}`, false},
		{"not json", `{{{`, false},
		{"unknown type", `{"type":"teleport"}`, false},
		{"missing type", `{"name":"Alice"}`, false},
		{"valid chat", `{"type":"chat","message":"hi","timestamp":"2026-01-02T15:04:05Z"}`, true},
		{"chat empty message", `{"type":"chat","message":"","timestamp":"2026-01-02T15:04:05Z"}`, false},
		{"chat too long", `{"type":"chat","message":"` + strings.Repeat("x", 501) + `","timestamp":"2026-01-02T15:04:05Z"}`, false},
		{"chat bad timestamp", `{"type":"chat","message":"hi","timestamp":"yesterday"}`, false},
		{"ready without flag", `{"type":"ready"}`, false},
		{"ready valid", `{"type":"ready","ready":false}`, true},
		{"settings empty is fine", `{"type":"settings"}`, true},
		{"settings timer too short", `{"type":"settings","timerSeconds":4}`, false},
		{"settings timer too long", `{"type":"settings","timerSeconds":601}`, false},
		{"settings bad mode", `{"type":"settings","mode":"turbo"}`, false},
		{"settings async mode", `{"type":"settings","mode":"async"}`, true},
		{"kick without target", `{"type":"kick"}`, false},
		{"kick valid", `{"type":"kick","targetId":"c1"}`, true},
		{"progress round zero", `{"type":"progress","roundNumber":0,"substep":"round-start"}`, false},
		{"progress round too high", `{"type":"progress","roundNumber":101}`, false},
		{"progress substep too long", `{"type":"progress","roundNumber":1,"substep":"` + strings.Repeat("x", 65) + `"}`, false},
		{"progress valid", `{"type":"progress","roundNumber":1,"substep":"round-start"}`, true},
		{"submission valid", `{"type":"submission","roundNumber":1}`, true},
		{"submission round zero", `{"type":"submission","roundNumber":0}`, false},
		{"results-ready without flag", `{"type":"results-ready","roundNumber":1}`, false},
		{"results-ready valid", `{"type":"results-ready","roundNumber":1,"ready":true}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := parseInbound([]byte(tc.raw))
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestParseInbound_TrimsJoinName(t *testing.T) {
	m, ok := parseInbound([]byte(`{"type":"join","name":"  Alice  "}`))
	require.True(t, ok)
	assert.Equal(t, "Alice", m.Name)
}

func TestTruncateName(t *testing.T) {
	assert.Equal(t, "Alice", truncateName("  Alice  "))
	long := strings.Repeat("x", 40)
	assert.Len(t, truncateName(long), maxNameLen)
}
