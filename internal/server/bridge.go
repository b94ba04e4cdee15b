package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Bridge is the persistence/timer backing service as seen from a room. Every
// call is best-effort: failures are logged by the caller and treated as
// no-ops, never surfaced to players and never allowed to block a broadcast.
type Bridge interface {
	// FetchRoomHost returns the stable user id persisted as host for a room.
	FetchRoomHost(ctx context.Context, roomID string) (string, error)
	// FetchProfileName returns the canonical display name for a stable user id.
	FetchProfileName(ctx context.Context, userID string) (string, error)
	UpsertParticipant(ctx context.Context, roomID string, row ParticipantRow) error
	InsertChat(ctx context.Context, roomID string, row ChatRow) error
	// StartTimer runs the authoritative-timer RPC for a canonical timer id.
	StartTimer(ctx context.Context, timerID string, durationSec int) (TimerStart, error)
	InsertRoundStart(ctx context.Context, roomID string, round int, startedAt string) error
	DeleteRoundResults(ctx context.Context, roomID string) error
}

type ParticipantRow struct {
	UserID       string `json:"user_id,omitempty"`
	ConnectionID string `json:"connection_id"`
	DisplayName  string `json:"display_name"`
	IsHost       bool   `json:"is_host"`
	Ready        bool   `json:"ready"`
}

type ChatRow struct {
	From      string `json:"from"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type TimerStart struct {
	StartedAt   string `json:"started_at"`
	DurationSec int    `json:"duration_sec"`
}

// errBridgeDisabled marks calls against an unconfigured backing service.
// Rooms treat it like any other bridge failure, just quieter in the logs.
var errBridgeDisabled = errors.New("bridge disabled: no store URL configured")

const bridgeCallTimeout = 3 * time.Second

// StoreClient talks to the REST-like backing service. The coordinator only
// ever consumes this API; it owns none of the data behind it.
type StoreClient struct {
	baseURL   string
	key       string
	accountID string
	client    *http.Client
	log       zerolog.Logger
}

// NewBridge returns a StoreClient when a store URL is configured and a
// disabled stub otherwise, so callers never need a nil check.
func NewBridge(cfg Config, log zerolog.Logger) Bridge {
	if cfg.StoreURL == "" {
		return disabledBridge{}
	}
	return &StoreClient{
		baseURL:   cfg.StoreURL,
		key:       cfg.StoreKey,
		accountID: cfg.ServiceAccountID,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
	}
}

func (c *StoreClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("store returned status %d: %s", resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read store response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed store response: %w", err)
	}
	return nil
}

func (c *StoreClient) FetchRoomHost(ctx context.Context, roomID string) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/host", nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.UserID, nil
}

func (c *StoreClient) FetchProfileName(ctx context.Context, userID string) (string, error) {
	var resp struct {
		DisplayName string `json:"display_name"`
	}
	err := c.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(userID), nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

func (c *StoreClient) UpsertParticipant(ctx context.Context, roomID string, row ParticipantRow) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/participants", row, nil)
}

func (c *StoreClient) InsertChat(ctx context.Context, roomID string, row ChatRow) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/chat", row, nil)
}

func (c *StoreClient) StartTimer(ctx context.Context, timerID string, durationSec int) (TimerStart, error) {
	req := struct {
		TimerID     string `json:"timer_id"`
		DurationSec int    `json:"duration_sec"`
		AccountID   string `json:"account_id,omitempty"`
	}{TimerID: timerID, DurationSec: durationSec, AccountID: c.accountID}

	var resp TimerStart
	if err := c.do(ctx, http.MethodPost, "/rpc/start-timer", req, &resp); err != nil {
		return TimerStart{}, err
	}
	if resp.StartedAt == "" || resp.DurationSec <= 0 {
		return TimerStart{}, fmt.Errorf("malformed timer response: %+v", resp)
	}
	return resp, nil
}

func (c *StoreClient) InsertRoundStart(ctx context.Context, roomID string, round int, startedAt string) error {
	body := struct {
		Round     int    `json:"round"`
		StartedAt string `json:"started_at"`
	}{Round: round, StartedAt: startedAt}
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/rounds", body, nil)
}

func (c *StoreClient) DeleteRoundResults(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(roomID)+"/results", nil, nil)
}

type disabledBridge struct{}

func (disabledBridge) FetchRoomHost(context.Context, string) (string, error) {
	return "", errBridgeDisabled
}

func (disabledBridge) FetchProfileName(context.Context, string) (string, error) {
	return "", errBridgeDisabled
}

func (disabledBridge) UpsertParticipant(context.Context, string, ParticipantRow) error {
	return errBridgeDisabled
}

func (disabledBridge) InsertChat(context.Context, string, ChatRow) error {
	return errBridgeDisabled
}

func (disabledBridge) StartTimer(context.Context, string, int) (TimerStart, error) {
	return TimerStart{}, errBridgeDisabled
}

func (disabledBridge) InsertRoundStart(context.Context, string, int, string) error {
	return errBridgeDisabled
}

func (disabledBridge) DeleteRoundResults(context.Context, string) error {
	return errBridgeDisabled
}
