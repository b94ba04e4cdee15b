package server

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultMaxPlayers = 2
	hardMaxPlayers    = 8

	// Secrets left at this value are treated as unset so fresh checkouts
	// don't silently lock everyone out of their rooms.
	placeholderSecret = "changeme"
)

// Config carries every tunable the coordinator reads from the environment.
// All fields have safe defaults; the server must boot with nothing set.
type Config struct {
	Port       int
	MaxPlayers int

	InviteSecret string
	InviteBypass bool

	FeatureAuthTimer    bool
	FeatureRoundPersist bool
	ServiceAccountID    string

	StoreURL string
	StoreKey string

	HostGrace       time.Duration
	RateLimitPerSec int

	LogPretty bool
}

func LoadConfig() Config {
	cfg := Config{
		Port:                envInt("PORT", 8080),
		MaxPlayers:          envInt("MAX_PLAYERS", defaultMaxPlayers),
		InviteSecret:        os.Getenv("INVITE_SECRET"),
		InviteBypass:        envBool("INVITE_BYPASS", false),
		FeatureAuthTimer:    envBool("FEATURE_AUTH_TIMER", false),
		FeatureRoundPersist: envBool("FEATURE_ROUND_PERSIST", false),
		ServiceAccountID:    os.Getenv("SERVICE_ACCOUNT_ID"),
		StoreURL:            os.Getenv("STORE_URL"),
		StoreKey:            os.Getenv("STORE_KEY"),
		HostGrace:           time.Duration(envInt("HOST_GRACE_SECONDS", 15)) * time.Second,
		RateLimitPerSec:     envInt("RATE_LIMIT_PER_SEC", 20),
		LogPretty:           envBool("LOG_PRETTY", false),
	}

	if cfg.MaxPlayers < 1 {
		cfg.MaxPlayers = 1
	}
	if cfg.MaxPlayers > hardMaxPlayers {
		cfg.MaxPlayers = hardMaxPlayers
	}
	if cfg.InviteSecret == placeholderSecret {
		cfg.InviteSecret = ""
	}

	return cfg
}

// InviteEnforced reports whether join requests must carry a signed token.
func (c Config) InviteEnforced() bool {
	return !c.InviteBypass && c.InviteSecret != ""
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
