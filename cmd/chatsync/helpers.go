package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/rs/zerolog"
)

const heartbeatInterval = 10 * time.Second

// newLogger builds a console logger on stderr at the configured level.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// getClient creates a request-layer client with the stored token, if any.
func getClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.AccessToken, opts...)
}

// requireLogin fails unless the config carries a usable access token.
func requireLogin(cfg *Config) error {
	if cfg.Auth.AccessToken == "" {
		return fmt.Errorf("not logged in; run 'chatsync login <email>' first")
	}
	if exp, ok := chatsync.CredentialExpiry(cfg.Auth.AccessToken); ok && time.Now().After(exp) {
		return fmt.Errorf("access token expired at %s; run 'chatsync login <email>' again", exp.Format(time.RFC3339))
	}
	return nil
}

// wsURL derives the STOMP endpoint from the config.
func wsURL(cfg *Config) string {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = chatsync.DefaultBaseURL
	}
	return strings.TrimSuffix(strings.TrimRight(base, "/"), "/api") + "/ws-stomp/websocket"
}

// newSession wires a session from the config.
func newSession(cfg *Config) (*chatsync.Session, error) {
	policy, err := chatsync.ParseOfflinePolicy(cfg.Default.OfflinePolicy)
	if err != nil {
		return nil, err
	}
	dialer, err := chatsync.NewWSDialer(wsURL(cfg), heartbeatInterval)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Default.LogLevel)
	return chatsync.NewSession(getClient(cfg), &chatsync.SessionConfig{
		Dialer:        dialer,
		OfflinePolicy: policy,
		Realtime:      chatsync.RealtimeConfig{HeartbeatInterval: heartbeatInterval},
		Logger:        &logger,
	}), nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
