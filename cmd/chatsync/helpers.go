package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lumora/chatsync"
)

// envOverrides are applied on top of the config file, so CI and scripts can
// run without touching ~/.chatsync.
type envOverrides struct {
	APIURL      string `env:"CHATSYNC_API_URL"`
	RealtimeURL string `env:"CHATSYNC_RT_URL"`
	Token       string `env:"CHATSYNC_TOKEN"`
	UserID      string `env:"CHATSYNC_USER_ID"`
	Debug       bool   `env:"CHATSYNC_DEBUG"`
}

// settings is the merged CLI configuration.
type settings struct {
	apiURL      string
	realtimeURL string
	token       string
	userID      string
	debug       bool
}

// loadSettings merges the config file with environment overrides.
func loadSettings() (*settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	_ = godotenv.Load()
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}

	s := &settings{
		apiURL:      cfg.Default.APIURL,
		realtimeURL: cfg.Default.RealtimeURL,
		token:       cfg.Auth.Token,
		userID:      cfg.Default.UserID,
		debug:       ov.Debug,
	}
	if ov.APIURL != "" {
		s.apiURL = ov.APIURL
	}
	if ov.RealtimeURL != "" {
		s.realtimeURL = ov.RealtimeURL
	}
	if ov.Token != "" {
		s.token = ov.Token
	}
	if ov.UserID != "" {
		s.userID = ov.UserID
	}

	if s.apiURL == "" {
		return nil, fmt.Errorf("no API URL configured; run 'chatsync config set default.api_url <url>' or set CHATSYNC_API_URL")
	}
	if s.realtimeURL == "" {
		s.realtimeURL = s.apiURL
	}
	if s.token == "" {
		return nil, fmt.Errorf("no token configured; run 'chatsync init <token>' or set CHATSYNC_TOKEN")
	}
	if s.userID == "" {
		return nil, fmt.Errorf("no user id configured; run 'chatsync config set default.user_id <id>' or set CHATSYNC_USER_ID")
	}
	return s, nil
}

// newLogger builds the CLI logger. Debug mode turns on verbose engine logs;
// otherwise only warnings and errors surface.
func newLogger(debug bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// getEngine wires a fully configured engine: REST history client, websocket
// transport, file-backed persistence under ~/.chatsync/state, and the merged
// settings. The persisted snapshot is hydrated before returning.
func getEngine() (*chatsync.Engine, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}

	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	storage, err := chatsync.NewFileStorage(filepath.Join(dir, "state"))
	if err != nil {
		return nil, fmt.Errorf("cannot open state directory: %w", err)
	}

	log := newLogger(s.debug)
	api := chatsync.NewRESTHistory(s.apiURL, chatsync.WithToken(s.token))
	transport := chatsync.NewWSTransport(s.realtimeURL, log)

	engine := chatsync.New(api, transport,
		chatsync.WithLogger(log),
		chatsync.WithStorage(storage),
		chatsync.WithUserID(s.userID),
		chatsync.WithRealtimeToken(s.token),
	)
	engine.Hydrate()
	return engine, nil
}

// findSession resolves a session argument: an exact id, or a direct-peer
// user id shortcut.
func findSession(snap chatsync.Snapshot, arg, selfID string) *chatsync.ChatSession {
	if sess := snap.Session(arg); sess != nil {
		return sess
	}
	return snap.Session(chatsync.DirectSessionID(selfID, arg))
}
