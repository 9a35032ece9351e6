// Package config loads tracker configuration from the environment, an
// optional .env file, and an optional YAML file of watched bot accounts.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultBotHandles are the bot-operated accounts tracked when no bots file
// overrides them.
var defaultBotHandles = []string{
	"news-flows-nl.bsky.social",
	"news-flows-ir.bsky.social",
	"news-flows-cz.bsky.social",
	"news-flows-fr.bsky.social",
}

// Config holds all configuration for the tracker.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string

	// AuditLogPath receives one JSONL entry per database mutation; empty
	// disables audit logging.
	AuditLogPath string

	// FeedgenHost is the ranking-service host serving the subscriber and
	// compliance endpoints.
	FeedgenHost string

	// FeedgenAPIKey authenticates against the ranking service.
	FeedgenAPIKey string

	// AppViewBase is the public AppView for profile and post lookups.
	AppViewBase string

	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL string

	// BotHandles are the tracked bot accounts.
	BotHandles []string

	// HTTPTimeout bounds each outbound request.
	HTTPTimeout time.Duration
}

// botsFile is the YAML shape of the optional bots configuration file.
type botsFile struct {
	Bots []string `yaml:"bots"`
}

// Load reads configuration from the environment, after loading envPath (or
// ./.env when empty) if such a file exists. A botsPath YAML file replaces the
// default bot handle list.
func Load(envPath, botsPath string) (*Config, error) {
	if err := loadEnvFile(envPath); err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabasePath:  envOr("COMPLIANCE_DB_PATH", "bluesky_compliance.db"),
		AuditLogPath:  os.Getenv("COMPLIANCE_AUDIT_LOG"),
		FeedgenHost:   os.Getenv("FEEDGEN_LISTENHOST"),
		FeedgenAPIKey: os.Getenv("PRIORITIZE_API_KEY"),
		AppViewBase:   envOr("BSKY_APPVIEW_URL", "https://public.api.bsky.app"),
		FirehoseURL:   envOr("FIREHOSE_URL", "wss://jetstream1.us-east.bsky.network/subscribe"),
		BotHandles:    defaultBotHandles,
		HTTPTimeout:   30 * time.Second,
	}

	if raw := os.Getenv("COMPLIANCE_HTTP_TIMEOUT_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("invalid COMPLIANCE_HTTP_TIMEOUT_SECONDS: %q", raw)
		}
		cfg.HTTPTimeout = time.Duration(seconds) * time.Second
	}

	if botsPath != "" {
		bots, err := loadBotsFile(botsPath)
		if err != nil {
			return nil, err
		}
		cfg.BotHandles = bots
	}

	return cfg, nil
}

// loadEnvFile loads envPath into the process environment. An explicitly named
// file must exist; the implicit ./.env is optional.
func loadEnvFile(envPath string) error {
	explicit := envPath != ""
	if !explicit {
		envPath = ".env"
	}
	err := godotenv.Load(envPath)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", envPath, err)
}

func loadBotsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bots file: %w", err)
	}
	var file botsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse bots file %s: %w", path, err)
	}
	bots := make([]string, 0, len(file.Bots))
	for _, bot := range file.Bots {
		if bot != "" {
			bots = append(bots, bot)
		}
	}
	if len(bots) == 0 {
		return nil, fmt.Errorf("bots file %s lists no accounts", path)
	}
	return bots, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
