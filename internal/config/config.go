package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Send strategies. SendOrdered persists before broadcasting so the
// broadcast carries the durable message id. SendParallel issues both legs
// at once, matching the behaviour of the web client.
const (
	SendOrdered  = "ordered"
	SendParallel = "parallel"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// REST collaborator base URL, e.g. https://api.example.com/api
	APIURL string `env:"CHAT_API_URL"`

	// Push channel websocket URL, e.g. wss://push.example.com/socket
	WSURL string `env:"CHAT_WS_URL"`

	// Participant identifier of the local user. Falls back to the value
	// stored by `chat-sync set-token` when empty.
	ParticipantID string `env:"CHAT_PARTICIPANT_ID"`

	// Static credential. When empty the token stored in the state
	// database is read on every request instead.
	Token string `env:"CHAT_TOKEN"`

	// Location of the bbolt state database. Defaults to
	// ~/.chat-sync/state.db.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Upper bound for every network call made by the sync core.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	SendStrategy string `env:"SEND_STRATEGY" envDefault:"ordered"`

	// Environment controls log format; production also requires TLS URLs.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MCP bridge settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeyHash string `env:"MCP_API_KEY_HASH"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		absPath, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	apiSchemes, wsSchemes := []string{"http", "https"}, []string{"ws", "wss"}
	if c.IsProduction() {
		apiSchemes, wsSchemes = []string{"https"}, []string{"wss"}
	}

	if err := checkURL(c.APIURL, apiSchemes...); err != nil {
		return fmt.Errorf("CHAT_API_URL: %w", err)
	}

	if c.WSURL == "" {
		return fmt.Errorf("CHAT_WS_URL is required")
	}

	if err := checkURL(c.WSURL, wsSchemes...); err != nil {
		return fmt.Errorf("CHAT_WS_URL: %w", err)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if c.SendStrategy != SendOrdered && c.SendStrategy != SendParallel {
		return fmt.Errorf("SEND_STRATEGY must be %q or %q, got %q", SendOrdered, SendParallel, c.SendStrategy)
	}

	if c.EnableMCP && c.MCPAPIKeyHash == "" {
		return fmt.Errorf("MCP_API_KEY_HASH is required when MCP is enabled")
	}

	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}

	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
