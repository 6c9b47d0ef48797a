package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Relay    RelayConfig
	Call     CallConfig
	ICE      ICEConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	// Path of the SQLite file. Empty keeps records in memory.
	Path string
}

type RelayKind string

const (
	RelayWebSocket RelayKind = "ws"
	RelayP2P       RelayKind = "p2p"
)

type RelayConfig struct {
	Kind RelayKind
	// URL of the hub, e.g. ws://localhost:8080/ws.
	URL        string
	AckTimeout time.Duration

	// Per-connection inbound limit enforced by the hub.
	RatePerSecond float64
	RateBurst     int

	P2PListen    []string
	P2PBootstrap []string
}

type CallConfig struct {
	NegotiationTimeout time.Duration
	DisconnectGrace    time.Duration
	PublishAttempts    int
	PublishBackoff     time.Duration
	// APIURL receives call records from clients. Empty disables reporting.
	APIURL string
}

type ICEConfig struct {
	URLs            []string
	Username        string
	Credential      string
	IncludeLoopback bool
}

type LogConfig struct {
	Level string
	// File enables rotated file output next to the console.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getInt("SERVER_PORT", 8080, &errs),
			AllowedOrigins:  getList("SERVER_ALLOWED_ORIGINS", nil),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 5*time.Second, &errs),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/callsig.db"),
		},
		Relay: RelayConfig{
			Kind:          RelayKind(getEnv("RELAY_KIND", string(RelayWebSocket))),
			URL:           getEnv("RELAY_URL", "ws://localhost:8080/ws"),
			AckTimeout:    getDuration("RELAY_ACK_TIMEOUT", 10*time.Second, &errs),
			RatePerSecond: getFloat("RELAY_RATE_PER_SECOND", 50, &errs),
			RateBurst:     getInt("RELAY_RATE_BURST", 100, &errs),
			P2PListen:     getList("RELAY_P2P_LISTEN", []string{"/ip4/0.0.0.0/tcp/0"}),
			P2PBootstrap:  getList("RELAY_P2P_BOOTSTRAP", nil),
		},
		Call: CallConfig{
			NegotiationTimeout: getDuration("CALL_NEGOTIATION_TIMEOUT", 30*time.Second, &errs),
			DisconnectGrace:    getDuration("CALL_DISCONNECT_GRACE", 4*time.Second, &errs),
			PublishAttempts:    getInt("CALL_PUBLISH_ATTEMPTS", 3, &errs),
			PublishBackoff:     getDuration("CALL_PUBLISH_BACKOFF", 200*time.Millisecond, &errs),
			APIURL:             getEnv("CALL_API_URL", ""),
		},
		ICE: ICEConfig{
			URLs:            getList("ICE_URLS", []string{"stun:stun.l.google.com:19302"}),
			Username:        getEnv("ICE_USERNAME", ""),
			Credential:      getEnv("ICE_CREDENTIAL", ""),
			IncludeLoopback: getBool("ICE_INCLUDE_LOOPBACK", false, &errs),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 100, &errs),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 3, &errs),
			MaxAgeDays: getInt("LOG_MAX_AGE_DAYS", 28, &errs),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port)
	case c.Relay.Kind != RelayWebSocket && c.Relay.Kind != RelayP2P:
		return fmt.Errorf("RELAY_KIND must be %q or %q, got %q", RelayWebSocket, RelayP2P, c.Relay.Kind)
	case c.Relay.Kind == RelayWebSocket && c.Relay.URL == "":
		return errors.New("RELAY_URL is required for the ws relay")
	case c.Call.NegotiationTimeout <= 0:
		return errors.New("CALL_NEGOTIATION_TIMEOUT must be positive")
	case c.Call.DisconnectGrace < 0:
		return errors.New("CALL_DISCONNECT_GRACE must not be negative")
	case c.Call.PublishAttempts < 1:
		return errors.New("CALL_PUBLISH_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return f
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return d
}

// getList splits a comma separated value, dropping blanks.
func getList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
