// Package config loads relay server and client configuration from
// environment variables, following the getEnv/getEnvAsInt loader pattern
// used throughout this codebase's ambient plumbing, plus an optional .env
// file read at startup via godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nattun/relay/internal/protocol"
)

// NetworkConfig describes the address the server binds its control listener
// to.
type NetworkConfig struct {
	BindAddr       string
	Port           int
	MaxConnections int
}

// TlsConfig points at the server's certificate material.
type TlsConfig struct {
	CertPath     string
	KeyPath      string
	CAPath       string
	VerifyClient bool
}

// AuthConfig holds the set of tokens the server accepts in Auth messages,
// plus the per-token client cap.
type AuthConfig struct {
	Tokens             []string
	RequireAuth        bool
	MaxClientsPerToken int // 0 means unlimited
}

// LimitsConfig holds the per-client/per-tunnel resource quotas enforced at
// admission time and swept periodically.
type LimitsConfig struct {
	MaxTunnelsPerClient     int
	MaxBandwidthMbps        int // 0 means unlimited
	MaxConnectionsPerTunnel int
	ConnectionTimeout       time.Duration
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level string
}

// ServerConfig is the full configuration of the relay server binary.
type ServerConfig struct {
	Network NetworkConfig
	TLS     TlsConfig
	Auth    AuthConfig
	Limits  LimitsConfig
	Logging LoggingConfig

	// RedisURL/RedisAddr, when non-empty, enable the audit queue (see
	// internal/auditqueue). Empty disables it: tunnel lifecycle events are
	// only logged, never enqueued.
	RedisURL  string
	RedisAddr string // host:port form, for asynq.RedisClientOpt
}

// LoadServerConfig reads a ServerConfig from the environment, loading a
// .env file first if one is present in the working directory.
func LoadServerConfig() (*ServerConfig, error) {
	_ = godotenv.Load()

	cfg := &ServerConfig{
		Network: NetworkConfig{
			BindAddr:       getEnv("RELAY_BIND_ADDR", "0.0.0.0"),
			Port:           getEnvAsInt("RELAY_PORT", 7000),
			MaxConnections: getEnvAsInt("RELAY_MAX_CONNECTIONS", 1000),
		},
		TLS: TlsConfig{
			CertPath:     getEnv("RELAY_TLS_CERT", "server.crt"),
			KeyPath:      getEnv("RELAY_TLS_KEY", "server.key"),
			CAPath:       getEnv("RELAY_TLS_CA", ""),
			VerifyClient: getEnvAsBool("RELAY_TLS_VERIFY_CLIENT", false),
		},
		Auth: AuthConfig{
			Tokens:             getEnvAsSlice("RELAY_TOKENS", nil),
			RequireAuth:        getEnvAsBool("RELAY_REQUIRE_AUTH", true),
			MaxClientsPerToken: getEnvAsInt("RELAY_MAX_CLIENTS_PER_TOKEN", 10),
		},
		Limits: LimitsConfig{
			MaxTunnelsPerClient:     getEnvAsInt("RELAY_MAX_TUNNELS_PER_CLIENT", 10),
			MaxBandwidthMbps:        getEnvAsInt("RELAY_MAX_BANDWIDTH_MBPS", 0),
			MaxConnectionsPerTunnel: getEnvAsInt("RELAY_MAX_CONNECTIONS_PER_TUNNEL", 100),
			ConnectionTimeout:       time.Duration(getEnvAsInt("RELAY_CONNECTION_TIMEOUT_SECS", 300)) * time.Second,
		},
		Logging: LoggingConfig{
			Level: getEnv("RELAY_LOG_LEVEL", "info"),
		},
		RedisURL: getEnv("RELAY_REDIS_URL", ""),
	}

	if cfg.RedisURL != "" {
		cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)
	}

	if cfg.Auth.RequireAuth && len(cfg.Auth.Tokens) == 0 {
		return nil, fmt.Errorf("config: RELAY_TOKENS is required when RELAY_REQUIRE_AUTH is true")
	}

	return cfg, nil
}

// ServerConnectionConfig tells the client how to reach and authenticate to
// a relay server.
type ServerConnectionConfig struct {
	Addr              string
	Port              int
	Token             string
	ClientID          string
	AutoReconnect     bool
	ReconnectInterval time.Duration
	TlsVerify         bool
}

// TunnelConfig describes one tunnel the client should open, either at
// startup (AutoStart) or on demand.
type TunnelConfig struct {
	Name       string
	LocalPort  uint16
	RemotePort *uint16
	Protocol   protocol.TunnelProtocol
	AutoStart  bool
}

// ClientConfig is the full configuration of the relay client binary.
type ClientConfig struct {
	Server  ServerConnectionConfig
	Tunnels []TunnelConfig
	Logging LoggingConfig
}

// LoadClientConfig reads a ClientConfig from the environment. Tunnel
// definitions are not loaded from the environment — there is no natural
// env-var encoding for a list of structs — callers pass them on the command
// line and append to cfg.Tunnels.
func LoadClientConfig() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		Server: ServerConnectionConfig{
			Addr:              getEnv("RELAY_SERVER_ADDR", "localhost"),
			Port:              getEnvAsInt("RELAY_SERVER_PORT", 7000),
			Token:             getEnv("RELAY_TOKEN", ""),
			ClientID:          getEnv("RELAY_CLIENT_ID", ""),
			AutoReconnect:     getEnvAsBool("RELAY_AUTO_RECONNECT", true),
			ReconnectInterval: time.Duration(getEnvAsInt("RELAY_RECONNECT_INTERVAL_SECS", 5)) * time.Second,
			TlsVerify:         getEnvAsBool("RELAY_TLS_VERIFY", true),
		},
		Logging: LoggingConfig{
			Level: getEnv("RELAY_LOG_LEVEL", "info"),
		},
	}

	if cfg.Server.Token == "" {
		return nil, fmt.Errorf("config: RELAY_TOKEN is required")
	}
	if cfg.Server.ClientID == "" {
		return nil, fmt.Errorf("config: RELAY_CLIENT_ID is required")
	}
	if !cfg.Server.TlsVerify {
		fmt.Fprintln(os.Stderr, "[config] WARNING: RELAY_TLS_VERIFY=false, TLS certificate verification is disabled")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseRedisAddr extracts host:port from a redis:// URL.
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")

	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}

	return addr
}
