package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// CoordinatorConfig configures the pairing and challenge coordinator.
type CoordinatorConfig struct {
	Listen             string
	DBPath             string
	PublicBaseURL      string
	TokenPepper        string
	BiometricBaseURL   string
	BiometricAPIKey    string
	BiometricJWTSecret string
	LogLevel           string
	PprofAddr          string
	RequestTimeout     time.Duration
	MaxBodyBytes       int64
	ChallengeTTL       time.Duration
	PairingTTL         time.Duration
	RegTokenTTL        time.Duration
	SessionTTL         time.Duration
	RegistrationWindow time.Duration
	PushTimeout        time.Duration
	DevicePingTimeout  time.Duration
	HeartbeatInterval  time.Duration
	CleanupInterval    time.Duration
}

// KeyManagerConfig configures the key-manager vault server.
type KeyManagerConfig struct {
	Listen         string
	DBPath         string
	CoordinatorURL string
	MasterKeyHex   string
	LogLevel       string
	PprofAddr      string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

const defaultChallengeTTL = 120 * time.Second
const defaultPairingTTL = 120 * time.Second
const defaultSessionTTL = 12 * time.Hour
const defaultRegistrationWindow = time.Hour
const defaultDevicePingTimeout = 12 * time.Minute
const defaultHeartbeatInterval = 30 * time.Second
const defaultCleanupInterval = time.Minute
const defaultCoordinatorListen = ":10800"
const defaultCoordinatorDBPath = "./keyvouch.db"
const defaultKeyManagerListen = ":10900"
const defaultKeyManagerDBPath = "./keyvouch-vault.db"

// ParseCoordinatorFlags builds the coordinator config from KEYVOUCH_*
// environment variables and command-line flags, flags winning.
func ParseCoordinatorFlags(args []string) (CoordinatorConfig, error) {
	cfg := CoordinatorConfig{
		Listen:             envOrDefault("KEYVOUCH_LISTEN", defaultCoordinatorListen),
		DBPath:             envOrDefault("KEYVOUCH_DB_PATH", defaultCoordinatorDBPath),
		PublicBaseURL:      envOrDefault("KEYVOUCH_PUBLIC_URL", ""),
		TokenPepper:        envOrDefault("KEYVOUCH_TOKEN_PEPPER", ""),
		BiometricBaseURL:   envOrDefault("KEYVOUCH_BIOMETRIC_URL", ""),
		BiometricAPIKey:    envOrDefault("KEYVOUCH_BIOMETRIC_API_KEY", ""),
		BiometricJWTSecret: envOrDefault("KEYVOUCH_BIOMETRIC_JWT_SECRET", ""),
		LogLevel:           envOrDefault("KEYVOUCH_LOG_LEVEL", "info"),
		PprofAddr:          envOrDefault("KEYVOUCH_PPROF_ADDR", ""),
		RequestTimeout:     30 * time.Second,
		MaxBodyBytes:       1 * 1024 * 1024,
		ChallengeTTL:       defaultChallengeTTL,
		PairingTTL:         defaultPairingTTL,
		RegTokenTTL:        30 * time.Second,
		SessionTTL:         defaultSessionTTL,
		RegistrationWindow: defaultRegistrationWindow,
		PushTimeout:        10 * time.Second,
		DevicePingTimeout:  defaultDevicePingTimeout,
		HeartbeatInterval:  defaultHeartbeatInterval,
		CleanupInterval:    defaultCleanupInterval,
	}

	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.PublicBaseURL, "public-url", cfg.PublicBaseURL, "Public base URL, e.g. https://auth.example.com")
	fs.StringVar(&cfg.TokenPepper, "token-pepper", cfg.TokenPepper, "Session token hash pepper override")
	fs.StringVar(&cfg.BiometricBaseURL, "biometric-url", cfg.BiometricBaseURL, "Biometric validator base URL (empty disables identity proofs)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.ChallengeTTL, "challenge-ttl", cfg.ChallengeTTL, "Approval window for a challenge")
	fs.DurationVar(&cfg.PairingTTL, "pairing-ttl", cfg.PairingTTL, "Validity window for a pairing QR session")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.PublicBaseURL = normalizeBaseURL(cfg.PublicBaseURL)
	if cfg.PublicBaseURL == "" {
		return cfg, errors.New("missing --public-url or KEYVOUCH_PUBLIC_URL")
	}
	if _, err := url.Parse(cfg.PublicBaseURL); err != nil {
		return cfg, errors.New("public URL is not a valid URL")
	}
	if cfg.ChallengeTTL <= 0 {
		return cfg, errors.New("challenge TTL must be > 0")
	}
	if cfg.PairingTTL <= 0 {
		return cfg, errors.New("pairing TTL must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("cleanup interval must be > 0")
	}
	if cfg.BiometricBaseURL != "" && cfg.BiometricJWTSecret == "" {
		return cfg, errors.New("biometric validator requires KEYVOUCH_BIOMETRIC_JWT_SECRET")
	}

	return cfg, nil
}

// ParseKeyManagerFlags builds the key-manager config from KEYVOUCH_KM_*
// environment variables and command-line flags, flags winning.
func ParseKeyManagerFlags(args []string) (KeyManagerConfig, error) {
	cfg := KeyManagerConfig{
		Listen:         envOrDefault("KEYVOUCH_KM_LISTEN", defaultKeyManagerListen),
		DBPath:         envOrDefault("KEYVOUCH_KM_DB_PATH", defaultKeyManagerDBPath),
		CoordinatorURL: envOrDefault("KEYVOUCH_KM_COORDINATOR_URL", ""),
		MasterKeyHex:   envOrDefault("KEYVOUCH_KM_MASTER_KEY", ""),
		LogLevel:       envOrDefault("KEYVOUCH_KM_LOG_LEVEL", "info"),
		PprofAddr:      envOrDefault("KEYVOUCH_KM_PPROF_ADDR", ""),
		RequestTimeout: 30 * time.Second,
		MaxBodyBytes:   1 * 1024 * 1024,
	}

	fs := flag.NewFlagSet("keymanager", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite vault database path")
	fs.StringVar(&cfg.CoordinatorURL, "coordinator-url", cfg.CoordinatorURL, "Coordinator base URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.CoordinatorURL = normalizeBaseURL(cfg.CoordinatorURL)
	if cfg.CoordinatorURL == "" {
		return cfg, errors.New("missing --coordinator-url or KEYVOUCH_KM_COORDINATOR_URL")
	}
	if cfg.MasterKeyHex != "" {
		key, err := hex.DecodeString(cfg.MasterKeyHex)
		if err != nil || len(key) != 32 {
			return cfg, errors.New("master key must be 64 hex characters")
		}
	}

	return cfg, nil
}

// AgentConfig configures the embedded plugin agent.  It is filled by the
// host application rather than parsed from flags.
type AgentConfig struct {
	KeyManagerURL  string
	CoordinatorURL string
	PluginID       string
	Platform       string
	KeystorePath   string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollDeadline   time.Duration
}

// Validate normalizes the agent config and applies poll loop defaults.
func (c *AgentConfig) Validate() error {
	c.KeyManagerURL = normalizeBaseURL(c.KeyManagerURL)
	c.CoordinatorURL = normalizeBaseURL(c.CoordinatorURL)
	if c.KeyManagerURL == "" || c.CoordinatorURL == "" {
		return errors.Join(domain.ErrConfig, errors.New("agent requires key-manager and coordinator URLs"))
	}
	if c.PluginID == "" {
		return errors.Join(domain.ErrConfig, errors.New("agent requires a plugin ID"))
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = 60 * time.Second
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizeBaseURL(v string) string {
	return strings.TrimSuffix(strings.TrimSpace(v), "/")
}
