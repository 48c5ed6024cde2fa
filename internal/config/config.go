// Package config loads shopcalc server and client settings from the
// environment. A .env file is loaded if present but not required.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envPrefix = "SHOPCALC_"

	DefaultPort          = 8480
	DefaultRateLimit     = 120
	DefaultKeyCooldown   = 5 * time.Minute
	DefaultVerifyTimeout = 10 * time.Second
)

// Server holds all configuration for the license server.
type Server struct {
	DataDir        string
	BindAddress    string
	Port           int
	SigningKeys    []string // base64 Ed25519 private keys or seeds
	VerifyKeys     []string // extra public keys, e.g. retired signing keys
	OperatorSecret string
	AdminKey       string
	PublicMetrics  bool
	KeyCooldown    time.Duration
	VerifyLeeway   time.Duration
	RateLimit      int  // requests per minute per client IP
	TrustProxy     bool // key clients by X-Forwarded-For
	TrialDuration  time.Duration
	Log            Log
}

// Log carries the logging settings shared by both binaries.
type Log struct {
	Level  string
	Format string
	File   string
}

// LedgerDir is where the issuance and trial ledger lives.
func (c *Server) LedgerDir() string {
	return filepath.Join(c.DataDir, "ledger")
}

// Addr is the listen address.
func (c *Server) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// CanIssue reports whether at least one signing key is configured.
func (c *Server) CanIssue() bool {
	return len(c.SigningKeys) > 0
}

// Client holds configuration for the shopcalc app and CLI.
type Client struct {
	StateDir          string
	LicenseServer     string
	PublicKey         string
	VerifyTimeout     time.Duration
	AdminOIDCIssuer   string
	AdminOIDCClientID string
	AdminOIDCSecret   string
	AdminEmails       []string
	UseServerTrial    bool
	Log               Log
}

// LoadServer loads license server configuration.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	var errs []error
	port := envInt("PORT", DefaultPort, &errs)
	rateLimit := envInt("RATE_LIMIT", DefaultRateLimit, &errs)
	cooldown := envDuration("KEY_COOLDOWN", DefaultKeyCooldown, &errs)
	leeway := envDuration("VERIFY_LEEWAY", 0, &errs)
	trial := envDuration("TRIAL_DURATION", 0, &errs)
	publicMetrics := envBool("PUBLIC_METRICS", false, &errs)
	trustProxy := envBool("TRUST_PROXY", false, &errs)

	signingKeys := envList("SIGNING_KEYS")
	if path := env("SIGNING_KEY_FILE", ""); path != "" {
		fromFile, err := readKeyFile(path)
		if err != nil {
			errs = append(errs, err)
		}
		signingKeys = append(signingKeys, fromFile...)
	}

	cfg := &Server{
		DataDir:        env("DATA_DIR", "/data"),
		BindAddress:    env("BIND_ADDRESS", "0.0.0.0"),
		Port:           port,
		SigningKeys:    signingKeys,
		VerifyKeys:     envList("VERIFY_KEYS"),
		OperatorSecret: strings.TrimSpace(os.Getenv(envPrefix + "OPERATOR_SECRET")),
		AdminKey:       strings.TrimSpace(os.Getenv(envPrefix + "ADMIN_KEY")),
		PublicMetrics:  publicMetrics,
		KeyCooldown:    cooldown,
		VerifyLeeway:   leeway,
		RateLimit:      rateLimit,
		TrustProxy:     trustProxy,
		TrialDuration:  trial,
		Log:            loadLog(),
	}

	errs = append(errs, cfg.validate()...)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("validate server config: %w", err)
	}
	return cfg, nil
}

func (c *Server) validate() []error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%sPORT must be between 1 and 65535, got %d", envPrefix, c.Port))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("%sRATE_LIMIT must be greater than 0, got %d", envPrefix, c.RateLimit))
	}
	if c.VerifyLeeway < 0 {
		errs = append(errs, fmt.Errorf("%sVERIFY_LEEWAY must not be negative", envPrefix))
	}
	if c.TrialDuration < 0 {
		errs = append(errs, fmt.Errorf("%sTRIAL_DURATION must not be negative", envPrefix))
	}
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("%sDATA_DIR must not be empty", envPrefix))
	}
	return errs
}

// LoadClient loads app and CLI configuration.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	var errs []error
	timeout := envDuration("VERIFY_TIMEOUT", DefaultVerifyTimeout, &errs)
	useServerTrial := envBool("USE_SERVER_TRIAL_LEDGER", false, &errs)

	stateDir := env("STATE_DIR", "")
	if stateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			errs = append(errs, err)
		}
		stateDir = dir
	}

	cfg := &Client{
		StateDir:          stateDir,
		LicenseServer:     env("LICENSE_SERVER", ""),
		PublicKey:         env("LICENSE_PUBLIC_KEY", ""),
		VerifyTimeout:     timeout,
		AdminOIDCIssuer:   env("ADMIN_OIDC_ISSUER", ""),
		AdminOIDCClientID: env("ADMIN_OIDC_CLIENT_ID", ""),
		AdminOIDCSecret:   strings.TrimSpace(os.Getenv(envPrefix + "ADMIN_OIDC_CLIENT_SECRET")),
		AdminEmails:       envList("ADMIN_EMAILS"),
		UseServerTrial:    useServerTrial,
		Log:               loadLog(),
	}

	if cfg.LicenseServer != "" {
		if err := validateURL("LICENSE_SERVER", cfg.LicenseServer); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.AdminOIDCIssuer != "" {
		if err := validateURL("ADMIN_OIDC_ISSUER", cfg.AdminOIDCIssuer); err != nil {
			errs = append(errs, err)
		}
		if cfg.AdminOIDCClientID == "" {
			errs = append(errs, fmt.Errorf("%sADMIN_OIDC_CLIENT_ID is required with %sADMIN_OIDC_ISSUER", envPrefix, envPrefix))
		}
	}
	if cfg.UseServerTrial && cfg.LicenseServer == "" {
		errs = append(errs, fmt.Errorf("%sUSE_SERVER_TRIAL_LEDGER requires %sLICENSE_SERVER", envPrefix, envPrefix))
	}
	if cfg.VerifyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%sVERIFY_TIMEOUT must be greater than 0", envPrefix))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("validate client config: %w", err)
	}
	return cfg, nil
}

// AdminOverrideConfigured reports whether the OIDC admin channel is set up.
func (c *Client) AdminOverrideConfigured() bool {
	return c.AdminOIDCIssuer != "" && c.AdminOIDCClientID != ""
}

func loadLog() Log {
	return Log{
		Level:  env("LOG_LEVEL", "info"),
		Format: env("LOG_FORMAT", "auto"),
		File:   env("LOG_FILE", ""),
	}
}

func defaultStateDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "shopcalc"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%sSTATE_DIR is unset and no home directory is available: %w", envPrefix, err)
	}
	return filepath.Join(home, ".config", "shopcalc"), nil
}

func validateURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s%s must be a valid URL: %w", envPrefix, key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s%s must use http or https scheme", envPrefix, key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s%s must include a host", envPrefix, key)
	}
	return nil
}

func readKeyFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%sSIGNING_KEY_FILE: %w", envPrefix, err)
	}
	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, nil
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(envPrefix+key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, fallback int, errs *[]error) int {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s must be a valid integer: %w", envPrefix, key, err))
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s must be a duration: %w", envPrefix, key, err))
		return fallback
	}
	return d
}

func envBool(key string, fallback bool, errs *[]error) bool {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s must be true or false: %w", envPrefix, key, err))
		return fallback
	}
	return b
}
