package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Ledger client modes.
const (
	LedgerModeSim = "sim"
	LedgerModeRPC = "rpc"
)

// Config captures runtime configuration for the payments daemon. Values come
// from an optional TOML file, with AGENTICPAY_* environment variables taking
// precedence.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`

	LedgerMode      string `toml:"LedgerMode"`
	LedgerRPCURL    string `toml:"LedgerRPCURL"`
	LedgerAuthToken string `toml:"LedgerAuthToken"`

	VerifierCount     int     `toml:"VerifierCount"`
	ApprovalThreshold float64 `toml:"ApprovalThreshold"`

	MinConfirmations uint32   `toml:"MinConfirmations"`
	ConfirmDeadline  duration `toml:"ConfirmDeadline"`

	DatabasePath string `toml:"DatabasePath"`

	LogFile      string `toml:"LogFile"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`

	RateLimitPerMinute float64 `toml:"RateLimitPerMinute"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`
}

// duration lets TOML files spell durations as "30s" style strings.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// ConfirmDeadlineDuration returns the configured deadline as a time.Duration.
func (c *Config) ConfirmDeadlineDuration() time.Duration {
	return time.Duration(c.ConfirmDeadline)
}

func defaults() Config {
	return Config{
		ListenAddress:      ":8080",
		Environment:        "development",
		LedgerMode:         LedgerModeSim,
		VerifierCount:      7,
		ApprovalThreshold:  0.67,
		MinConfirmations:   3,
		ConfirmDeadline:    duration(30 * time.Second),
		DatabasePath:       "agenticpay.db",
		RateLimitPerMinute: 120,
		RateLimitBurst:     20,
	}
}

// Load reads the TOML file at path when it exists, applies environment
// overrides, and validates the result. An empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := getenv("AGENTICPAY_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := getenv("AGENTICPAY_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := getenv("AGENTICPAY_LEDGER_MODE"); v != "" {
		cfg.LedgerMode = v
	}
	if v := getenv("AGENTICPAY_LEDGER_RPC_URL"); v != "" {
		cfg.LedgerRPCURL = v
	}
	if v := getenv("AGENTICPAY_LEDGER_TOKEN"); v != "" {
		cfg.LedgerAuthToken = v
	}
	if v := getenv("AGENTICPAY_VERIFIER_COUNT"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse AGENTICPAY_VERIFIER_COUNT: %w", err)
		}
		cfg.VerifierCount = parsed
	}
	if v := getenv("AGENTICPAY_APPROVAL_THRESHOLD"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse AGENTICPAY_APPROVAL_THRESHOLD: %w", err)
		}
		cfg.ApprovalThreshold = parsed
	}
	if v := getenv("AGENTICPAY_MIN_CONFIRMATIONS"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parse AGENTICPAY_MIN_CONFIRMATIONS: %w", err)
		}
		cfg.MinConfirmations = uint32(parsed)
	}
	if v := getenv("AGENTICPAY_CONFIRM_DEADLINE"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse AGENTICPAY_CONFIRM_DEADLINE: %w", err)
		}
		cfg.ConfirmDeadline = duration(parsed)
	}
	if v := getenv("AGENTICPAY_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := getenv("AGENTICPAY_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := getenv("AGENTICPAY_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	return nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate rejects configurations that cannot produce a working daemon.
func (c *Config) Validate() error {
	switch c.LedgerMode {
	case LedgerModeSim:
	case LedgerModeRPC:
		if c.LedgerRPCURL == "" {
			return errors.New("LedgerRPCURL is required when LedgerMode is \"rpc\"")
		}
	default:
		return fmt.Errorf("unknown LedgerMode %q", c.LedgerMode)
	}
	if c.VerifierCount <= 0 {
		return errors.New("VerifierCount must be positive")
	}
	if c.ApprovalThreshold <= 0 || c.ApprovalThreshold > 1 {
		return errors.New("ApprovalThreshold must be in (0, 1]")
	}
	if c.MinConfirmations == 0 {
		return errors.New("MinConfirmations must be positive")
	}
	if c.ConfirmDeadline <= 0 {
		return errors.New("ConfirmDeadline must be positive")
	}
	if c.DatabasePath == "" {
		return errors.New("DatabasePath is required")
	}
	return nil
}
