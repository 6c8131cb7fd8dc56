package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddress)
	require.Equal(t, LedgerModeSim, cfg.LedgerMode)
	require.Equal(t, 7, cfg.VerifierCount)
	require.Equal(t, 0.67, cfg.ApprovalThreshold)
	require.Equal(t, uint32(3), cfg.MinConfirmations)
	require.Equal(t, 30*time.Second, cfg.ConfirmDeadlineDuration())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenticpay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ListenAddress = ":9090"
LedgerMode = "rpc"
LedgerRPCURL = "http://localhost:8545"
ApprovalThreshold = 0.75
ConfirmDeadline = "45s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, LedgerModeRPC, cfg.LedgerMode)
	require.Equal(t, "http://localhost:8545", cfg.LedgerRPCURL)
	require.Equal(t, 0.75, cfg.ApprovalThreshold)
	require.Equal(t, 45*time.Second, cfg.ConfirmDeadlineDuration())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenticpay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`ListenAddress = ":9090"`), 0o600))

	t.Setenv("AGENTICPAY_LISTEN", ":7000")
	t.Setenv("AGENTICPAY_VERIFIER_COUNT", "11")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.ListenAddress)
	require.Equal(t, 11, cfg.VerifierCount)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rpc mode without url", func(c *Config) { c.LedgerMode = LedgerModeRPC; c.LedgerRPCURL = "" }},
		{"unknown mode", func(c *Config) { c.LedgerMode = "mainnet" }},
		{"zero verifiers", func(c *Config) { c.VerifierCount = 0 }},
		{"threshold above one", func(c *Config) { c.ApprovalThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.ApprovalThreshold = 0 }},
		{"zero confirmations", func(c *Config) { c.MinConfirmations = 0 }},
		{"empty db path", func(c *Config) { c.DatabasePath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("AGENTICPAY_APPROVAL_THRESHOLD", "most")
	_, err := Load("")
	require.Error(t, err)
}
