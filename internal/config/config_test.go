package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noDotenv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load(noDotenv(t))
	require.NoError(t, err)
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(noDotenv(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "0.16", cfg.TaxRate.String())
	assert.True(t, cfg.Tax().PricesIncludeTax)
	assert.Equal(t, "10", cfg.WholesaleDiscountRate.String())
	assert.Equal(t, "80", cfg.CreditNearLimitPercent.String())
	assert.Equal(t, 30*24*time.Hour, cfg.CreditInstallmentInterval)
	assert.Equal(t, 15*time.Second, cfg.FinalizeTimeout)
	assert.Equal(t, 8*time.Hour, cfg.AccessTokenTTL)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TAX_RATE", "0.21")
	t.Setenv("PRICES_INCLUDE_TAX", "false")
	t.Setenv("FINALIZE_TIMEOUT", "3s")
	t.Setenv("AUTH_SECRET", "  padded-secret  ")

	cfg, err := Load(noDotenv(t))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "0.21", cfg.Tax().Rate.String())
	assert.False(t, cfg.Tax().PricesIncludeTax)
	assert.Equal(t, 3*time.Second, cfg.FinalizeTimeout)
	assert.Equal(t, "padded-secret", cfg.AuthSecret)
}

func TestLoadDotenvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CELUPOS_UNUSED=1\nLOG_FORMAT=json\nPORT=7000\n"), 0o600))
	t.Setenv("PORT", "9091")
	require.NoError(t, os.Unsetenv("LOG_FORMAT"))
	t.Cleanup(func() {
		os.Unsetenv("LOG_FORMAT")
		os.Unsetenv("CELUPOS_UNUSED")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":9091", cfg.Address())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"tax over one":      {"TAX_RATE", "1.5"},
		"negative discount": {"WHOLESALE_DISCOUNT_RATE", "-1"},
		"zero timeout":      {"FINALIZE_TIMEOUT", "0s"},
		"unparsable rate":   {"TAX_RATE", "sixteen"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load(noDotenv(t))
			assert.Error(t, err)
		})
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, Config{LogFormat: "json", LogLevel: "warn"}).Info("hidden")
	assert.Empty(t, buf.String())

	newLogger(&buf, Config{LogFormat: "json", LogLevel: "warn"}).Warn("shown")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))

	buf.Reset()
	newLogger(&buf, Config{}).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
