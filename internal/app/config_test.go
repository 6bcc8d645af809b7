package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TAX_CATALOG_PATH", "catalog.yaml")
	t.Setenv("TAX_REPORTS_PATH", "reports.yaml")
	t.Setenv("LEDGER_DRIVER", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, LedgerMemory, cfg.LedgerDriver)
	assert.Equal(t, 5*time.Minute, cfg.ClosingLockTTL)
	assert.Equal(t, 10*time.Minute, cfg.ReportCacheTTL)
	assert.Equal(t, int32(10), cfg.PGMaxConns)
	assert.Equal(t, 60, cfg.HTTPRateLimit)
	assert.Equal(t, 5, cfg.ClosingRateLimit)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("TAX_CATALOG_PATH", "catalog.yaml")
	t.Setenv("TAX_REPORTS_PATH", "reports.yaml")

	t.Setenv("LEDGER_DRIVER", "sqlite")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "ledger driver")

	t.Setenv("LEDGER_DRIVER", "memory")
	t.Setenv("HTTP_RATE_LIMIT", "0")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "rate limit")
}

func TestLoadConfigRequiresFixtures(t *testing.T) {
	t.Setenv("TAX_CATALOG_PATH", "")
	t.Setenv("TAX_REPORTS_PATH", "reports.yaml")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "tax catalog path")

	t.Setenv("TAX_CATALOG_PATH", "catalog.yaml")
	t.Setenv("TAX_REPORTS_PATH", " ")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "tax reports path")
}
