package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commission.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.7, cfg.Ingest.MatchThreshold)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: A file overriding a few keys and an env override for the port
	path := writeFile(t, `
[server]
port = 9000
max_concurrent_uploads = 2

[ingest]
match_threshold = 0.8

[reaper]
interval = "30s"
stale_after = "2h"
`)
	t.Setenv("COMMISSION_PORT", "9100")
	t.Setenv("COMMISSION_DB_PATH", "/tmp/x.db")

	// WHEN
	cfg, err := config.Load(path)

	// THEN: env wins over file, file wins over defaults
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Server.MaxConcurrentUploads)
	assert.Equal(t, "/tmp/x.db", cfg.Database.Path)
	assert.Equal(t, 0.8, cfg.Ingest.MatchThreshold)
	assert.Equal(t, 30*time.Second, cfg.Reaper.Interval)
	assert.Equal(t, 2*time.Hour, cfg.Reaper.StaleAfter)
	assert.Equal(t, 32, cfg.Ingest.MaxDepth)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "[server]\nprot = 80\n"},
		{"threshold above one", "[ingest]\nmatch_threshold = 1.5\n"},
		{"port out of range", "[server]\nport = 70000\n"},
		{"bad duration", "[reaper]\ninterval = \"soon\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_BadPortEnv(t *testing.T) {
	t.Setenv("COMMISSION_PORT", "eighty")
	_, err := config.Load("")
	assert.Error(t, err)
}
