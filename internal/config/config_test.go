package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())

	scan := cfg.Scan()
	assert.Equal(t, 5*time.Second, scan.Interval)
	assert.Equal(t, 200, scan.MaxResults)
	assert.Equal(t, 50, scan.PageSize)
	assert.Equal(t, 5, scan.Concurrency)
	assert.Equal(t, 15*time.Second, scan.ClassifyTimeout)
	assert.Equal(t, 3, scan.QuarantineMaxAttempts)
	assert.True(t, scan.Quarantine)

	assert.InDelta(t, 0.70, cfg.Classifier().Threshold, 1e-9)
	assert.Equal(t, "http", cfg.Classifier().Provider)
	assert.Equal(t, time.Hour, cfg.Session().Lifetime)
	assert.Equal(t, "http://localhost:5000/callback", cfg.OAuth().RedirectURL)
	assert.Equal(t, "database/smail.db", cfg.DatabasePath())
	assert.False(t, cfg.Redis().Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestNew_ReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "smail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scan:
  concurrency: 2
  interval: 30s
classifier:
  provider: openai
  openai:
    model_name: gpt-4o
`), 0o600))

	t.Setenv("SMAIL_SCAN_PAGE_SIZE", "25")

	cfg, err := New(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigFile())
	assert.Equal(t, 2, cfg.Scan().Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Scan().Interval)
	assert.Equal(t, 25, cfg.Scan().PageSize)
	assert.Equal(t, "openai", cfg.Classifier().Provider)
	assert.Equal(t, "gpt-4o", cfg.Classifier().OpenAI.ModelName)
	assert.Equal(t, 200, cfg.Scan().MaxResults)
}

func TestNew_MissingExplicitFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"zero concurrency", "scan.concurrency", 0},
		{"page size too large", "scan.page_size", 1000},
		{"threshold out of range", "classifier.threshold", 1.5},
		{"no quarantine attempts", "scan.quarantine_max_attempts", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewFromViper(NewEmptyViper())
			cfg.Set(tt.key, tt.val)
			assert.Error(t, cfg.Validate())
		})
	}
}
