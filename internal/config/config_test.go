package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "etcd", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Heartbeat)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Dispatch)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.RetryBackoff)
	assert.Equal(t, "@every 10s", cfg.Scanner.Schedule)
	assert.True(t, cfg.Dispatch.ChainResetsCount)
	assert.Equal(t, "dispatch.workers", cfg.Subjects.WorkerPrefix)
	assert.Empty(t, cfg.Routes)
}

func TestLoadRoutesFromFile(t *testing.T) {
	dir := writeConfig(t, `
store:
  driver: memory
timeouts:
  retry_backoff: 1m
routes:
  - content_type: image/raw
    worker_types: [thumbnailer, validator]
  - content_type: application/vnd.acme.invoice+json
    worker_types: [invoicer]
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, time.Minute, cfg.Timeouts.RetryBackoff)

	want := map[string][]string{
		"image/raw":                         {"thumbnailer", "validator"},
		"application/vnd.acme.invoice+json": {"invoicer"},
	}
	if diff := cmp.Diff(want, RouteTable(cfg.Routes)); diff != "" {
		t.Errorf("RouteTable() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "unknown store driver",
			body: "store:\n  driver: postgres\n",
		},
		{
			name: "route without worker types",
			body: "routes:\n  - content_type: a\n    worker_types: []\n",
		},
		{
			name: "mongo without uri",
			body: "store:\n  driver: mongo\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestRouteTableKeepsFirstDuplicate(t *testing.T) {
	table := RouteTable([]Route{
		{ContentType: " a ", WorkerTypes: []string{"x"}},
		{ContentType: "a", WorkerTypes: []string{"y"}},
		{ContentType: "", WorkerTypes: []string{"z"}},
	})
	assert.Equal(t, map[string][]string{"a": {"x"}}, table)
}
