package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, 24*time.Hour, cfg.Server.Cache.TTL())
				require.Equal(t, 2*time.Second, cfg.Server.Cache.ReadTimeout)
				require.Equal(t, "64MiB", cfg.Server.Cache.Memory.MaxSize)
				require.Equal(t, 5*time.Minute, cfg.Server.Cache.Memory.SweepInterval)
				require.Empty(t, cfg.Server.Cache.Redis.Address)
				require.Equal(t, 10*time.Second, cfg.Server.Watermark.RenderTimeout)
				require.Equal(t, "magick", cfg.Server.Watermark.ImageCommand[0])
				require.Empty(t, cfg.RuleSources)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.yaml")
				contents := "server:\n  listen:\n    port: 9090\n  cache:\n    readTimeout: 750ms\n    memory:\n      maxSize: 8MiB\n    redis:\n      address: cache.internal:6379\n      reconnectInterval: 1m\n"
				require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 750*time.Millisecond, cfg.Server.Cache.ReadTimeout)
				maxBytes, err := cfg.Server.Cache.Memory.MaxBytes()
				require.NoError(t, err)
				require.Equal(t, int64(8<<20), maxBytes)
				require.Equal(t, "cache.internal:6379", cfg.Server.Cache.Redis.Address)
				require.Equal(t, time.Minute, cfg.Server.Cache.Redis.ReconnectInterval)
				require.Equal(t, 3, cfg.Server.Cache.Redis.ConnectAttempts, "unset keys keep defaults")
			},
		},
		{
			name: "reads json server file",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.json")
				require.NoError(t, os.WriteFile(path, []byte(`{"server":{"listen":{"port":7070}}}`), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 7070, cfg.Server.Listen.Port)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("LISTINGKIT_SERVER__LISTEN__PORT", "9091")
				t.Setenv("LISTINGKIT_SERVER__CACHE__TTLSECONDS", "60")
				t.Setenv("LISTINGKIT_SERVER__CACHE__READTIMEOUT", "3s")
				t.Setenv("LISTINGKIT_SERVER__CACHE__MEMORY__MAXSIZE", "1MiB")
				t.Setenv("LISTINGKIT_SERVER__CACHE__REDIS__ADDRESS", "127.0.0.1:6380")
				t.Setenv("LISTINGKIT_SERVER__WATERMARK__RENDERTIMEOUT", "4s")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, time.Minute, cfg.Server.Cache.TTL())
				require.Equal(t, 3*time.Second, cfg.Server.Cache.ReadTimeout)
				require.Equal(t, "1MiB", cfg.Server.Cache.Memory.MaxSize)
				require.Equal(t, "127.0.0.1:6380", cfg.Server.Cache.Redis.Address)
				require.Equal(t, 4*time.Second, cfg.Server.Watermark.RenderTimeout)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails validation",
			setup: func(t *testing.T) []string {
				t.Setenv("LISTINGKIT_SERVER__CACHE__MEMORY__MAXSIZE", "plenty")
				return nil
			},
			wantErr: true,
		},
		{
			name: "fails when rules folder missing",
			setup: func(t *testing.T) []string {
				t.Setenv("LISTINGKIT_SERVER__TAGS__RULESFOLDER", filepath.Join(t.TempDir(), "absent"))
				return nil
			},
			wantErr: true,
		},
		{
			name: "loads inline and file rules",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				rulesFile := filepath.Join(dir, "rules.yaml")
				ruleContents := "tables:\n  niche:\n    - phrase: dinosaur\n      score: 7\n"
				require.NoError(t, os.WriteFile(rulesFile, []byte(ruleContents), 0o600))
				path := filepath.Join(dir, "server.yaml")
				serverContents := "server:\n  tags:\n    rulesFile: %s\ntagRules:\n  categories:\n    books:\n      rules:\n        - phrase: bedtime story\n          score: 8\n"
				require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(serverContents, rulesFile)), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, []string{filepath.Clean(cfg.Server.Tags.RulesFile), inlineSourceName}, cfg.RuleSources)
				require.Len(t, cfg.InlineTagRules.Categories["books"].Rules, 1)
				require.Empty(t, cfg.SkippedDefinitions)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("LISTINGKIT", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonorsCanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("LISTINGKIT", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
