package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tally.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
database:
  dsn: "postgres://localhost:5432/tally?sslmode=disable"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "release", cfg.Server.Mode)
	require.Equal(t, ModeAsync, cfg.Consolidation.Mode)
	require.True(t, cfg.Consolidation.AutoConsolidate)
	require.Equal(t, "24h", cfg.Consolidation.Window)
	require.True(t, cfg.GC.Enabled)
	require.Equal(t, 30, cfg.GC.RetentionDays)
	require.Equal(t, []string{"hour", "day", "week", "month"}, cfg.Analytics.Periods)
	require.Equal(t, 0, cfg.Analytics.RetentionDays)
	require.Equal(t, "UTC", cfg.Timezone)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 9000
  mode: debug
database:
  dsn: "postgres://localhost:5432/tally?sslmode=disable"
consolidation:
  mode: sync
  window: 7d
gc:
  enabled: false
analytics:
  retention_days: 90
timezone: Europe/Berlin
`))
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, ModeSync, cfg.Consolidation.Mode)
	require.Equal(t, "7d", cfg.Consolidation.Window)
	require.False(t, cfg.GC.Enabled)
	require.Equal(t, 90, cfg.Analytics.RetentionDays)

	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TALLY_SERVER__PORT", "9191")
	t.Setenv("TALLY_CONSOLIDATION__MODE", "sync")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, ModeSync, cfg.Consolidation.Mode)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing dsn",
			content: `timezone: UTC`,
			wantErr: "database.dsn is required",
		},
		{
			name: "bad mode",
			content: minimalConfig + `
consolidation:
  mode: eventually
`,
			wantErr: "consolidation.mode",
		},
		{
			name: "bad window",
			content: minimalConfig + `
consolidation:
  window: sometimes
`,
			wantErr: "consolidation.window",
		},
		{
			name: "bad period",
			content: minimalConfig + `
analytics:
  periods: ["hour", "decade"]
`,
			wantErr: "invalid analytics period",
		},
		{
			name: "negative analytics retention",
			content: minimalConfig + `
analytics:
  retention_days: -1
`,
			wantErr: "analytics.retention_days",
		},
		{
			name: "bad timezone",
			content: minimalConfig + `
timezone: Mars/Olympus
`,
			wantErr: "invalid timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"", 0, true},
		{"0s", 0, true},
		{"-5m", 0, true},
		{"xd", 0, true},
		{"fast", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
