package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/engagement-engine/config"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.LoadWith("", "", env(nil))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Email.MaxPerWindow)
	assert.Equal(t, 5*time.Minute, cfg.Email.Window.Std())
	assert.Equal(t, 1, cfg.Audit.Workers)
	assert.False(t, cfg.Audit.ScheduleEnabled)
}

func TestLoad_LayersInOrder(t *testing.T) {
	// GIVEN: A YAML file, a .env file and the environment all setting values
	yamlPath := write(t, "config.yaml", `
server:
  port: 9000
  jwt_secret: from-yaml
db_path: /var/lib/engage.db
audit:
  schedule_enabled: true
  interval: 15m
  workers: 4
email:
  window: 10m
`)
	envPath := write(t, ".env", "ENGAGE_JWT_SECRET=from-dotenv\nENGAGE_LOG_LEVEL=debug\nENGAGE_AUDIT_WORKERS=2\n")

	// WHEN: Loading with an environment override for workers
	cfg, err := config.LoadWith(yamlPath, envPath, env(map[string]string{"ENGAGE_AUDIT_WORKERS": "8"}))

	// THEN: Later layers win
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/engage.db", cfg.DBPath)
	assert.Equal(t, "from-dotenv", cfg.Server.JWTSecret)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Audit.Workers)
	assert.Equal(t, 15*time.Minute, cfg.Audit.Interval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Email.Window.Std())
	assert.True(t, cfg.Audit.ScheduleEnabled)
}

func TestLoad_MissingDotenvIsFine(t *testing.T) {
	_, err := config.LoadWith("", filepath.Join(t.TempDir(), ".env"), env(nil))
	assert.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{"bad duration", "call_timeout: soon", nil},
		{"bad port env", "", map[string]string{"ENGAGE_PORT": "http"}},
		{"port out of range", "server: {port: 70000}", nil},
		{"bad level", "log: {level: loud}", nil},
		{"zero workers", "audit: {workers: 0}", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.yaml != "" {
				path = write(t, "config.yaml", tt.yaml)
			}
			_, err := config.LoadWith(path, "", env(tt.env))
			assert.Error(t, err)
		})
	}
}
