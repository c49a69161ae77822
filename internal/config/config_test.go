package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	// An explicitly named file that does not exist is an error.
	require.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, "./codeguard.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.ReadTimeout)
	assert.Empty(t, cfg.BlobStore.UploadEndpoint)
	assert.Empty(t, cfg.Blacklist)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codeguard.yaml")
	content := `
server:
  port: 9090
database:
  path: /tmp/exams.db
websocket:
  ping_interval: 10s
  read_timeout: 25s
blacklist:
  - chat.example.com
  - answers.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/exams.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, []string{"chat.example.com", "answers.example.com"}, cfg.Blacklist)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CODEGUARD_SERVER_PORT", "7070")
	t.Setenv("CODEGUARD_DATABASE_PATH", "/tmp/env.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.WebSocket.ReadTimeout = cfg.WebSocket.PingInterval
	assert.Error(t, cfg.Validate())
}

func TestConfigConversions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	db := cfg.DatabaseStoreConfig()
	assert.Equal(t, cfg.Database.Path, db.DatabasePath)
	require.NoError(t, db.Validate())

	blobs := cfg.BlobStoreClientConfig()
	assert.Equal(t, "/screenshots", blobs.Folder)
}
