package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ServerAddr, cfg.ServerAddr)
	assert.Equal(t, TransportNATS, cfg.Transport)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	yml := "transport: memory\napi_base_url: http://backend.local\nuser_id: 7\nuser_name: Ann\nrequest_timeout: 3s\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("CHAT_USER_NAME", "Annie")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, "http://backend.local", cfg.APIBaseURL)
	assert.Equal(t, int64(7), cfg.UserID)
	assert.Equal(t, "Annie", cfg.UserName)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Transport = TransportCable
	cfg.CableURL = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SendRate = -1
	assert.Error(t, cfg.Validate())

	assert.NoError(t, DefaultConfig().Validate())
}

func TestPingPeriodBelowPongWait(t *testing.T) {
	assert.Less(t, PingPeriod, PongWait)
}
