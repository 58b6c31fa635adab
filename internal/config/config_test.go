package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appmgr/internal/bundle"
	"github.com/loykin/appmgr/internal/registry"
	"github.com/loykin/appmgr/internal/scheduler"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "appmgr.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 4, c.Scheduler.Workers)
	assert.Equal(t, scheduler.Default, c.DefaultQoS())
	assert.Equal(t, 10*time.Second, c.Timeouts.AppStart)
	assert.Equal(t, 10*time.Second, c.Timeouts.DisconnectTimeout())
	assert.Equal(t, "info", c.Log.Slog.Level)
	assert.True(t, c.Log.Slog.TimeStamps)
	assert.Equal(t, "127.0.0.1:8087", c.Server.Listen)
	assert.Equal(t, 256, c.History.RingSize)
	assert.Equal(t, registry.BatchPolicy{MaxCountPerBatch: 4, Interval: 500 * time.Millisecond}, c.Background.Batch())
	assert.Empty(t, c.Bundles)
}

func TestLoadTOML(t *testing.T) {
	p := writeConfig(t, `
user_id = 100
env = ["TIER=test"]

[scheduler]
workers = 8
default_qos = "user_initiated"

[timeouts]
app_start = "2s"
attach = "5s"
sanitizer = true
ignore = true

[background]
batch_size = 2
batch_interval = "1s"

[log.slog]
level = "debug"
format = "json"

[log.file]
dir = "/var/log/appmgr"

[server.tls]
enabled = true
dir = "/etc/appmgr/tls"
auto_generate = true

[history]
dsns = ["sqlite:///tmp/appmgr-history.db"]

[[bundles]]
name = "com.example.demo"
app_id = "com.example.demo_BGx2"
uid = 20010001
type = "atomic_service"
command = "/opt/demo/bin/demo"
keep_alive = true
env = ["DATA=/srv/demo"]

[[bundles]]
name = "com.example.other"
uid = 20010002
users = [100, 101]
command = "/opt/other/bin/other"
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 8, c.Scheduler.Workers)
	assert.Equal(t, scheduler.UserInitiated, c.DefaultQoS())
	assert.Equal(t, 2*time.Second, c.Timeouts.AppStart)
	assert.Equal(t, 150*time.Second, c.Timeouts.DisconnectTimeout())
	assert.True(t, c.Timeouts.Ignore)
	assert.Equal(t, "json", c.Log.Slog.Format)
	assert.Equal(t, "/var/log/appmgr", c.Log.File.Dir)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.Equal(t, "/etc/appmgr/tls", c.Server.TLS.Dir)
	assert.Equal(t, []string{"sqlite:///tmp/appmgr-history.db"}, c.History.DSNs)
	assert.Equal(t, 100, c.UserID)
	assert.Equal(t, registry.BatchPolicy{MaxCountPerBatch: 2, Interval: time.Second}, c.Background.Batch())

	to := c.Timeouts.Orchestrator()
	assert.Equal(t, 5*time.Second, to.Attach)
	assert.Equal(t, 150*time.Second, to.Disconnect)

	require.Len(t, c.Bundles, 2)
	p2 := c.BundleProvider()
	bi, err := p2.GetBundleInfo("com.example.demo", 0, 7)
	require.NoError(t, err)
	assert.Equal(t, "/opt/demo/bin/demo", bi.Command)
	assert.Equal(t, bundle.TypeAtomicService, bi.App.Type)
	assert.True(t, bi.KeepAlive)
	assert.Equal(t, []string{"DATA=/srv/demo"}, bi.Env)
	assert.Equal(t, []string{"TIER=test"}, c.Env)

	_, err = p2.GetBundleInfo("com.example.other", 0, 101)
	require.NoError(t, err)
	_, err = p2.GetBundleInfo("com.example.other", 0, 7)
	assert.ErrorIs(t, err, bundle.ErrNotFound)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("APPMGR_SCHEDULER_WORKERS", "2")
	t.Setenv("APPMGR_TIMEOUTS_ATTACH", "750ms")
	t.Setenv("APPMGR_SERVER_LISTEN", ":9999")

	c, err := Load(writeConfig(t, "[scheduler]\nworkers = 16\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Scheduler.Workers)
	assert.Equal(t, 750*time.Millisecond, c.Timeouts.Attach)
	assert.Equal(t, ":9999", c.Server.Listen)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[scheduler\nworkers = 1"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"workers", "[scheduler]\nworkers = 0\n"},
		{"qos", "[scheduler]\ndefault_qos = \"urgent\"\n"},
		{"app start", "[timeouts]\napp_start = \"0s\"\n"},
		{"negative", "[timeouts]\nload = \"-1s\"\n"},
		{"bundle name", "[[bundles]]\ncommand = \"x\"\n"},
		{"bundle command", "[[bundles]]\nname = \"a\"\n"},
		{"bundle twice", "[[bundles]]\nname = \"a\"\ncommand = \"x\"\n[[bundles]]\nname = \"a\"\ncommand = \"y\"\n"},
		{"empty dsn", "[history]\ndsns = [\" \"]\n"},
		{"env", "env = [\"NOEQUALS\"]\n"},
		{"tls", "[server.tls]\nenabled = true\n"},
		{"batch size", "[background]\nbatch_size = 0\n"},
		{"batch interval", "[background]\nbatch_interval = \"-1s\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.data))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
