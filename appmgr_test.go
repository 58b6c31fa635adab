package appmgr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/connection"
	"github.com/loykin/appmgr/internal/history"
	"github.com/loykin/appmgr/internal/ipc"
	"github.com/loykin/appmgr/internal/process"
	apptls "github.com/loykin/appmgr/internal/tls"
)

const demo = "com.example.demo"

type connectResult struct {
	mu    sync.Mutex
	codes []int
}

func (c *connectResult) OnAbilityConnectDone(_ ability.Element, _ ipc.Remote, code int) {
	c.mu.Lock()
	c.codes = append(c.codes, code)
	c.mu.Unlock()
}

func (c *connectResult) OnAbilityDisconnectDone(ability.Element, int) {}

func (c *connectResult) AsObject() ipc.ObjectID { return "appmgr-test-caller" }

func (c *connectResult) Codes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.codes...)
}

func testConfig(t *testing.T, command string) *Config {
	t.Helper()
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Metrics.UsageInterval = 20 * time.Millisecond
	cfg.Timeouts.Attach = 200 * time.Millisecond
	cfg.Timeouts.KillGrace = 200 * time.Millisecond
	cfg.Bundles = []BundleConfig{{Name: demo, UID: 20010001, Command: command}}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDaemon(t *testing.T, cfg *Config, opts ...DaemonOption) *Daemon {
	t.Helper()
	opts = append([]DaemonOption{WithRegisterer(prometheus.NewRegistry()), WithLogger(quietLogger())}, opts...)
	d, err := NewDaemon(cfg, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer scancel()
		assert.NoError(t, d.Shutdown(sctx))
	})
	return d
}

func connectDemo(t *testing.T, d *Daemon, cb *connectResult) {
	t.Helper()
	_, err := d.Orchestrator().ConnectAbility(connection.ConnectRequest{
		Target: ability.Info{
			Name:          "ServiceA",
			BundleName:    demo,
			ModuleName:    "entry",
			Type:          ability.TypeExtension,
			ExtensionType: ability.ExtensionService,
		},
		Caller:   connection.Caller{Token: ipc.NewLocal(nil), UID: 20010002, Name: "caller"},
		Callback: cb,
	})
	require.NoError(t, err)
}

func TestNewDaemonRejectsNilConfig(t *testing.T) {
	_, err := NewDaemon(nil)
	assert.Error(t, err)
}

func TestNewDaemonRejectsBadDSN(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	cfg.History.DSNs = []string{"nosuchdriver://x"}
	_, err := NewDaemon(cfg, WithLogger(quietLogger()))
	assert.Error(t, err)
}

func TestDaemonServesAPI(t *testing.T) {
	d := startDaemon(t, testConfig(t, "/bin/true"), WithController(process.NewFake()))
	require.NotEmpty(t, d.Addr())

	resp, err := http.Get("http://" + d.Addr() + "/api/snapshot")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Empty(t, snap.Processes)

	d.SetIgnoreTimeouts(true)
	resp2, err := http.Get("http://" + d.Addr() + "/api/debug/ignore-timeouts")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	body, _ := io.ReadAll(resp2.Body)
	assert.JSONEq(t, `{"ignore":true}`, string(body))
}

func TestDaemonServesTLS(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	cfg.Server.TLS = apptls.Settings{Enabled: true, Dir: t.TempDir(), AutoGenerate: true}
	d := startDaemon(t, cfg, WithController(process.NewFake()))

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 self-signed test certificate
	}}
	resp, err := client.Get("https://" + d.Addr() + "/api/tasks")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, resp.TLS)
}

func TestDaemonWithoutListener(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	cfg.Server.Listen = ""
	d := startDaemon(t, cfg, WithController(process.NewFake()))
	assert.Empty(t, d.Addr())
	assert.NotNil(t, d.Handler())
}

// A real process that never attaches is killed when the attach timeout
// fires and the pending connect fails.
func TestUnattachedProcessIsKilled(t *testing.T) {
	d := startDaemon(t, testConfig(t, "sleep 30"))
	cb := &connectResult{}
	connectDemo(t, d, cb)

	require.Eventually(t, func() bool { return len(cb.Codes()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, connection.ResultOK, cb.Codes()[0])
	assert.Equal(t, 0, d.Orchestrator().Registry().Len())

	var removed *HistoryEvent
	for _, e := range d.History() {
		if e.Type == history.EventProcessRemoved {
			removed = &e
		}
	}
	require.NotNil(t, removed)
	assert.Equal(t, "AttachTimeout", removed.Detail)
	assert.Equal(t, demo, removed.BundleName)
}

func TestIgnoredTimeoutKeepsProcess(t *testing.T) {
	cfg := testConfig(t, "sleep 30")
	cfg.Timeouts.Ignore = true
	d := startDaemon(t, cfg)
	cb := &connectResult{}
	connectDemo(t, d, cb)

	require.Eventually(t, func() bool { return d.Orchestrator().Registry().Len() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, d.Orchestrator().Registry().Len())
	assert.Empty(t, cb.Codes())
}
