package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeDaemon records every request and answers with canned bodies.
func fakeDaemon(t *testing.T) (*httptest.Server, func() []seen) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []seen
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, seen{r.Method, r.URL.Path, r.URL.RawQuery, string(body)})
		mu.Unlock()
		switch r.URL.Path {
		case "/api/dump":
			_, _ = w.Write([]byte("       > com.example.demo/ServiceA   connectionState #CONNECTED   caller caller(0)\n"))
		case "/api/processes/7/kill":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"pid 7: orchestrator: unknown process"}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []seen {
		mu.Lock()
		defer mu.Unlock()
		return append([]seen(nil), reqs...)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestGetCommands(t *testing.T) {
	srv, reqs := fakeDaemon(t)
	api := "--api-url=" + srv.URL + "/api"

	out, err := run(t, "snapshot", api)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"ok\": true\n}\n", out)

	out, err = run(t, "dump", api)
	require.NoError(t, err)
	assert.Contains(t, out, "connectionState #CONNECTED")

	_, err = run(t, "tasks", api)
	require.NoError(t, err)
	_, err = run(t, "history", api)
	require.NoError(t, err)

	var paths []string
	for _, r := range reqs() {
		assert.Equal(t, http.MethodGet, r.Method)
		paths = append(paths, r.Path)
	}
	assert.Equal(t, []string{"/api/snapshot", "/api/dump", "/api/tasks", "/api/history"}, paths)
}

func TestKillCommand(t *testing.T) {
	srv, reqs := fakeDaemon(t)
	api := "--api-url=" + srv.URL + "/api/"

	_, err := run(t, "kill", api)
	assert.Error(t, err)
	_, err = run(t, "kill", api, "--bundle=a", "--pid=3")
	assert.Error(t, err)

	_, err = run(t, "kill", api, "--bundle=com.example.demo")
	require.NoError(t, err)
	_, err = run(t, "kill", api, "--pid=7", "--reason=stuck")
	assert.ErrorContains(t, err, "unknown process")

	got := reqs()
	require.Len(t, got, 2)
	assert.Equal(t, seen{Method: http.MethodPost, Path: "/api/bundles/com.example.demo/kill"}, got[0])
	assert.Equal(t, "/api/processes/7/kill", got[1].Path)
	assert.Equal(t, "reason=stuck", got[1].Query)
}

func TestMemoryLevelAndIgnoreTimeouts(t *testing.T) {
	srv, reqs := fakeDaemon(t)
	api := "--api-url=" + srv.URL + "/api"

	_, err := run(t, "memory-level", "high", api)
	assert.Error(t, err)
	_, err = run(t, "memory-level", "2", api)
	require.NoError(t, err)

	_, err = run(t, "ignore-timeouts", "maybe", api)
	assert.Error(t, err)
	_, err = run(t, "ignore-timeouts", "on", api)
	require.NoError(t, err)

	got := reqs()
	require.Len(t, got, 2)
	assert.Equal(t, "/api/memory-level", got[0].Path)
	assert.JSONEq(t, `{"level":2}`, got[0].Body)
	assert.Equal(t, http.MethodPut, got[1].Method)
	assert.JSONEq(t, `{"ignore":true}`, got[1].Body)
}

func TestConfigureAndRepairPatch(t *testing.T) {
	srv, reqs := fakeDaemon(t)
	api := "--api-url=" + srv.URL + "/api"

	_, err := run(t, "configure", "novalue", api)
	assert.Error(t, err)
	_, err = run(t, "configure", "system.language=en", "system.colorMode=dark", api)
	require.NoError(t, err)
	_, err = run(t, "configure", "system.language=ko", "--user=100", api)
	require.NoError(t, err)

	_, err = run(t, "repair-patch", "apply", "com.example.demo", api)
	assert.Error(t, err)
	_, err = run(t, "repair-patch", "load", "com.example.demo", api)
	require.NoError(t, err)
	_, err = run(t, "repair-patch", "unload", "com.example.demo", api)
	require.NoError(t, err)

	got := reqs()
	require.Len(t, got, 4)
	assert.Equal(t, "/api/configuration", got[0].Path)
	assert.JSONEq(t, `{"items":{"system.language":"en","system.colorMode":"dark"}}`, got[0].Body)
	assert.JSONEq(t, `{"items":{"system.language":"ko"},"user_id":100}`, got[1].Body)
	assert.Equal(t, seen{Method: http.MethodPost, Path: "/api/bundles/com.example.demo/repair-patch"}, got[2])
	assert.Equal(t, seen{Method: http.MethodDelete, Path: "/api/bundles/com.example.demo/repair-patch"}, got[3])
}

func TestAPIURLFromConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "appmgr.toml")
	require.NoError(t, os.WriteFile(p, []byte("[server]\nlisten = \":9911\"\nbase_path = \"/v1\"\n"), 0o644))

	c, err := apiClient(&GlobalFlags{ConfigPath: p})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9911/v1", c.baseURL)

	c, err = apiClient(&GlobalFlags{APIUrl: "http://remote:1/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://remote:1/api", c.baseURL)
}

func TestServeRejectsBadConfig(t *testing.T) {
	_, err := run(t, "serve", filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "error loading config")
}
