package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appmgr/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		body   []byte
		path   string
		method string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "lifecycle")
	e := history.Event{
		Type:        history.EventConnectionConnected,
		OccurredAt:  time.Now().UTC(),
		RecordID:    12,
		ProcessName: "com.example.svc",
	}
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/lifecycle/_doc", path)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, string(history.EventConnectionConnected), got["type"])
	assert.Equal(t, float64(12), got["record_id"])
	assert.Equal(t, "com.example.svc", got["process_name"])
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "lifecycle").Send(context.Background(), history.Event{Type: history.EventCallDied})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opensearch sink status 400")
}
