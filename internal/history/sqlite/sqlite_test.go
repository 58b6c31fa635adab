package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appmgr/internal/history"
)

func TestSQLiteSinkFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	created := history.Event{
		Type:        history.EventProcessCreated,
		OccurredAt:  time.Now().UTC(),
		RecordID:    1,
		PID:         4242,
		UID:         20010001,
		ProcessName: "com.example.demo",
		BundleName:  "com.example.demo",
	}
	require.NoError(t, sink.Send(ctx, created))

	died := created
	died.Type = history.EventProcessDied
	died.Detail = "OnRemoteDied"
	require.NoError(t, sink.Send(ctx, died))

	n, err := sink.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = sink.Count(ctx, history.EventProcessDied)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSinkInMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	err = sink.Send(context.Background(), history.Event{Type: history.EventCallDied, OccurredAt: time.Now()})
	require.NoError(t, err)
	n, err := sink.Count(context.Background(), history.EventCallDied)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSinkCanceledContext(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sink.Send(ctx, history.Event{Type: history.EventProcessRemoved, OccurredAt: time.Now()})
	if err != nil {
		t.Logf("send with canceled context: %v", err)
	}
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
