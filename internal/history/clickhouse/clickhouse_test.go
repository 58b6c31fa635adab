package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/appmgr/internal/history"
)

func setupClickHouse(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()
	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	c, addr := setupClickHouse(ctx, t)
	defer func() { _ = c.Terminate(ctx) }()

	sink, err := New(addr, "default", "lifecycle_history")
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()
	require.NoError(t, sink.EnsureTable(ctx))

	e := history.Event{
		Type:        history.EventProcessCreated,
		OccurredAt:  time.Now().UTC(),
		RecordID:    3,
		PID:         1234,
		UID:         20010001,
		ProcessName: "com.example.demo",
		BundleName:  "com.example.demo",
	}
	require.NoError(t, sink.Send(ctx, e))
	e.Type = history.EventProcessRemoved
	require.NoError(t, sink.Send(ctx, e))

	var count uint64
	err = sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM lifecycle_history WHERE record_id = ?", e.RecordID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	_, err := New("invalid-host:9000", "", "lifecycle_history")
	assert.Error(t, err)
}
