package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failSink struct{ err error }

func (f failSink) Send(context.Context, Event) error { return f.err }

func TestMultiDeliversToAll(t *testing.T) {
	a, b := NewRing(4), NewRing(4)
	boom := errors.New("boom")
	m := Multi{a, failSink{boom}, nil, b}

	err := m.Send(context.Background(), Event{Type: EventProcessCreated, RecordID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestRingKeepsNewest(t *testing.T) {
	r := NewRing(3)
	for i := int64(1); i <= 5; i++ {
		_ = r.Send(context.Background(), Event{RecordID: i})
	}
	ev := r.Events()
	require.Len(t, ev, 3)
	assert.Equal(t, int64(3), ev[0].RecordID)
	assert.Equal(t, int64(5), ev[2].RecordID)
}

func TestEmitStampsAndLogs(t *testing.T) {
	r := NewRing(1)
	Emit(context.Background(), r, nil, Event{Type: EventProcessDied})
	require.Len(t, r.Events(), 1)
	assert.False(t, r.Events()[0].OccurredAt.IsZero())

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	Emit(context.Background(), failSink{errors.New("down")}, log, Event{Type: EventCallDied, RecordID: 9})
	assert.Contains(t, buf.String(), "history sink failed")
	assert.Contains(t, buf.String(), "record_id=9")

	Emit(context.Background(), nil, log, Event{})
}
