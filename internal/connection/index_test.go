package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/ipc"
)

func TestIndexByCallerAndTarget(t *testing.T) {
	x := NewIndex()
	e := &env{index: x}
	dir := ability.NewDirectory()
	a, _ := dir.GetOrCreate(serviceInfo("A"))
	b, _ := dir.GetOrCreate(serviceInfo("B"))
	caller, other := ipc.NewLocal(nil), ipc.NewLocal(nil)

	r1 := newConnectionRecord(e, Caller{Token: caller}, a, nil, newRecorder())
	r2 := newConnectionRecord(e, Caller{Token: caller}, b, nil, newRecorder())
	r3 := newConnectionRecord(e, Caller{Token: other}, a, nil, newRecorder())
	for _, r := range []*ConnectionRecord{r1, r2, r3, r1} {
		x.Add(r)
	}

	assert.Equal(t, 3, x.Len())
	assert.Len(t, x.ByCaller(caller.AsObject()), 2)
	assert.Equal(t, []*ConnectionRecord{r1, r3}, x.ByTarget(a.ID))
	assert.Same(t, r2, x.Get(r2.ID()))

	x.Remove(r3, false)
	assert.Empty(t, x.ByCaller(other.AsObject()))
	assert.Equal(t, 2, x.Len())

	// a dead caller drops all of its connections at once
	x.Remove(r1, true)
	assert.Equal(t, 0, x.Len())
	assert.Empty(t, x.ByCaller(caller.AsObject()))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "DISCONNECTING", StateDisconnecting.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
	assert.Equal(t, "REQUESTING", CallRequesting.String())
}
