package ability

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appmgr/internal/ipc"
)

func svcInfo(name string) Info {
	return Info{
		Name:          name,
		BundleName:    "com.example.demo",
		ModuleName:    "entry",
		ProcessName:   "com.example.demo",
		Type:          TypeExtension,
		ExtensionType: ExtensionService,
	}
}

func TestElementURI(t *testing.T) {
	e := Element{BundleName: "com.example.demo", ModuleName: "entry", AbilityName: "Svc"}
	assert.Equal(t, "/com.example.demo/entry/Svc", e.URI())
	assert.Equal(t, e, svcInfo("Svc").Element())
}

func TestDirectoryGetOrCreateReuses(t *testing.T) {
	d := NewDirectory()
	a, created := d.GetOrCreate(svcInfo("Svc"))
	require.True(t, created)
	b, created := d.GetOrCreate(svcInfo("Svc"))
	assert.False(t, created)
	assert.Same(t, a, b)

	c, created := d.GetOrCreate(svcInfo("Other"))
	assert.True(t, created)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 2, d.Len())
	assert.Same(t, a, d.FindByElement(a.Element()))
}

func TestDirectoryRemoveAndLookups(t *testing.T) {
	d := NewDirectory()
	a, _ := d.GetOrCreate(svcInfo("Svc"))
	a.SetProcessID(7)
	tok := ipc.NewLocal(nil)
	a.SetToken(tok)

	assert.Same(t, a, d.ByToken(tok.AsObject()))
	assert.Nil(t, d.ByToken(""))
	assert.Len(t, d.ByProcess(7), 1)
	assert.Empty(t, d.ByProcess(8))

	assert.Same(t, a, d.Remove(a.ID))
	assert.Nil(t, d.Get(a.ID))
	assert.Nil(t, d.Remove(a.ID))
	assert.Nil(t, d.FindByElement(a.Element()))
}

func TestRecordConnections(t *testing.T) {
	r := &Record{ID: 1, Info: svcInfo("Svc")}
	r.AddConnection(10)
	r.AddConnection(11)
	r.AddConnection(10)
	assert.Equal(t, []int64{10, 11}, r.Connections())
	assert.True(t, r.RemoveConnection(10))
	assert.False(t, r.RemoveConnection(10))
	assert.Equal(t, 1, r.ConnectionCount())

	assert.True(t, r.MarkLoadRequested())
	assert.False(t, r.MarkLoadRequested())
	assert.False(t, r.IsLoaded())
	r.SetToken(ipc.NewLocal(nil))
	assert.True(t, r.IsLoaded())
	r.SetState(StateActive)
	assert.True(t, r.IsState(StateActive))
}

func TestRemoveConnectionIfSharedKeepsLast(t *testing.T) {
	r := &Record{ID: 1, Info: svcInfo("Svc")}
	r.AddConnection(10)
	r.AddConnection(11)

	assert.False(t, r.RemoveConnectionIfShared(99))
	assert.True(t, r.RemoveConnectionIfShared(10))
	assert.False(t, r.RemoveConnectionIfShared(11))
	assert.Equal(t, []int64{11}, r.Connections())
}

func TestRemoveConnectionIfSharedConcurrent(t *testing.T) {
	for range 200 {
		r := &Record{ID: 1, Info: svcInfo("Svc")}
		r.AddConnection(10)
		r.AddConnection(11)

		var wg sync.WaitGroup
		start := make(chan struct{})
		results := make([]bool, 2)
		for i, id := range []int64{10, 11} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				results[i] = r.RemoveConnectionIfShared(id)
			}()
		}
		close(start)
		wg.Wait()

		// exactly one of the two sees itself as the last connection
		require.NotEqual(t, results[0], results[1])
		require.Equal(t, 1, r.ConnectionCount())
	}
}

func TestParseExtensionType(t *testing.T) {
	assert.Equal(t, ExtensionUIService, ParseExtensionType("ui_service"))
	assert.Equal(t, ExtensionUnspecified, ParseExtensionType("nope"))
}
