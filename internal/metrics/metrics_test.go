package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncTaskSubmitted("default")
	IncTaskExecuted("default")
	IncTaskDropped("dedup")
	SetPendingTasks(3)
	SetRegistryProcesses(2)
	IncRegistryRemoved("remote_died")
	RecordConnectionTransition("CONNECTED", "DISCONNECTING")
	IncTimeoutDispatched("load", false)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"appmgr_scheduler_tasks_submitted_total":    false,
		"appmgr_scheduler_tasks_executed_total":     false,
		"appmgr_scheduler_tasks_dropped_total":      false,
		"appmgr_scheduler_pending_tasks":            false,
		"appmgr_registry_processes":                 false,
		"appmgr_registry_removed_total":             false,
		"appmgr_connection_state_transitions_total": false,
		"appmgr_timeout_dispatched_total":           false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration with the default registry used by Handler().
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncTaskSubmitted("utility")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "appmgr_scheduler_tasks_submitted_total") {
		t.Fatalf("metrics output missing tasks_submitted_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncTaskSubmitted("c")
			IncTaskCanceled()
			SetActiveConnections(i)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncTaskSubmitted("test")
	IncTaskPanic()
	IncTaskOverrun()
	IncRegistryReused("cache")
	SetActiveCalls(1)
	RecordConnectionTransition("INIT", "CONNECTED")
	IncTimeoutDispatched("foreground", true)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("gate must stay closed after failed registration")
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}

func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestUsageSamplerCollectsSelf(t *testing.T) {
	s := NewUsageSampler(UsageConfig{Enabled: true})
	reg := prometheus.NewRegistry()
	if err := s.RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	self := int32(os.Getpid())
	s.Collect([]UsageTarget{
		{RecordID: 1, ProcessName: "self", PID: self},
		{RecordID: 2, ProcessName: "unattached", PID: -1},
	})
	u, ok := s.Latest(1)
	if !ok {
		t.Fatal("expected a sample for the test process")
	}
	if u.PID != self || u.MemoryRSS == 0 {
		t.Fatalf("unexpected sample: %+v", u)
	}
	if _, ok := s.Latest(2); ok {
		t.Fatal("records without pid must be skipped")
	}

	// a record that disappears loses its sample
	s.Collect(nil)
	if _, ok := s.Latest(1); ok {
		t.Fatal("stale sample should be dropped")
	}
}
