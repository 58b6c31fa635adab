package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessUsage is one resource sample of a tracked application process.
type ProcessUsage struct {
	RecordID    int32     `json:"record_id"`
	ProcessName string    `json:"process_name"`
	PID         int32     `json:"pid"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryMB    float64   `json:"memory_mb"`
	MemoryRSS   uint64    `json:"memory_rss"`
	NumThreads  int32     `json:"num_threads"`
	NumFDs      int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp   time.Time `json:"timestamp"`
}

// UsageTarget identifies a process to sample.
type UsageTarget struct {
	RecordID    int32
	ProcessName string
	PID         int32
}

// UsageConfig holds configuration for process usage sampling.
type UsageConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// UsageSampler periodically samples CPU and memory for the processes
// returned by a target func and exports them as gauges.
type UsageSampler struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[int32]ProcessUsage // recordID -> last sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

func NewUsageSampler(cfg UsageConfig) *UsageSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	labels := []string{"process_name", "record_id"}
	return &UsageSampler{
		enabled:  cfg.Enabled,
		interval: interval,
		latest:   make(map[int32]ProcessUsage),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "appmgr",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of application processes.",
		}, labels),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "appmgr",
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Resident memory in MB of application processes.",
		}, labels),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "appmgr",
			Subsystem: "process",
			Name:      "num_threads",
			Help:      "Number of threads of application processes.",
		}, labels),
	}
}

// RegisterMetrics registers the usage gauges with the provided registerer.
func (s *UsageSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	for _, c := range []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (s *UsageSampler) Start(ctx context.Context, targets func() []UsageTarget) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(targets())
			}
		}
	}()
}

func (s *UsageSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect samples the given targets once. Targets without a pid are skipped.
func (s *UsageSampler) Collect(targets []UsageTarget) {
	now := time.Now()
	fresh := make(map[int32]ProcessUsage, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		u, err := sample(t, now)
		if err != nil {
			slog.Debug("usage sample failed", "record_id", t.RecordID, "pid", t.PID, "error", err)
			continue
		}
		fresh[t.RecordID] = u
	}

	s.mu.Lock()
	for id, old := range s.latest {
		if _, ok := fresh[id]; !ok {
			s.deleteLabels(old)
		}
	}
	s.latest = fresh
	s.mu.Unlock()

	if !s.enabled {
		return
	}
	for _, u := range fresh {
		id := strconv.Itoa(int(u.RecordID))
		s.cpuPercent.WithLabelValues(u.ProcessName, id).Set(u.CPUPercent)
		s.memoryMB.WithLabelValues(u.ProcessName, id).Set(u.MemoryMB)
		s.numThreads.WithLabelValues(u.ProcessName, id).Set(float64(u.NumThreads))
	}
}

func (s *UsageSampler) deleteLabels(u ProcessUsage) {
	id := strconv.Itoa(int(u.RecordID))
	s.cpuPercent.DeleteLabelValues(u.ProcessName, id)
	s.memoryMB.DeleteLabelValues(u.ProcessName, id)
	s.numThreads.DeleteLabelValues(u.ProcessName, id)
}

// Latest returns the last sample for a record.
func (s *UsageSampler) Latest(recordID int32) (ProcessUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[recordID]
	return u, ok
}

func sample(t UsageTarget, now time.Time) (ProcessUsage, error) {
	proc, err := process.NewProcess(t.PID)
	if err != nil {
		return ProcessUsage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ProcessUsage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	u := ProcessUsage{
		RecordID:    t.RecordID,
		ProcessName: t.ProcessName,
		PID:         t.PID,
		CPUPercent:  cpu,
		MemoryMB:    float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:   mem.RSS,
		NumThreads:  threads,
		Timestamp:   now,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}
