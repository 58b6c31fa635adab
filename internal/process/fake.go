package process

import (
	"fmt"
	"sync"
)

// Kill is a KillProcess call seen by Fake.
type Kill struct {
	PID    int
	Reason string
}

// Fake is an in-memory Controller. OnSpawn runs on its own goroutine after
// each successful Spawn.
type Fake struct {
	mu       sync.Mutex
	nextPID  int
	alive    map[int]bool
	spawned  []Spec
	kills    []Kill
	spawnErr error
	onSpawn  func(pid int, spec Spec)
}

func NewFake() *Fake {
	return &Fake{nextPID: 1000, alive: make(map[int]bool)}
}

func (f *Fake) SetOnSpawn(fn func(pid int, spec Spec)) {
	f.mu.Lock()
	f.onSpawn = fn
	f.mu.Unlock()
}

// FailSpawn makes subsequent spawns fail with err; nil restores success.
func (f *Fake) FailSpawn(err error) {
	f.mu.Lock()
	f.spawnErr = err
	f.mu.Unlock()
}

func (f *Fake) Spawn(spec Spec) (int, error) {
	f.mu.Lock()
	if spec.Name == "" {
		f.mu.Unlock()
		return 0, fmt.Errorf("spawn: empty name: %w", ErrInvalidSpec)
	}
	if f.spawnErr != nil {
		err := f.spawnErr
		f.mu.Unlock()
		return 0, err
	}
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	f.spawned = append(f.spawned, spec)
	hook := f.onSpawn
	f.mu.Unlock()

	if hook != nil {
		go hook(pid, spec)
	}
	return pid, nil
}

func (f *Fake) KillProcess(pid int, reason string) error {
	if pid <= 0 {
		return fmt.Errorf("kill %d: %w", pid, ErrInvalidPID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, Kill{PID: pid, Reason: reason})
	f.alive[pid] = false
	return nil
}

func (f *Fake) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *Fake) Spawned() []Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.spawned...)
}

func (f *Fake) Kills() []Kill {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Kill(nil), f.kills...)
}
