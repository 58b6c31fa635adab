//go:build !windows

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/sourcegraph/conc"
)

const DefaultKillGrace = 3 * time.Second

type OSOption func(*OS)

// WithKillGrace sets how long KillProcess waits after SIGTERM before
// sending SIGKILL.
func WithKillGrace(d time.Duration) OSOption { return func(o *OS) { o.grace = d } }

func WithExitHandler(fn ExitFunc) OSOption { return func(o *OS) { o.onExit = fn } }

func WithLogger(l *slog.Logger) OSOption {
	return func(o *OS) {
		if l != nil {
			o.log = l
		}
	}
}

type child struct {
	name   string
	cmd    *exec.Cmd
	done   chan struct{}
	closer []io.Closer
}

// OS controls real processes. Every spawned process runs in its own process
// group so signals reach its descendants too.
type OS struct {
	log    *slog.Logger
	grace  time.Duration
	onExit ExitFunc

	mu       sync.Mutex
	children map[int]*child
}

func NewOS(opts ...OSOption) *OS {
	o := &OS{log: slog.Default(), grace: DefaultKillGrace, children: make(map[int]*child)}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "process")
	return o
}

func (o *OS) Spawn(spec Spec) (int, error) {
	if spec.Name == "" {
		return 0, fmt.Errorf("spawn: empty name: %w", ErrInvalidSpec)
	}
	cmd := spec.BuildCommand()
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	c := &child{name: spec.Name, cmd: cmd, done: make(chan struct{})}
	if out != nil {
		cmd.Stdout = out
		c.closer = append(c.closer, out)
	}
	if errW != nil {
		cmd.Stderr = errW
		c.closer = append(c.closer, errW)
	}
	if err := cmd.Start(); err != nil {
		c.close()
		return 0, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	o.mu.Lock()
	o.children[pid] = c
	o.mu.Unlock()
	go o.wait(pid, c)

	o.log.Info("process spawned", "process", spec.Name, "pid", pid, "uid", spec.UID)
	return pid, nil
}

func (c *child) close() {
	for _, cl := range c.closer {
		_ = cl.Close()
	}
}

func (o *OS) wait(pid int, c *child) {
	err := c.cmd.Wait()
	c.close()
	o.mu.Lock()
	delete(o.children, pid)
	o.mu.Unlock()
	close(c.done)
	o.log.Info("process exited", "process", c.name, "pid", pid, "error", err)
	if o.onExit != nil {
		o.onExit(pid, err)
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return err
}

// KillProcess sends SIGTERM to the process group of pid and SIGKILL if it is
// still there after the grace period. A process that is already gone is not
// an error.
func (o *OS) KillProcess(pid int, reason string) error {
	if pid <= 0 {
		return fmt.Errorf("kill %d: %w", pid, ErrInvalidPID)
	}
	o.mu.Lock()
	c := o.children[pid]
	o.mu.Unlock()

	o.log.Info("killing process", "pid", pid, "reason", reason)
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("kill %d: %w", pid, err)
	}

	if c != nil {
		select {
		case <-c.done:
			return nil
		case <-time.After(o.grace):
		}
		_ = signalGroup(pid, syscall.SIGKILL)
		select {
		case <-c.done:
		case <-time.After(200 * time.Millisecond):
		}
		return nil
	}

	deadline := time.Now().Add(o.grace)
	for time.Now().Before(deadline) {
		if !o.Alive(pid) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	return nil
}

// Alive reports whether pid names a running, non-zombie process.
func (o *OS) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// StartTime returns the start time of pid in Unix seconds, or 0.
func (o *OS) StartTime(pid int) int64 { return procStartUnix(pid) }

// Children returns the pids spawned by o that are still running.
func (o *OS) Children() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]int, 0, len(o.children))
	for pid := range o.children {
		out = append(out, pid)
	}
	return out
}

// Shutdown kills every process spawned by o that is still running.
func (o *OS) Shutdown(ctx context.Context) error {
	wg := conc.NewWaitGroup()
	for _, pid := range o.Children() {
		wg.Go(func() { _ = o.KillProcess(pid, "shutdown") })
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isZombieLinux reports whether /proc/<pid>/status shows state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
