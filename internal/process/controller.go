// Package process spawns and kills the OS processes hosting applications.
package process

import "errors"

var (
	ErrInvalidSpec = errors.New("invalid process spec")
	ErrInvalidPID  = errors.New("invalid pid")
)

// Controller is the OS process control used by the orchestrator and the
// process registry.
type Controller interface {
	Spawn(spec Spec) (pid int, err error)
	KillProcess(pid int, reason string) error
	Alive(pid int) bool
}

// ExitFunc is told when a spawned process exits.
type ExitFunc func(pid int, err error)
