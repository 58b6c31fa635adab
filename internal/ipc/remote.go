// Package ipc defines the opaque remote-object handle used between the
// orchestrator and application processes, plus an in-memory loopback
// implementation.
package ipc

import (
	"context"
	"errors"
	"fmt"
)

// ObjectID is the identity of a remote object. Two handles to the same
// object share an ObjectID.
type ObjectID string

// Kind names a request understood by application processes.
type Kind string

const (
	KindLaunchAbility       Kind = "launch_ability"
	KindConnectAbility      Kind = "connect_ability"
	KindCallAbility         Kind = "call_ability"
	KindDisconnectAbility   Kind = "disconnect_ability"
	KindUpdateConfiguration Kind = "update_configuration"
	KindMemoryLevel         Kind = "memory_level"
	KindLoadRepairPatch     Kind = "load_repair_patch"
	KindHotReloadPage       Kind = "hot_reload_page"
	KindUnloadRepairPatch   Kind = "unload_repair_patch"
	KindTerminate           Kind = "terminate"
)

// Request is sent to a remote object.
type Request struct {
	Kind    Kind
	Payload any
}

// Reply carries a result code and an optional payload (for example the
// remote object returned by a connect).
type Reply struct {
	Code    int
	Payload any
}

var ErrRemoteDead = errors.New("ipc: remote object is dead")

// Remote is a handle to an object living in another process.
type Remote interface {
	// Send delivers req and waits for the reply.
	Send(ctx context.Context, req Request) (Reply, error)
	// RegisterDeathHandler arranges for fn to run once when the object dies.
	// The returned func unregisters it.
	RegisterDeathHandler(fn func(Remote)) (cancel func())
	AsObject() ObjectID
}

// SameObject reports whether a and b refer to the same remote object.
// Two nil handles are not considered the same.
func SameObject(a, b Remote) bool {
	if a == nil || b == nil {
		return false
	}
	return a.AsObject() == b.AsObject()
}

// ObjectOf returns the identity of r, or "" for nil.
func ObjectOf(r Remote) ObjectID {
	if r == nil {
		return ""
	}
	return r.AsObject()
}

// SendError wraps a failed delivery with the request kind.
func SendError(kind Kind, err error) error {
	return fmt.Errorf("ipc: send %s: %w", kind, err)
}
