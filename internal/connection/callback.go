package connection

import (
	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/ipc"
)

// ConnectCallback receives connect and disconnect outcomes. Two callbacks
// with the same AsObject identity belong to the same caller endpoint.
type ConnectCallback interface {
	OnAbilityConnectDone(element ability.Element, remote ipc.Remote, code int)
	OnAbilityDisconnectDone(element ability.Element, code int)
	AsObject() ipc.ObjectID
}

// CallbackFuncs adapts plain functions to ConnectCallback.
type CallbackFuncs struct {
	ID           ipc.ObjectID
	Connected    func(element ability.Element, remote ipc.Remote, code int)
	Disconnected func(element ability.Element, code int)
}

func (f CallbackFuncs) OnAbilityConnectDone(element ability.Element, remote ipc.Remote, code int) {
	if f.Connected != nil {
		f.Connected(element, remote, code)
	}
}

func (f CallbackFuncs) OnAbilityDisconnectDone(element ability.Element, code int) {
	if f.Disconnected != nil {
		f.Disconnected(element, code)
	}
}

func (f CallbackFuncs) AsObject() ipc.ObjectID { return f.ID }

func objectOf(cb ConnectCallback) ipc.ObjectID {
	if cb == nil {
		return ""
	}
	return cb.AsObject()
}
