package ipc

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// HandlerFunc serves requests delivered to a Local object.
type HandlerFunc func(ctx context.Context, req Request) (Reply, error)

// Local is an in-process Remote. It is used for abilities hosted in the
// manager process itself and as the transport in tests.
type Local struct {
	id ObjectID

	mu      sync.Mutex
	handler HandlerFunc
	dead    bool
	nextTok int
	deaths  map[int]func(Remote)
}

// NewLocal creates a live object with a fresh identity. A nil handler
// answers every request with a zero Reply.
func NewLocal(h HandlerFunc) *Local {
	return &Local{
		id:      ObjectID(uuid.NewString()),
		handler: h,
		deaths:  make(map[int]func(Remote)),
	}
}

func (l *Local) AsObject() ObjectID { return l.id }

// SetHandler replaces the request handler.
func (l *Local) SetHandler(h HandlerFunc) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *Local) Send(ctx context.Context, req Request) (Reply, error) {
	l.mu.Lock()
	dead := l.dead
	h := l.handler
	l.mu.Unlock()
	if dead {
		return Reply{}, SendError(req.Kind, ErrRemoteDead)
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, SendError(req.Kind, err)
	}
	if h == nil {
		return Reply{}, nil
	}
	return h(ctx, req)
}

// RegisterDeathHandler registers fn. If the object is already dead fn runs
// immediately on the calling goroutine.
func (l *Local) RegisterDeathHandler(fn func(Remote)) func() {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		fn(l)
		return func() {}
	}
	l.nextTok++
	tok := l.nextTok
	l.deaths[tok] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.deaths, tok)
		l.mu.Unlock()
	}
}

// Kill marks the object dead and runs every registered death handler once.
func (l *Local) Kill() {
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return
	}
	l.dead = true
	fns := make([]func(Remote), 0, len(l.deaths))
	for _, fn := range l.deaths {
		fns = append(fns, fn)
	}
	l.deaths = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn(l)
	}
}

func (l *Local) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dead
}
