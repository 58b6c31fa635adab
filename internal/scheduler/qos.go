package scheduler

import "context"

// QoS is the priority class of a task. Higher classes are taken from the
// ready queue first; tasks of the same class run in submission order.
type QoS int

const (
	// Inherit resolves to the QoS carried by the submit context, or to the
	// scheduler default when there is none.
	Inherit QoS = iota
	Background
	Utility
	Default
	UserInitiated
	DeadlineRequest
	UserInteractive
)

func (q QoS) String() string {
	switch q {
	case Inherit:
		return "inherit"
	case Background:
		return "background"
	case Utility:
		return "utility"
	case Default:
		return "default"
	case UserInitiated:
		return "user_initiated"
	case DeadlineRequest:
		return "deadline_request"
	case UserInteractive:
		return "user_interactive"
	default:
		return "unknown"
	}
}

// ParseQoS maps a config string to a QoS. Unknown values yield Default.
func ParseQoS(s string) QoS {
	for q := Background; q <= UserInteractive; q++ {
		if q.String() == s {
			return q
		}
	}
	return Default
}

type qosKey struct{}

// ContextWithQoS tags ctx so that tasks submitted with SubmitContext and
// QoS Inherit run at q.
func ContextWithQoS(ctx context.Context, q QoS) context.Context {
	return context.WithValue(ctx, qosKey{}, q)
}

// QoSFromContext returns the QoS stored by ContextWithQoS.
func QoSFromContext(ctx context.Context) (QoS, bool) {
	if ctx == nil {
		return Inherit, false
	}
	q, ok := ctx.Value(qosKey{}).(QoS)
	return q, ok && q != Inherit
}
