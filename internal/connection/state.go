package connection

// State is the lifecycle of a ConnectionRecord.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// CallState is the lifecycle of a CallRecord. Calls have no disconnect
// state; once requested they stay requested until released or dead.
type CallState int

const (
	CallInit CallState = iota
	CallRequesting
	CallRequested
)

func (s CallState) String() string {
	switch s {
	case CallInit:
		return "INIT"
	case CallRequesting:
		return "REQUESTING"
	case CallRequested:
		return "REQUESTED"
	default:
		return "UNKNOWN"
	}
}
