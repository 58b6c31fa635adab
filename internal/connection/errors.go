package connection

import "errors"

var (
	ErrInvalidConnectionState = errors.New("invalid connection state")
	// ErrNullReference reports a missing collaborator, for example a target
	// ability that was already destroyed.
	ErrNullReference  = errors.New("null reference")
	ErrRecordNotFound = errors.New("connection record not found")
	ErrDuplicateCall  = errors.New("call record already exists for caller and target")
)

// Result codes delivered to ConnectCallback. A target that died is signaled
// by decrementing the code by one.
const (
	ResultOK = iota
	ResultInvalidValue
	ResultConnectTimeout
	ResultLoadFailed
	ResultConnectFailed
)
