package registry

import "errors"

var (
	ErrRecordNotFound = errors.New("registry: record not found")
	ErrInvalidValue   = errors.New("registry: invalid value")
	ErrNotAttached    = errors.New("registry: process not attached")
)
