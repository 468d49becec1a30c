package transport

import "errors"

var (
	errNotConnected = errors.New("not connected")
	errMockFailure  = errors.New("mock transport: injected failure")
)
