package router

import "errors"

// Data-plane errors. Each failed batch resolves every entry's future with
// the same error; the router never retries user-code failures.
var (
	ErrUserCodeFailure = errors.New("user code failure")
	ErrStageTimeout    = errors.New("stage timeout")
	ErrUnknownService  = errors.New("unknown service")
	ErrClosed          = errors.New("router closed")
)
