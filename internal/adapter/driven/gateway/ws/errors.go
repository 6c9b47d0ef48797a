package ws

import "errors"

var (
	errMalformed     = errors.New("malformed frame")
	errRateLimited   = errors.New("rate limited")
	errMissingSignal = errors.New("publish without signal")
	errMissingCallID = errors.New("missing call_id")
	errUnknownOp     = errors.New("unknown op")
	errHubStopped    = errors.New("hub stopped")
)
