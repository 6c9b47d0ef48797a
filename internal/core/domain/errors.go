package domain

import "errors"

// ErrorKind is the classified failure surfaced to observers. The UI never
// sees raw connection or media errors, only one of these.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindMediaAccessDenied      ErrorKind = "media_access_denied"
	KindSignalPublishFailed    ErrorKind = "signal_publish_failed"
	KindNegotiationTimeout     ErrorKind = "negotiation_timeout"
	KindTransportLost          ErrorKind = "transport_lost"
	KindDuplicateOrStaleSignal ErrorKind = "duplicate_or_stale_signal"
	KindInternal               ErrorKind = "internal"
)

var (
	ErrMediaAccessDenied   = errors.New("media access denied")
	ErrSignalPublishFailed = errors.New("signal publish failed")
	ErrNegotiationTimeout  = errors.New("negotiation timeout")
	ErrTransportLost       = errors.New("transport lost")
	ErrDuplicateOrStale    = errors.New("duplicate or stale signal")

	ErrBusy          = errors.New("another call is active")
	ErrCallNotFound  = errors.New("call not found")
	ErrSessionClosed = errors.New("session closed")
	ErrNoVideoTrack  = errors.New("no outgoing video track")
)

// KindOf maps an error chain onto the taxonomy. Anything unrecognised is
// KindInternal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrMediaAccessDenied):
		return KindMediaAccessDenied
	case errors.Is(err, ErrSignalPublishFailed):
		return KindSignalPublishFailed
	case errors.Is(err, ErrNegotiationTimeout):
		return KindNegotiationTimeout
	case errors.Is(err, ErrTransportLost):
		return KindTransportLost
	case errors.Is(err, ErrDuplicateOrStale):
		return KindDuplicateOrStaleSignal
	default:
		return KindInternal
	}
}
