package port

import "github.com/Wyydra/callsig/internal/core/domain"

// Observer is the UI surface. Callbacks are delivered outside any core lock,
// so an observer may call back into the controller.
type Observer interface {
	OnIncoming(call domain.IncomingCall)
	OnIncomingCancelled(callID domain.CallID)
	OnStateChange(session domain.CallSession)
	OnRemoteStream(callID domain.CallID, stream domain.StreamInfo)
	OnError(callID domain.CallID, kind domain.ErrorKind)
}

// NopObserver ignores everything. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnIncoming(domain.IncomingCall) {}
func (NopObserver) OnIncomingCancelled(domain.CallID) {}
func (NopObserver) OnStateChange(domain.CallSession) {}
func (NopObserver) OnRemoteStream(domain.CallID, domain.StreamInfo) {}
func (NopObserver) OnError(domain.CallID, domain.ErrorKind) {}
