package port

import (
	"context"

	"github.com/Wyydra/callsig/internal/core/domain"
)

// SignalRelay is the store-and-forward channel between two peers.
// Delivery is at-least-once with no ordering guarantee, within or across
// signal types.
type SignalRelay interface {
	Publish(ctx context.Context, msg domain.SignalMessage) error
	// Subscribe delivers every message carrying callID, including ones this
	// side published.
	Subscribe(callID domain.CallID, fn func(domain.SignalMessage)) (unsubscribe func(), err error)
	// SubscribeInbox delivers every message addressed to userID.
	SubscribeInbox(userID domain.UserID, fn func(domain.SignalMessage)) (unsubscribe func(), err error)
}
