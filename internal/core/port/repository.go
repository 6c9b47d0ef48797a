package port

import (
	"context"

	"github.com/Wyydra/callsig/internal/core/domain"
)

// CallRecorder receives call outcomes. Failures must never affect a call.
type CallRecorder interface {
	Record(ctx context.Context, rec domain.CallRecord) error
}

// CallRecordStore keys records by call and local user, so both sides of
// one call keep their own row.
type CallRecordStore interface {
	CallRecorder
	// Get returns every side recorded for callID, or domain.ErrCallNotFound.
	Get(ctx context.Context, callID domain.CallID) ([]domain.CallRecord, error)
	ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallRecord, error)
}
