package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Wyydra/callsig/internal/core/domain"
)

type recordKey struct {
	call domain.CallID
	user domain.UserID
}

// RecordRepository keeps call records in process memory. Used when no
// database path is configured, and in tests.
type RecordRepository struct {
	mu      sync.Mutex
	records map[recordKey]domain.CallRecord
}

func NewRecordRepository() *RecordRepository {
	return &RecordRepository{
		records: make(map[recordKey]domain.CallRecord),
	}
}

func (r *RecordRepository) Record(ctx context.Context, rec domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := recordKey{call: rec.CallID, user: rec.LocalUserID}
	if prev, ok := r.records[k]; ok && prev.Final() && !rec.Final() {
		return nil
	}
	r.records[k] = rec
	return nil
}

func (r *RecordRepository) Get(ctx context.Context, callID domain.CallID) ([]domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CallRecord
	for k, rec := range r.records {
		if k.call == callID {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, domain.ErrCallNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalUserID < out[j].LocalUserID })
	return out, nil
}

func (r *RecordRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CallRecord
	for k, rec := range r.records {
		if k.user == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
