package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(call domain.CallID, local, remote domain.UserID, status domain.Status, created time.Time) domain.CallRecord {
	rec := domain.CallRecord{
		CallID:       call,
		LocalUserID:  local,
		RemoteUserID: remote,
		Role:         domain.RoleOfferer,
		Status:       status,
		CreatedAt:    created,
	}
	if status.Terminal() {
		rec.EndedAt = created.Add(time.Minute)
	}
	return rec
}

func TestRecordRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordRepository()
	now := time.Now().UTC()

	require.NoError(t, repo.Record(ctx, record("c1", "alice", "bob", domain.StatusConnected, now)))
	require.NoError(t, repo.Record(ctx, record("c1", "bob", "alice", domain.StatusConnected, now)))
	require.NoError(t, repo.Record(ctx, record("c1", "alice", "bob", domain.StatusEnded, now)))
	// A late connected record must not resurrect the call.
	require.NoError(t, repo.Record(ctx, record("c1", "alice", "bob", domain.StatusConnected, now)))

	recs, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.UserID("alice"), recs[0].LocalUserID)
	assert.Equal(t, domain.StatusEnded, recs[0].Status)
	assert.Equal(t, domain.StatusConnected, recs[1].Status)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestRecordRepositoryListByUser(t *testing.T) {
	ctx := context.Background()
	repo := NewRecordRepository()
	base := time.Now().UTC()

	require.NoError(t, repo.Record(ctx, record("old", "alice", "bob", domain.StatusEnded, base.Add(-time.Hour))))
	require.NoError(t, repo.Record(ctx, record("new", "alice", "carol", domain.StatusFailed, base)))
	require.NoError(t, repo.Record(ctx, record("other", "bob", "alice", domain.StatusEnded, base)))

	recs, err := repo.ListByUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.CallID("new"), recs[0].CallID)
	assert.Equal(t, domain.CallID("old"), recs[1].CallID)

	recs, err = repo.ListByUser(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = repo.ListByUser(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
