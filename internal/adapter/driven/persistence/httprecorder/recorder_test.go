package httprecorder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Wyydra/callsig/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callsig/internal/adapter/driven/persistence/memory"
	handler "github.com/Wyydra/callsig/internal/adapter/driving/http"
	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderPostsToServer(t *testing.T) {
	repo := memory.NewRecordRepository()
	srv := httptest.NewServer(handler.NewHandler(ws.NewHub(), repo, ws.Limits{}, nil).NewRouter())
	defer srv.Close()

	rec := domain.CallRecord{
		CallID:       "c1",
		LocalUserID:  "alice",
		RemoteUserID: "bob",
		Role:         domain.RoleOfferer,
		Status:       domain.StatusEnded,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, New(srv.URL+"/", nil).Record(context.Background(), rec))

	recs, err := repo.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusEnded, recs[0].Status)
	assert.True(t, rec.CreatedAt.Equal(recs[0].CreatedAt))
}

func TestRecorderReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/calls", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		http.Error(w, "store offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL, srv.Client()).Record(context.Background(), domain.CallRecord{CallID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "store offline")
}
