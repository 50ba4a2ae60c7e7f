package memory

import (
	"context"
	"testing"
	"time"

	"aetherlive/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStatsSaveGetDelete(t *testing.T) {
	repo := NewMemorySessionStatsRepository()
	ctx := context.Background()

	info := &domain.SessionInfo{
		ID:           "ab12",
		Clients:      2,
		Streaming:    true,
		BytesRelayed: 1024,
		CreatedAt:    time.Now(),
	}

	require.NoError(t, repo.Save(ctx, info))

	got, err := repo.GetByID(ctx, "ab12")
	require.NoError(t, err)
	assert.Equal(t, info.BytesRelayed, got.BytesRelayed)

	// Stored value is a copy, not an alias.
	info.BytesRelayed = 9999
	got, err = repo.GetByID(ctx, "ab12")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), got.BytesRelayed)

	require.NoError(t, repo.Delete(ctx, "ab12"))
	_, err = repo.GetByID(ctx, "ab12")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "ab12"), domain.ErrSessionNotFound)
}

func TestSessionStatsListActive(t *testing.T) {
	repo := NewMemorySessionStatsRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.SessionInfo{ID: "ab12"}))
	require.NoError(t, repo.Save(ctx, &domain.SessionInfo{ID: "cd34"}))

	infos, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestSessionStatsRecordStream(t *testing.T) {
	repo := NewMemorySessionStatsRepository()
	ctx := context.Background()

	err := repo.RecordStream(ctx, &domain.StreamRecord{
		SessionID:    "ab12",
		Destinations: []string{"rtmp://a/x"},
		EndedAt:      time.Now(),
	})
	assert.NoError(t, err)
}
