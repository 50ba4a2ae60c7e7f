package memory

import (
	"context"
	"sync"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/core/ports"
)

type MemorySessionStatsRepository struct {
	sessions map[domain.SessionID]*domain.SessionInfo
	streams  []*domain.StreamRecord
	mu       sync.RWMutex
}

func NewMemorySessionStatsRepository() ports.SessionStatsRepository {
	return &MemorySessionStatsRepository{
		sessions: make(map[domain.SessionID]*domain.SessionInfo),
	}
}

func (r *MemorySessionStatsRepository) Save(ctx context.Context, info *domain.SessionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *info
	r.sessions[info.ID] = &copied
	return nil
}

func (r *MemorySessionStatsRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	copied := *info
	return &copied, nil
}

func (r *MemorySessionStatsRepository) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return domain.ErrSessionNotFound
	}

	delete(r.sessions, id)
	return nil
}

func (r *MemorySessionStatsRepository) ListActive(ctx context.Context) ([]*domain.SessionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*domain.SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		copied := *info
		infos = append(infos, &copied)
	}
	return infos, nil
}

func (r *MemorySessionStatsRepository) RecordStream(ctx context.Context, record *domain.StreamRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *record
	r.streams = append(r.streams, &copied)
	return nil
}
