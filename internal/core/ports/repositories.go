package ports

import (
	"context"

	"aetherlive/internal/core/domain"
)

type SessionStatsRepository interface {
	Save(ctx context.Context, info *domain.SessionInfo) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionInfo, error)
	Delete(ctx context.Context, id domain.SessionID) error
	ListActive(ctx context.Context) ([]*domain.SessionInfo, error)
	RecordStream(ctx context.Context, record *domain.StreamRecord) error
}
