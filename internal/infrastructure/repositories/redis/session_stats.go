package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const streamHistoryLimit = 100

type RedisSessionStatsRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStatsRepository(client *redis.Client) ports.SessionStatsRepository {
	return &RedisSessionStatsRepository{
		client: client,
		prefix: "aether:session:",
	}
}

func (r *RedisSessionStatsRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisSessionStatsRepository) activeSessionsKey() string {
	return r.prefix + "active"
}

func (r *RedisSessionStatsRepository) streamHistoryKey(id domain.SessionID) string {
	return r.prefix + string(id) + ":streams"
}

func (r *RedisSessionStatsRepository) Save(ctx context.Context, info *domain.SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session info: %w", err)
	}

	if err := r.client.Set(ctx, r.sessionKey(info.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	if err := r.client.SAdd(ctx, r.activeSessionsKey(), string(info.ID)).Err(); err != nil {
		return fmt.Errorf("failed to add session to active set: %w", err)
	}

	return nil
}

func (r *RedisSessionStatsRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionInfo, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var info domain.SessionInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session info: %w", err)
	}

	return &info, nil
}

func (r *RedisSessionStatsRepository) Delete(ctx context.Context, id domain.SessionID) error {
	if err := r.client.Del(ctx, r.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	if err := r.client.SRem(ctx, r.activeSessionsKey(), string(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove session from active set: %w", err)
	}
	return nil
}

func (r *RedisSessionStatsRepository) ListActive(ctx context.Context) ([]*domain.SessionInfo, error) {
	ids, err := r.client.SMembers(ctx, r.activeSessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	infos := make([]*domain.SessionInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.GetByID(ctx, domain.SessionID(id))
		if err == domain.ErrSessionNotFound {
			// Stale set entry; clean it up and move on.
			r.client.SRem(ctx, r.activeSessionsKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (r *RedisSessionStatsRepository) RecordStream(ctx context.Context, record *domain.StreamRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal stream record: %w", err)
	}

	key := r.streamHistoryKey(record.SessionID)
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, streamHistoryLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record stream in Redis: %w", err)
	}
	return nil
}
