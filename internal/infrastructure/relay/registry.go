package relay

import (
	"context"
	"sync"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/core/ports"

	"go.uber.org/zap"
)

// Registry maps session IDs to live relay sessions. One instance is
// constructed per server process and passed to connection handlers; no
// package-level state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*session

	stats  ports.SessionStatsRepository
	logger *zap.SugaredLogger
}

func NewRegistry(stats ports.SessionStatsRepository, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*session),
		stats:    stats,
		logger:   logger.Sugar(),
	}
}

// getOrCreate returns the session for id, creating it on first join.
// The second return reports whether the session was created.
func (r *Registry) getOrCreate(id domain.SessionID) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := newSession(id)
	r.sessions[id] = s
	r.logger.Infow("session created", "session_id", id)
	return s, true
}

func (r *Registry) get(id domain.SessionID) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// remove destroys a session entry. Called exactly when the socket set
// transitions to empty; a still-registered transcoder is terminated
// defensively.
func (r *Registry) remove(id domain.SessionID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}

	if t := s.takeTranscoder(); t != nil {
		r.logger.Warnw("destroying session with live transcoder", "session_id", id)
		go t.Stop()
	}

	r.logger.Infow("session destroyed", "session_id", id)
	r.persistRemoval(id)
}

// Sessions returns snapshots of all live sessions, for the HTTP API.
func (r *Registry) Sessions() []*domain.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*domain.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.snapshot())
	}
	return infos
}

// Session returns the snapshot of one live session.
func (r *Registry) Session(id domain.SessionID) (*domain.SessionInfo, error) {
	s, ok := r.get(id)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) persistSnapshot(s *session) {
	if r.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.stats.Save(ctx, s.snapshot()); err != nil {
		r.logger.Warnw("failed to persist session snapshot", "session_id", s.id, "error", err)
	}
}

func (r *Registry) persistRemoval(id domain.SessionID) {
	if r.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.stats.Delete(ctx, id); err != nil {
		r.logger.Warnw("failed to remove persisted session", "session_id", id, "error", err)
	}
}

func (r *Registry) recordStream(record *domain.StreamRecord) {
	if r.stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.stats.RecordStream(ctx, record); err != nil {
		r.logger.Warnw("failed to record stream", "session_id", record.SessionID, "error", err)
	}
}
