package domain

import "time"

type SessionID string
type RoomCode string
type ClientID string

// Role of a relay client within a session.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

func (r Role) Valid() bool {
	return r == RoleHost || r == RoleClient
}

// SessionInfo is a read-only snapshot of a relay session, used by the
// HTTP API and the stats repositories.
type SessionInfo struct {
	ID            SessionID `json:"id"`
	Clients       int       `json:"clients"`
	HostConnected bool      `json:"host_connected"`
	Streaming     bool      `json:"streaming"`
	BytesRelayed  int64     `json:"bytes_relayed"`
	ChunksDropped int64     `json:"chunks_dropped"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// StreamRecord is the persisted outcome of one transcoder run.
type StreamRecord struct {
	SessionID    SessionID `json:"session_id"`
	Destinations []string  `json:"destinations"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	BytesRelayed int64     `json:"bytes_relayed"`
	ExitCode     int       `json:"exit_code"`
}
