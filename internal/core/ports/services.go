package ports

import (
	"context"

	"aetherlive/internal/core/domain"
)

// Transcoder is an owned handle to one external encoding process. Feed
// reports whether the chunk was accepted; a false return means the chunk
// was dropped (queue full or input no longer writable), never an error.
type Transcoder interface {
	Start(ctx context.Context) error
	Feed(chunk []byte) bool
	Stop() error
	Running() bool
	Destinations() []string
}

// TranscoderFactory builds a transcoder for a fixed destination set.
// onExit is invoked exactly once, from the process reaper, with the
// process exit code.
type TranscoderFactory interface {
	New(sessionID domain.SessionID, destinations []string, onExit func(code int)) (Transcoder, error)
	// IngestURL derives the primary RTMP destination from a stream key.
	IngestURL(streamKey string) string
}

// RelayMetrics receives relay-side measurement events. Implemented by the
// prometheus collector; a no-op implementation is used in tests.
type RelayMetrics interface {
	RecordClientJoined(sessionID domain.SessionID, role domain.Role)
	RecordClientLeft(sessionID domain.SessionID, role domain.Role)
	RecordSessionCreated()
	RecordSessionDestroyed()
	RecordTranscoderSpawned()
	RecordTranscoderExited(code int)
	RecordChunkRelayed(bytes int)
	RecordChunkDropped()
}
