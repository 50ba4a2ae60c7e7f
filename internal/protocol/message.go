package protocol

import (
	"encoding/json"

	"aetherlive/internal/core/domain"
)

// Control message types exchanged as text frames on the relay socket.
// Binary frames carry opaque media chunks and have no envelope.
const (
	TypeJoin        = "join"
	TypeStartStream = "start-stream"
	TypeStopStream  = "stop-stream"
	TypeStarted     = "started"
	TypeStopped     = "stopped"
	TypeFFmpegClose = "ffmpeg_closed"
	TypeError       = "error"
	TypePeerJoined  = "peer-joined"
	TypePeerLeft    = "peer-left"
)

// ControlMessage is the JSON envelope for every control frame, both
// directions. Unused fields are omitted per message type.
type ControlMessage struct {
	Type         string           `json:"type"`
	Role         domain.Role      `json:"role,omitempty"`
	SessionID    domain.SessionID `json:"sessionId,omitempty"`
	StreamKey    string           `json:"streamKey,omitempty"`
	Destinations []string         `json:"destinations,omitempty"`
	Token        string           `json:"token,omitempty"`
	Code         int              `json:"code,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Decode parses one text frame into a control message.
func Decode(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
