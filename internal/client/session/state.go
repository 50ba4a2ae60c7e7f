package session

// Connection status exposed to the application layer. Derived from
// events reported by the two transports; the authoritative state lives
// in the discovery and relay client objects.

type CloudState int

const (
	CloudIdle CloudState = iota
	CloudConnecting
	CloudOnline
	CloudOffline
)

func (s CloudState) String() string {
	switch s {
	case CloudIdle:
		return "idle"
	case CloudConnecting:
		return "connecting"
	case CloudOnline:
		return "online"
	case CloudOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type RelayState int

const (
	RelayOffline RelayState = iota
	RelayOnline
)

func (s RelayState) String() string {
	if s == RelayOnline {
		return "online"
	}
	return "offline"
}

type StreamState int

const (
	StreamIdle StreamState = iota
	StreamLive
)

func (s StreamState) String() string {
	if s == StreamLive {
		return "live"
	}
	return "idle"
}

type Status struct {
	Cloud  CloudState
	Relay  RelayState
	Stream StreamState
}

// EventKind names a transition trigger observed on one of the
// transports or requested by the user.
type EventKind int

const (
	EventCloudConnecting EventKind = iota
	EventCloudOpened
	EventCloudLost
	EventRelayOnline
	EventRelayOffline
	EventStreamStarted
	EventStreamStopped
	EventTranscoderExited
)

// Apply is the pure transition function. It never touches sockets or
// timers, so transitions are testable in isolation.
func Apply(s Status, ev EventKind) Status {
	next := s
	switch ev {
	case EventCloudConnecting:
		next.Cloud = CloudConnecting
	case EventCloudOpened:
		next.Cloud = CloudOnline
	case EventCloudLost:
		next.Cloud = CloudOffline
	case EventRelayOnline:
		next.Relay = RelayOnline
	case EventRelayOffline:
		// The stream cannot continue without the relay; a reconnect is
		// an interruption, not a resume.
		next.Relay = RelayOffline
		next.Stream = StreamIdle
	case EventStreamStarted:
		next.Stream = StreamLive
	case EventStreamStopped, EventTranscoderExited:
		next.Stream = StreamIdle
	}
	return next
}
