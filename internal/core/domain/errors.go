package domain

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrIdentityTaken     = errors.New("identity already registered")
	ErrEmptyRoomCode     = errors.New("room code must not be empty")
	ErrNoDestinations    = errors.New("no stream destinations configured")
	ErrNotHost           = errors.New("operation restricted to host role")
	ErrCloudOffline      = errors.New("discovery channel offline")
	ErrRelayOffline      = errors.New("relay connection offline")
	ErrStreamKeyRequired = errors.New("stream key required")
	ErrAlreadyLive       = errors.New("stream already live")
)
