package model

import "errors"

var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrNoActiveSession   = errors.New("no active session")
	ErrSessionCompleted  = errors.New("session completed")
	ErrLinkLost          = errors.New("sensor link lost")
	ErrCameraUnavailable = errors.New("camera unavailable")
	ErrNotFound          = errors.New("not found")
)
