package core

import "errors"

var (
	ErrAlreadyQueuedOrPaired = errors.New("client is already queued or paired")
	ErrAlreadyPaired         = errors.New("client is already paired")
	ErrAlreadyConnected      = errors.New("client is already connected")
	ErrNotConnected          = errors.New("client is not connected")
	ErrNotInSession          = errors.New("client is not in an active conversation")
	ErrInvalidState          = errors.New("operation is not valid in the current state")
	ErrUnknownKind           = errors.New("unknown matchmaking kind")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrSameClient            = errors.New("session members must be distinct")
)
