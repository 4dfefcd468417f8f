package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrAlreadyHandled   = errors.New("opportunity already handled")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrSubscribeTimeout = errors.New("subscription not acknowledged in time")
	ErrRetryExhausted   = errors.New("retry budget exhausted")
	ErrLockHeld         = errors.New("lock already held")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRateLimited      = errors.New("rate limited")
)
