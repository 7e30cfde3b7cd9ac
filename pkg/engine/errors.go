package engine

import "errors"

var (
	// ErrUnknownHandle is returned by the public SetState/Get* API when
	// the caller passes a handle id outside the configured range.
	ErrUnknownHandle = errors.New("engine: unknown handle id")
	// ErrNotAvailable is returned by GetProviderAddr when the client
	// service is not currently offered, or its socket connection is down.
	ErrNotAvailable = errors.New("engine: value not currently available")
)
