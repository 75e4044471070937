package offline

import "errors"

var (
	// ErrOffline is returned when the network failed and no cached copy exists.
	ErrOffline = errors.New("offline: network unavailable and no cached response")

	// ErrLifecycle is returned for a lifecycle event the current state does not
	// accept.
	ErrLifecycle = errors.New("offline: invalid lifecycle transition")
)
