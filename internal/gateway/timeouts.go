package gateway

import "time"

// Spec-mandated constants (spec §4.3, §5, §6). These are protocol-visible
// behavior, not configuration: the testable properties in spec §8 pin
// their exact values, so they're named constants rather than config-file
// knobs.
const (
	// ListenAddr is the gateway's fixed public bind address.
	ListenAddr = "0.0.0.0:3000"

	// ForwardTimeoutJSON is how long POST /forward waits for a response.
	ForwardTimeoutJSON = 5 * time.Second

	// ForwardTimeoutCatchAll is how long the GET catch-all waits.
	ForwardTimeoutCatchAll = 30 * time.Second

	// ShutdownDrainGrace is how long the gateway waits after
	// broadcasting close frames before releasing the HTTP listener.
	ShutdownDrainGrace = 1 * time.Second
)
