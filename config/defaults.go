package config

import "time"

// Timing constants for the session core.  Callers may override the
// command timeout per call; the rest are fixed policy.
const (
	// DefaultReadyTimeout bounds a single SSH handshake.
	DefaultReadyTimeout = 20 * time.Second

	// HandshakeGrace is added on top of the ready timeout before the
	// establisher hard-fails with a Timeout error.
	HandshakeGrace = 10 * time.Second

	// DefaultCommandTimeout applies when an exec call supplies none.
	DefaultCommandTimeout = 30 * time.Second

	// ProjectInitTimeout gives scaffold commands extra headroom.
	ProjectInitTimeout = 120 * time.Second

	// DefaultIdleTTL is how long a session may sit idle before the
	// sweep evicts it.
	DefaultIdleTTL = 15 * time.Minute

	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)
