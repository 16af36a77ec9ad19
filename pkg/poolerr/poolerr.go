// Package poolerr names the error kinds a relaypool component can raise.
//
// Each kind is a sentinel usable with errors.Is; component packages wrap it
// with fmt.Errorf("...: %w", kind) so callers can classify a failure without
// string matching: config, transport, authentication, protocol, state,
// backend, fatal.
package poolerr

import "errors"

var (
	// ErrConfig marks a malformed HBA/password/pool-config file.
	ErrConfig = errors.New("config error")

	// ErrTransport marks a socket/read/write/EOF failure.
	ErrTransport = errors.New("transport error")

	// ErrAuthentication marks a failed client or PCP authentication attempt.
	ErrAuthentication = errors.New("authentication failed")

	// ErrProtocol marks a malformed frame: bad ToS, truncated frame, too-long token.
	ErrProtocol = errors.New("protocol error")

	// ErrState marks an operation rejected due to component state, e.g. a
	// request enqueued while the failover engine is switching, an
	// out-of-range node id, or promote requested outside streaming mode.
	ErrState = errors.New("invalid state")

	// ErrBackend marks a verification connection refused or timed out.
	ErrBackend = errors.New("backend error")

	// ErrFatal marks a condition that must escalate to supervisor shutdown:
	// out of memory, or the status file cannot be opened for write.
	ErrFatal = errors.New("fatal error")
)
