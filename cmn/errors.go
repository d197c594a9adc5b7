package cmn

import "github.com/pkg/errors"

// Typed error kinds, see spec.md section 7 ("Error Handling Design").
// Mirrors err_utils_linux.go's style of a small set of named, checkable
// error predicates rather than a deep custom error-type hierarchy.

var (
	// ErrOwnershipMismatch: a chunk arrived for a segment this node does not
	// own under the current write-CH.
	ErrOwnershipMismatch = errors.New("segment not owned under current write-CH")
	// ErrUnsolicitedChunk: a chunk arrived for a segment with no matching task.
	ErrUnsolicitedChunk = errors.New("chunk received for a segment with no active task")
	// ErrNoSource: the source selector found no eligible remote owner.
	ErrNoSource = errors.New("no eligible source for segment")
	// ErrStaleTopology: on_topology_update received a topology id that is not
	// greater than the current one (I4, topology monotonicity). A re-delivery
	// of the current id is rejected with this error as well, not accepted.
	ErrStaleTopology = errors.New("topology id older than current")
	// ErrTransferTimeout: await_completion exceeded state_transfer_timeout.
	ErrTransferTimeout = errors.New("state transfer timed out")
	// ErrInterrupted: a blocking wait was interrupted; callers must not
	// swallow this (spec.md 4.10, "Interrupted").
	ErrInterrupted = errors.New("interrupted")
)

// Wrapf attaches context the way the teacher attaches log context, without
// inventing a custom error type.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// IsTransportFailure classifies an error returned by the RPC contract
// as a TransportFailure per spec.md section 7 (as opposed to an
// ApplicationFailure surfaced from within a successful RPC round-trip).
func IsTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Cause(err) != ErrOwnershipMismatch &&
		errors.Cause(err) != ErrUnsolicitedChunk
}
