package domain

import (
	"errors"
	"fmt"
)

// ─── Error Kinds ─────────────────────────────────────────────────────────────
// Kind tags a sentinel error with the propagation policy from spec.md §7:
// Configuration/NotFound/AlreadyExists surface synchronously to the caller;
// Transport/Stale are swallowed and retried; Invariant violations are logged
// and the component continues.

type Kind int

const (
	KindConfiguration Kind = iota
	KindNotFound
	KindAlreadyExists
	KindStale
	KindTransport
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindStale:
		return "stale"
	case KindTransport:
		return "transport"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// KindError wraps an error with its Kind so callers can branch with
// errors.As without string-matching messages.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

func newKindError(k Kind, msg string) *KindError {
	return &KindError{Kind: k, Err: errors.New(msg)}
}

func newKindErrorf(k Kind, format string, args ...any) *KindError {
	return &KindError{Kind: k, Err: fmt.Errorf(format, args...)}
}

// ErrorKind extracts the Kind from err, if any, and reports whether one
// was found.
func ErrorKind(err error) (Kind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return 0, false
}

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// Store / domain errors
	ErrDomainNotFound    = newKindError(KindNotFound, "domain not found")
	ErrDomainExists      = newKindError(KindAlreadyExists, "domain already exists")
	ErrInstanceNotFound  = newKindError(KindNotFound, "instance not found")

	// Decision engine configuration errors (spec.md §4.3, §7)
	ErrMissingEngineConf   = newKindError(KindConfiguration, "engine requires a non-empty configuration")
	ErrNegativePreserveN   = newKindError(KindConfiguration, "preserve_n must not be negative")
	ErrMissingIaaSSite     = newKindError(KindConfiguration, "no IaaS site configured")
	ErrMissingIaaSAlloc    = newKindError(KindConfiguration, "no IaaS allocation configured")
	ErrMissingDeployable   = newKindError(KindConfiguration, "no deployable type configured")
	ErrLaunchInstanceCount = newKindError(KindInvariant, "launch did not return exactly one instance id")

	// PDC errors
	ErrProcessNotFound = newKindError(KindNotFound, "process not found")

	// Registry errors
	ErrUnknownDeployableType = newKindError(KindNotFound, "unknown deployable type")

	// Transport (provisioner / EE agent / notifier) errors are wrapped at
	// the call site with NewTransportError so the underlying cause survives.
)

// NewTransportError wraps a transport-layer failure (provisioner, EE agent,
// subscriber notify) so integration seams can recognize it and retry
// instead of propagating it to the original caller.
func NewTransportError(op string, cause error) error {
	return &KindError{Kind: KindTransport, Err: fmt.Errorf("%s: %w", op, cause)}
}

// NewStaleError marks a dropped update (e.g. a heartbeat whose round is
// behind the current process round) without treating it as a failure.
func NewStaleError(msg string) error {
	return newKindError(KindStale, msg)
}

// NewInvariantError records a detected invariant violation that the
// component should log and continue past (availability over strictness).
func NewInvariantError(format string, args ...any) error {
	return newKindErrorf(KindInvariant, format, args...)
}
