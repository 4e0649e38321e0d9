// Package herderr defines the core's error kinds. Callers at the RPC
// boundary check kind with errors.Is against the sentinel values, never by
// matching error strings.
package herderr

import "errors"

// Kind identifies one of the error kinds named in the specification.
type Kind string

const (
	SpawnFailed        Kind = "SpawnFailed"
	ReadinessTimeout   Kind = "ReadinessTimeout"
	ReadinessEarlyExit Kind = "ReadinessEarlyExit"
	StopTimeout        Kind = "StopTimeout"
	StopForceFailed    Kind = "StopForceFailed"
	NotFound           Kind = "NotFound"
	DuplicateId        Kind = "DuplicateId"
	RecoveryExhausted  Kind = "RecoveryExhausted"
	SnapshotCorrupt    Kind = "SnapshotCorrupt"
	TaskNotFound       Kind = "TaskNotFound"
	InvalidStrategy    Kind = "InvalidStrategy"
	AlreadyTerminal    Kind = "AlreadyTerminal"
)

// herderError pairs a Kind with a wrapped cause so errors.Is/errors.As and
// fmt.Errorf's %w keep working across the package boundary.
type herderError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *herderError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *herderError) Unwrap() error { return e.cause }

// Is lets errors.Is(err, herderr.Sentinel(herderr.NotFound)) work by
// comparing kinds with the sentinel error for that kind (see Sentinel below).
func (e *herderError) Is(target error) bool {
	if s, ok := target.(*herderError); ok {
		return e.kind == s.kind
	}
	return false
}

// New creates an error of the given kind with a message.
func New(kind Kind, msg string) error {
	return &herderError{kind: kind, msg: msg}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &herderError{kind: kind, msg: msg, cause: cause}
}

// sentinels, one per kind, so callers can do errors.Is(err, herderr.Sentinel(herderr.NotFound))
var sentinels = map[Kind]error{}

func init() {
	for _, k := range []Kind{SpawnFailed, ReadinessTimeout, ReadinessEarlyExit, StopTimeout,
		StopForceFailed, NotFound, DuplicateId, RecoveryExhausted, SnapshotCorrupt,
		TaskNotFound, InvalidStrategy, AlreadyTerminal} {
		sentinels[k] = &herderError{kind: k, msg: string(k)}
	}
}

// Sentinel returns the comparable sentinel error for a kind, for use with
// errors.Is.
func Sentinel(k Kind) error { return sentinels[k] }

// Of reports the Kind of err, or "" if err does not carry one.
func Of(err error) Kind {
	var he *herderError
	if errors.As(err, &he) {
		return he.kind
	}
	return ""
}

// Is reports whether err (or anything it wraps) is of kind k.
func Is(err error, k Kind) bool {
	return Of(err) == k
}
