package envelope

import (
	"github.com/pkg/errors"
)

// ErrorKind classifies a key hierarchy failure so callers can react to it
// without string-matching an error message.
type ErrorKind int

const (
	// Internal covers failures that don't fit another Kind.
	Internal ErrorKind = iota
	// Kms is returned when the KeyManagementService fails to encrypt or
	// decrypt a system key.
	Kms
	// Metastore is returned when the Metastore fails to load or store a key.
	Metastore
	// Crypto is returned on AEAD authentication failure; it suggests
	// corruption or cross-partition misuse.
	Crypto
	// KeyNotFound is returned when a pinned (id, created) lookup finds no
	// record.
	KeyNotFound
	// InvalidPartition is returned when an intermediate key's parent does
	// not belong to the caller's partition.
	InvalidPartition
	// InvalidKeyState is returned when a cached or loaded key record fails
	// a structural check, e.g. a missing parent key meta.
	InvalidKeyState
	// SecretClosed is returned by an operation on a closed Session or a
	// destroyed Secure Buffer.
	SecretClosed
	// MemoryCorruption is returned when a Secure Buffer's canary no longer
	// matches at destroy time.
	MemoryCorruption
)

func (k ErrorKind) String() string {
	switch k {
	case Kms:
		return "kms"
	case Metastore:
		return "metastore"
	case Crypto:
		return "crypto"
	case KeyNotFound:
		return "key_not_found"
	case InvalidPartition:
		return "invalid_partition"
	case InvalidKeyState:
		return "invalid_key_state"
	case SecretClosed:
		return "secret_closed"
	case MemoryCorruption:
		return "memory_corruption"
	default:
		return "internal"
	}
}

// Error is the sentinel error type returned by the key hierarchy engine.
// Callers inspect Kind with errors.As to decide how to react, e.g.
//
//	var kerr *envelope.Error
//	if errors.As(err, &kerr) && kerr.Kind == envelope.InvalidPartition { ... }
type Error struct {
	Kind ErrorKind
	msg  string
	// cause is the underlying error from a collaborator (Metastore, KMS,
	// AEAD), if any.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error of the same Kind, so plain
// errors.Is(err, &envelope.Error{Kind: envelope.InvalidPartition}) works
// without needing the exact message or cause to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// newError returns a Kind-tagged error with a stack trace attached.
func newError(kind ErrorKind, msg string) error {
	return errors.WithStack(&Error{Kind: kind, msg: msg})
}

// wrapError tags err with kind, preserving err as the cause, and attaches a
// stack trace at the wrap site.
func wrapError(kind ErrorKind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: kind, msg: msg, cause: err})
}

// KindOf returns the ErrorKind carried by err, if any, and whether one was
// found. It unwraps through any errors.WithStack/errors.Wrap layers.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Internal, false
}
