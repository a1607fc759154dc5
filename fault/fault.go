// Package fault classifies domain errors into the small set of kinds callers
// react to: bad input, wrong actor, state conflicts and missing records.
//
// Domain packages declare their sentinels through the constructors here, so
// errors.Is keeps working against the sentinel while KindOf lets transport
// layers map any wrapped error to a response without knowing every package.
package fault

import (
	"errors"
)

// Kind is the category of a domain error.
type Kind int

const (
	// KindInternal covers everything that is not a classified domain error.
	KindInternal Kind = iota
	// KindValidation marks missing or malformed input. Nothing was persisted.
	KindValidation
	// KindAuthorization marks a caller that is not allowed to act.
	KindAuthorization
	// KindConflict marks a request that lost against the current state.
	// Re-reading the entity and retrying is always safe.
	KindConflict
	// KindNotFound marks an unknown identifier.
	KindNotFound
)

// String returns the stable lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is a classified sentinel. Values are compared by identity.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Kind reports the category of the error.
func (e *Error) Kind() Kind { return e.kind }

// Validation declares a validation sentinel.
func Validation(msg string) *Error { return &Error{kind: KindValidation, msg: msg} }

// Authorization declares an authorization sentinel.
func Authorization(msg string) *Error { return &Error{kind: KindAuthorization, msg: msg} }

// Conflict declares a state-conflict sentinel.
func Conflict(msg string) *Error { return &Error{kind: KindConflict, msg: msg} }

// NotFound declares a not-found sentinel.
func NotFound(msg string) *Error { return &Error{kind: KindNotFound, msg: msg} }

// KindOf walks the wrap chain and returns the kind of the first classified
// error, or KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindInternal
}

// IsCallerError reports whether the caller can correct the request. Internal
// errors are the only ones a caller cannot fix by re-reading state.
func IsCallerError(err error) bool {
	return err != nil && KindOf(err) != KindInternal
}
