// Package apperr defines the typed failures returned by the role engine and the
// incident lifecycle. Each failure carries enough structured detail for a caller
// to render one message without another round-trip.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes domain failures.
type Kind string

const (
	// KindRoleConflict: a person already holds a role incompatible with the request.
	KindRoleConflict Kind = "role_conflict"

	// KindPermissionDenied: the actor's role or scope does not authorize the action.
	KindPermissionDenied Kind = "permission_denied"

	// KindInvalidAssignment: a structural mismatch such as a crew outside the
	// department or an inactive entity.
	KindInvalidAssignment Kind = "invalid_assignment"

	// KindStaleState: an optimistic-concurrency precondition failed.
	KindStaleState Kind = "stale_state"

	// KindValidation: malformed input.
	KindValidation Kind = "validation_error"
)

// PersonRef identifies a person involved in a failure.
type PersonRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Error is a domain failure.
type Error struct {
	Kind    Kind
	Message string

	// Field names the offending input for validation errors.
	Field string

	// Entity names the offending organizational entity or incident.
	Entity string

	// Persons lists every conflicting person, never only the first.
	Persons []PersonRef

	// Current and Attempted describe a stale status or role.
	Current   string
	Attempted string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Persons) > 0 {
		names := make([]string, 0, len(e.Persons))
		for _, p := range e.Persons {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(names, ", "))
	}
	if e.Current != "" || e.Attempted != "" {
		fmt.Fprintf(&b, " [current=%s attempted=%s]", e.Current, e.Attempted)
	}
	return b.String()
}

// Is matches sentinel errors by kind so errors.Is(err, ErrStaleState) works on
// any wrapped *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

var (
	ErrRoleConflict      = &Error{Kind: KindRoleConflict}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrInvalidAssignment = &Error{Kind: KindInvalidAssignment}
	ErrStaleState        = &Error{Kind: KindStaleState}
	ErrValidation        = &Error{Kind: KindValidation}
)

// As extracts the domain error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of a domain error, or "" for infrastructure errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func RoleConflict(msg string, persons ...PersonRef) *Error {
	return &Error{Kind: KindRoleConflict, Message: msg, Persons: persons}
}

func PermissionDenied(format string, args ...any) *Error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

func InvalidAssignment(entity, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidAssignment, Entity: entity, Message: fmt.Sprintf(format, args...)}
}

func Stale(entity, current, attempted, msg string) *Error {
	return &Error{Kind: KindStaleState, Entity: entity, Current: current, Attempted: attempted, Message: msg}
}

func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}
