package room

import (
	"errors"

	"github.com/classmesh/classmesh/pkg/classroom"
)

var (
	// ErrNotAuthorized is returned by Join when the identity adapter rejects
	// the token for the class.
	ErrNotAuthorized = errors.New("room: not authorized")

	// ErrRoomUnavailable is returned by Join when the class cannot be
	// resolved to this room or the identity backend is down.
	ErrRoomUnavailable = errors.New("room: unavailable")

	// ErrTargetNotFound is returned by RelaySignal when the addressee is
	// not in the roster. The sender has already been notified; callers
	// should not treat it as a failure.
	ErrTargetNotFound = errors.New("room: target not found")

	// ErrNotMember is returned when the caller is not (or no longer) the
	// current connection of a roster entry.
	ErrNotMember = errors.New("room: not a member")

	// ErrRoomClosed is returned once the coordinator has stopped.
	ErrRoomClosed = errors.New("room: closed")

	// ErrNoSuchRoom is returned by registry lookups for rooms that are not
	// live.
	ErrNoSuchRoom = errors.New("room: no such room")

	// ErrForbidden is returned when the caller's role may not perform the
	// operation.
	ErrForbidden = errors.New("room: forbidden")

	// ErrBadRequest is returned for malformed arguments.
	ErrBadRequest = errors.New("room: bad request")
)

// Code maps an error returned by this package to a wire error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return classroom.CodeNotAuthorized
	case errors.Is(err, ErrRoomUnavailable), errors.Is(err, ErrRoomClosed), errors.Is(err, ErrNoSuchRoom):
		return classroom.CodeRoomUnavailable
	case errors.Is(err, ErrNotMember):
		return classroom.CodeNotJoined
	case errors.Is(err, ErrForbidden):
		return classroom.CodeForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, classroom.ErrInvalidSignal):
		return classroom.CodeBadRequest
	default:
		return classroom.CodeInternal
	}
}
