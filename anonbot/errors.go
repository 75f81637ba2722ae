package anonbot

import "errors"

var (
	// ErrHandleTaken is returned when another user in the guild already
	// holds the requested handle
	ErrHandleTaken = errors.New("handle already taken")

	// ErrHandleAlreadySet is returned when the user already has a handle
	// in the guild. Handles can't be changed once created.
	ErrHandleAlreadySet = errors.New("user already has a handle")

	// ErrInvalidHandle is returned for empty, oversized or
	// markdown-breaking handles
	ErrInvalidHandle = errors.New("invalid handle")

	ErrNotFound     = errors.New("not found")
	ErrAlreadyAdmin = errors.New("user is already an admin")
	ErrNotAdmin     = errors.New("user is not an admin")
	ErrUnauthorized = errors.New("insufficient privileges")

	// ErrChannelMismatch is returned when a relay is attempted outside
	// the guild's designated channel
	ErrChannelMismatch = errors.New("wrong channel for anonymous messages")

	// ErrUnconfigured is returned when the relay requires a channel policy
	// and the guild hasn't set one
	ErrUnconfigured = errors.New("no anonymous channel configured")

	// ErrGuildOnly is returned for guild-scoped commands used in DMs
	ErrGuildOnly = errors.New("command only available in servers")
)

// isUserError reports whether err is one of the expected outcomes which
// is answered with a specific reply. Anything else is an internal error.
func isUserError(err error) bool {
	for _, e := range []error{
		ErrHandleTaken,
		ErrHandleAlreadySet,
		ErrInvalidHandle,
		ErrNotFound,
		ErrAlreadyAdmin,
		ErrNotAdmin,
		ErrUnauthorized,
		ErrChannelMismatch,
		ErrUnconfigured,
		ErrGuildOnly,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
