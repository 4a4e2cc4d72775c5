package model

import "errors"

// Sentinel errors shared by the sync packages.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrNotConnected      = errors.New("calendar not connected")
	ErrExternalTransient = errors.New("calendar service unavailable")
	ErrExternalNotFound  = errors.New("calendar event not found")
	ErrExternalConflict  = errors.New("calendar linkage changed concurrently")
	ErrMalformedMapping  = errors.New("task cannot be mapped to a calendar event")
	ErrTaskNotFound      = errors.New("task not found")
	ErrChannelNotFound   = errors.New("watch channel not found")
)

// Failure reasons exposed to API callers.
const (
	ReasonNeedsAuthorization = "needs_authorization"
	ReasonRetryLater         = "retry_later"
	ReasonConflict           = "conflict"
	ReasonInvalidTask        = "invalid_task"
	ReasonNotFound           = "not_found"
	ReasonUnauthenticated    = "unauthenticated"
	ReasonInternal           = "internal"
)

// Reason maps an error chain to a stable reason string. Nil maps to "".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return ReasonUnauthenticated
	case errors.Is(err, ErrNotConnected):
		return ReasonNeedsAuthorization
	case errors.Is(err, ErrExternalConflict):
		return ReasonConflict
	case errors.Is(err, ErrMalformedMapping):
		return ReasonInvalidTask
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrChannelNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrExternalTransient), errors.Is(err, ErrExternalNotFound):
		return ReasonRetryLater
	default:
		return ReasonInternal
	}
}
