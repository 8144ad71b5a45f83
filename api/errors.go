package api

import "errors"

var (
	// ErrEngineUnavailable means the isolation engine cannot be reached.
	// Nothing works until it comes back.
	ErrEngineUnavailable = errors.New("container engine unavailable")

	ErrImagePullFailed   = errors.New("image pull failed")
	ErrContainerNotFound = errors.New("container not found")

	// ErrLinkPrecondition is returned when an endpoint node has no container.
	ErrLinkPrecondition = errors.New("link precondition failed")

	// ErrLinkOperation wraps the namespace or tc step that failed.
	ErrLinkOperation = errors.New("link operation failed")

	ErrTimeout     = errors.New("timed out waiting for node")
	ErrInvalidSpec = errors.New("invalid spec")
	ErrUnknown     = errors.New("unknown object")
)
