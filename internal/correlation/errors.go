package correlation

import "errors"

var (
	// ErrEngineUnavailable is returned when the engine cannot take a detection right now;
	// the caller should retry the same detection.
	ErrEngineUnavailable = errors.New("correlation engine unavailable")

	// ErrInvalidDetection wraps validation failures of submitted detections.
	ErrInvalidDetection = errors.New("invalid detection")

	// ErrNotFound is returned for unknown or already closed incident ids.
	ErrNotFound = errors.New("incident not found")
)
