package sampler

import "errors"

var (
	// ErrPermissionDenied is terminal for the session that hit it.
	ErrPermissionDenied = errors.New("sampler: location permission denied")
	// ErrUnsupported means the device has no positioning capability.
	ErrUnsupported = errors.New("sampler: positioning unsupported")
	// ErrPositionUnavailable is a transient sensor failure.
	ErrPositionUnavailable = errors.New("sampler: position unavailable")
	// ErrTimeout is returned when a one-shot request exceeds its deadline.
	ErrTimeout = errors.New("sampler: position request timed out")
)

// Terminal reports whether err ends a tracking session.
func Terminal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupported)
}

// ErrorFromCode maps device-reported error codes to sentinels.
func ErrorFromCode(code string) (error, bool) {
	switch code {
	case "permission_denied":
		return ErrPermissionDenied, true
	case "position_unavailable":
		return ErrPositionUnavailable, true
	case "timeout":
		return ErrTimeout, true
	case "unsupported":
		return ErrUnsupported, true
	default:
		return nil, false
	}
}
