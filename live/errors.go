package live

import (
	"errors"
	"strings"
)

// ErrAbandoned is surfaced through RecError when the consecutive capture
// error budget is exhausted and the session is finalized with whatever
// segments were captured.
var ErrAbandoned = errors.New("capture retry budget exhausted, recording abandoned")

// CaptureErrorClass buckets a capture subprocess failure for the retry policy.
type CaptureErrorClass int

const (
	// CaptureErrorKilled marks exits caused by our own signals. Suppressed.
	CaptureErrorKilled CaptureErrorClass = iota
	// CaptureErrorDiskFull triggers a cleanup pass and an immediate retry
	// that does not consume the retry budget.
	CaptureErrorDiskFull
	// CaptureErrorRemoteServer is a server-side ingest failure.
	CaptureErrorRemoteServer
	// CaptureErrorUnknown is everything else.
	CaptureErrorUnknown
)

func (c CaptureErrorClass) String() string {
	switch c {
	case CaptureErrorKilled:
		return "killed"
	case CaptureErrorDiskFull:
		return "disk-exhaustion"
	case CaptureErrorRemoteServer:
		return "remote-server-error"
	default:
		return "unknown"
	}
}

// ClassifyCaptureError maps a subprocess exit error to its class by message
// inspection. The capture tool does not expose structured errors, so this is
// substring matching against known stderr shapes.
func ClassifyCaptureError(err error) CaptureErrorClass {
	if err == nil {
		return CaptureErrorUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "signal: killed"),
		strings.Contains(msg, "signal: terminated"),
		strings.Contains(msg, "signal: interrupt"):
		return CaptureErrorKilled
	case strings.Contains(msg, "no space left on device"),
		strings.Contains(msg, "disk full"),
		strings.Contains(msg, "conversion failed"):
		return CaptureErrorDiskFull
	case strings.Contains(msg, "server returned 5"),
		strings.Contains(msg, "5xx server error"),
		strings.Contains(msg, "server error"):
		return CaptureErrorRemoteServer
	default:
		return CaptureErrorUnknown
	}
}
