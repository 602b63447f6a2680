// Package classify provides the default ErrorClassifier implementation
// consulted by the Job Runner whenever a handler returns a plain error
// instead of a tagged *engine.HandlerError (spec §7 propagation
// policy). It is intentionally conservative: unrecognized errors land
// on "permanent" so a buggy handler can't retry forever by accident.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/integritystudio/scanforge/internal/engine"
)

// Default is a stateless ErrorClassifier covering the common transient
// failure shapes a scan/doc/cleanup handler is likely to surface:
// context deadlines, connection resets, and a small set of substrings
// pulled from driver-level errors (locks, rate limits) that don't carry
// a typed Go error.
var Default engine.ErrorClassifier = engine.ErrorClassifierFunc(classify)

func classify(err error) (string, engine.Classification) {
	switch {
	case err == nil:
		return "", engine.ClassUnknown
	case errors.Is(err, context.Canceled):
		return "cancelled", engine.ClassCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", engine.ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "net_timeout", engine.ClassTimeout
		}
		return "net_error", engine.ClassTransient
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "connection_error", engine.ClassTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return "rate_limited", engine.ClassRateLimited
	case containsAny(msg, "lock", "busy", "conflict", "503", "temporarily unavailable"):
		return "transient", engine.ClassTransient
	case containsAny(msg, "not found", "invalid", "schema", "permission denied", "unauthorized"):
		return "permanent", engine.ClassPermanent
	}

	return "unclassified", engine.ClassPermanent
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
