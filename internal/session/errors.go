package session

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorClass is the failure taxonomy every structured event carries.
type ErrorClass string

const (
	ClassInfo        ErrorClass = "info"
	ClassTransient   ErrorClass = "transient"
	ClassDataQuality ErrorClass = "data_quality"
	ClassRisk        ErrorClass = "risk"
	ClassFatal       ErrorClass = "fatal"
)

// Classify buckets an error for event logging and breaker weighting.
// Timeouts and rate limits are transient; auth-looking failures are fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassInfo
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return ClassTransient
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "api key"), strings.Contains(msg, "signature"), strings.Contains(msg, "forbidden"):
		return ClassFatal
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"), strings.Contains(msg, "temporarily"):
		return ClassTransient
	default:
		return ClassTransient
	}
}
