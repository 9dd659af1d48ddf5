// Package errors holds the typed error values the rest of pilotd dispatches
// on, plus the circuit breaker and retry-with-backoff helpers that protect
// the VLM subprocess and the gateway's lifecycle endpoints from thrashing.
//
// Per the error-kind table, control flow never relies on exceptions: every
// fallible operation returns one of these sentinel-wrapped errors and the
// caller switches on errors.Is.
package errors

import "errors"

// Sentinel error kinds, one per row of the error-kind table. Wrap with
// fmt.Errorf("...: %w", ErrX) to attach detail while staying errors.Is-able.
var (
	ErrConfig        = errors.New("config error")
	ErrVLMUnreachable = errors.New("vlm unreachable")
	ErrVLMTimeout     = errors.New("vlm timeout")
	ErrParse          = errors.New("parse error")
	ErrSafetyBlock    = errors.New("safety block")
	ErrActuator       = errors.New("actuator error")
	ErrMaxIterations  = errors.New("max iterations reached")
	ErrBusy           = errors.New("busy")
	ErrAuth           = errors.New("auth error")
	ErrRateLimited    = errors.New("rate limited")
	ErrBodyTooLarge   = errors.New("body too large")
	ErrBlocked        = errors.New("blocked")
)

// Is reports whether err wraps target, a thin re-export so callers only
// need to import this package.
func Is(err, target error) bool { return errors.Is(err, target) }
