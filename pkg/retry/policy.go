// Copyright 2024-2026 Aiku AI

// Package retry holds the shared backoff decision logic for membership,
// topic and leave/kick operations against the homeserver. The backoff is
// linear with jitter and capped, not exponential: homeserver rate limits
// are per-minute windows, so exponential blowup buys nothing.
package retry

import (
	"errors"
	"math/rand"
	"net/http"
	"time"

	"maunium.net/go/mautrix"
)

// Class identifies the kind of remote operation being retried. Leave and
// kick operations treat client errors as terminal; other classes only stop
// on permission denials.
type Class int

const (
	ClassJoin Class = iota
	ClassLeave
	ClassInvite
	ClassTopic
	ClassVisibility
)

// DelayCap bounds any computed backoff delay.
const DelayCap = 30 * time.Minute

// DefaultMaxAttempts is the retry ceiling applied when a policy does not
// set its own.
const DefaultMaxAttempts = 10

// Policy computes retry decisions for one operation class.
type Policy struct {
	Class       Class
	MaxAttempts int           // 0 means DefaultMaxAttempts, negative means never retry
	BaseDelay   time.Duration // multiplied by the attempt count
	JitterMax   time.Duration // uniform random addition in [0, JitterMax)

	// rng is injectable for tests; nil uses math/rand.
	rng func() float64
}

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

var giveUp = Decision{}

// Default returns the stock policy for a class. Join-like operations back
// off gently; leave/kick operations use a longer base because they are
// queued in bulk during netsplits.
func Default(class Class) Policy {
	switch class {
	case ClassLeave:
		return Policy{Class: class, MaxAttempts: DefaultMaxAttempts, BaseDelay: 500 * time.Millisecond, JitterMax: 5 * time.Second}
	default:
		return Policy{Class: class, MaxAttempts: DefaultMaxAttempts, BaseDelay: 250 * time.Millisecond, JitterMax: 500 * time.Millisecond}
	}
}

// Evaluate decides whether a failed attempt should be retried and with what
// delay. attempt is 1-based: the number of attempts already made, including
// the one that just failed.
func (p Policy) Evaluate(err error, attempt int, retryAllowed bool) Decision {
	if !retryAllowed {
		return giveUp
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxAttempts < 0 || attempt >= maxAttempts {
		return giveUp
	}

	status := HTTPStatus(err)
	if IsPermissionDenied(err) {
		return giveUp
	}
	// Rate limiting is transient even though it arrives as a 4xx.
	if status == http.StatusTooManyRequests || errors.Is(err, mautrix.MLimitExceeded) {
		return Decision{Retry: true, Delay: p.delay(attempt)}
	}
	if p.Class == ClassLeave && status >= 400 && status < 500 {
		return giveUp
	}

	return Decision{Retry: true, Delay: p.delay(attempt)}
}

func (p Policy) delay(attempt int) time.Duration {
	rng := p.rng
	if rng == nil {
		rng = rand.Float64
	}
	d := time.Duration(attempt)*p.BaseDelay + time.Duration(rng()*float64(p.JitterMax))
	if d > DelayCap {
		d = DelayCap
	}
	return d
}

// IsPermissionDenied reports whether the error is a permission denial:
// either an explicit M_FORBIDDEN response or a bare HTTP 403.
func IsPermissionDenied(err error) bool {
	if errors.Is(err, mautrix.MForbidden) {
		return true
	}
	return HTTPStatus(err) == http.StatusForbidden
}

// IsNotApplicable reports whether the error means the operation had nothing
// to do (target missing, user already absent). Callers treat these as
// success.
func IsNotApplicable(err error) bool {
	return errors.Is(err, mautrix.MNotFound)
}

// HTTPStatus extracts the HTTP status code from a homeserver error, or 0 if
// the error did not come from an HTTP response.
func HTTPStatus(err error) int {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode
	}
	return 0
}
