// Copyright 2024-2026 Aiku AI

package retry

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix"
)

func httpError(status int, errCode string) error {
	err := mautrix.HTTPError{
		Response: &http.Response{StatusCode: status},
	}
	if errCode != "" {
		err.RespError = &mautrix.RespError{ErrCode: errCode, Err: "test"}
	}
	return err
}

func fixedRNG(v float64) func() float64 {
	return func() float64 { return v }
}

func TestEvaluateTransientErrorsRetry(t *testing.T) {
	t.Parallel()
	p := Default(ClassJoin)
	p.rng = fixedRNG(0)

	for _, status := range []int{500, 502, 504, 429} {
		d := p.Evaluate(httpError(status, ""), 1, true)
		assert.True(t, d.Retry, "status %d should be retryable", status)
	}
	d := p.Evaluate(errors.New("connection reset"), 1, true)
	assert.True(t, d.Retry, "plain network errors should be retryable")
}

func TestEvaluatePermissionDeniedIsTerminal(t *testing.T) {
	t.Parallel()
	for _, class := range []Class{ClassJoin, ClassLeave, ClassTopic} {
		p := Default(class)
		assert.False(t, p.Evaluate(httpError(403, ""), 1, true).Retry, "bare 403, class %d", class)
		assert.False(t, p.Evaluate(httpError(403, "M_FORBIDDEN"), 1, true).Retry, "M_FORBIDDEN, class %d", class)
	}
}

func TestEvaluateClientErrorTerminalOnlyForLeave(t *testing.T) {
	t.Parallel()
	leave := Default(ClassLeave)
	join := Default(ClassJoin)

	assert.False(t, leave.Evaluate(httpError(400, "M_BAD_JSON"), 1, true).Retry)
	assert.False(t, leave.Evaluate(httpError(404, "M_NOT_FOUND"), 1, true).Retry)
	assert.True(t, join.Evaluate(httpError(400, "M_BAD_JSON"), 1, true).Retry)
}

func TestEvaluateRateLimitRetriesEvenForLeave(t *testing.T) {
	t.Parallel()
	leave := Default(ClassLeave)
	d := leave.Evaluate(httpError(429, "M_LIMIT_EXCEEDED"), 1, true)
	assert.True(t, d.Retry, "rate limits are transient, not client errors")
}

func TestEvaluateRetryNotAllowed(t *testing.T) {
	t.Parallel()
	p := Default(ClassLeave)
	assert.False(t, p.Evaluate(httpError(500, ""), 1, false).Retry)
}

func TestEvaluateCeiling(t *testing.T) {
	t.Parallel()
	p := Default(ClassLeave)
	err := httpError(500, "")

	retried := 0
	for attempt := 1; attempt <= 20; attempt++ {
		if p.Evaluate(err, attempt, true).Retry {
			retried++
		}
	}
	// Attempts 1..9 retry, attempt 10 hits the default ceiling.
	assert.Equal(t, DefaultMaxAttempts-1, retried)

	never := Policy{Class: ClassLeave, MaxAttempts: -1}
	assert.False(t, never.Evaluate(err, 1, true).Retry)
}

func TestDelayLinearWithJitterAndCap(t *testing.T) {
	t.Parallel()
	p := Policy{Class: ClassLeave, MaxAttempts: 1000, BaseDelay: time.Minute, JitterMax: time.Second}

	p.rng = fixedRNG(0)
	assert.Equal(t, 3*time.Minute, p.Evaluate(httpError(500, ""), 3, true).Delay)

	p.rng = fixedRNG(0.5)
	assert.Equal(t, 3*time.Minute+500*time.Millisecond, p.Evaluate(httpError(500, ""), 3, true).Delay)

	// Large attempt counts are capped at 30 minutes.
	p.rng = fixedRNG(0)
	assert.Equal(t, DelayCap, p.Evaluate(httpError(500, ""), 999, true).Delay)
}

func TestErrorClassifiers(t *testing.T) {
	t.Parallel()
	assert.True(t, IsPermissionDenied(httpError(403, "M_FORBIDDEN")))
	assert.True(t, IsPermissionDenied(httpError(403, "")))
	assert.False(t, IsPermissionDenied(httpError(500, "")))
	assert.False(t, IsPermissionDenied(errors.New("nope")))

	assert.True(t, IsNotApplicable(httpError(404, "M_NOT_FOUND")))
	assert.False(t, IsNotApplicable(httpError(404, "M_BAD_STATE")))

	assert.Equal(t, 502, HTTPStatus(httpError(502, "")))
	assert.Equal(t, 0, HTTPStatus(errors.New("no response")))
}
