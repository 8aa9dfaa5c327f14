package session

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"time"

	"github.com/go-xmppcore/xmppcore/scram"
	"github.com/go-xmppcore/xmppcore/stanza"
)

// ReconnectPolicy controls backoff between reconnect attempts after a
// reconnectable login/connection failure. Modeled on the teacher's
// RetryPolicy (client/retry.go), renamed because this module has no
// per-command retry concept, only per-login reconnect.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultReconnectPolicy mirrors the teacher's RetryPolicy defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// backoff computes exponential backoff with cap, same shape as the
// teacher's calculateRetryBackoff.
func (p ReconnectPolicy) backoff(attempt int) time.Duration {
	delay := p.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	if attempt <= 1 {
		return delay
	}
	multiplier := p.Multiplier
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	backoffFloat := float64(delay) * math.Pow(multiplier, float64(attempt-1))
	if backoffFloat > float64(p.MaxDelay) || backoffFloat > float64(math.MaxInt64) {
		max := p.MaxDelay
		if max <= 0 {
			max = 5 * time.Second
		}
		return max
	}
	return time.Duration(backoffFloat)
}

// IsReconnectable classifies a login/connection failure as worth retrying
// or not, adapted from the teacher's isRetryableError: pool-permanent and
// protocol-authoritative errors are never retried, transient transport
// errors are. A *stanza.StreamError or *scram.AuthenticationError is the
// server authoritatively rejecting the session (spec §7 "fatal"), never
// transient; an *ErrInvalidState is a caller bug, not a network condition.
func IsReconnectable(err error) bool {
	if err == nil {
		return false
	}

	var se *stanza.StreamError
	if errors.As(err, &se) {
		return false
	}
	var authErr *scram.AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}
	var invalidState *ErrInvalidState
	if errors.As(err, &invalidState) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "broken pipe")
}
