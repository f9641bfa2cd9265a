package poller

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"panelbot/internal/transport/telegram/adapter"
)

// Backoff is exponential in the consecutive failure streak:
// the delay after K failures is min(Ceiling, Base*2^K).
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
	streak  int
}

func (b *Backoff) Streak() int { return b.streak }

// Delay is the wait for the current streak.
func (b *Backoff) Delay() time.Duration {
	d := b.Base
	for i := 0; i < b.streak; i++ {
		d *= 2
		if d >= b.Ceiling {
			return b.Ceiling
		}
	}
	return min(d, b.Ceiling)
}

// Fail returns the delay for the streak so far, then extends it.
func (b *Backoff) Fail() time.Duration {
	d := b.Delay()
	b.streak++
	return d
}

func (b *Backoff) Reset() { b.streak = 0 }

type Class string

const (
	ClassNone     Class = ""
	ClassNetwork  Class = "network"
	ClassConflict Class = "conflict"
	ClassCanceled Class = "canceled"
	ClassOther    Class = "other"
)

// Classify sorts a getUpdates failure into a retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var ae *adapter.APIError
	if errors.As(err, &ae) {
		switch code := ae.StatusCode(); {
		case code == http.StatusConflict:
			return ClassConflict
		case code >= 500:
			return ClassNetwork
		default:
			return ClassOther
		}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassNetwork
	}
	return ClassOther
}
