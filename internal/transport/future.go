// Package transport delivers messages over the duplex channel and falls back
// to the request/response channel when the payload allows it.
package transport

import (
	"context"
	"sync"
	"time"

	"securechat/internal/protocol"
)

// Outcome is how an acknowledged operation ended.
type Outcome int

const (
	Ok Outcome = iota
	TimedOut
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case TimedOut:
		return "timed out"
	default:
		return "failed"
	}
}

// Result is the settled state of a Future.
type Result struct {
	Outcome Outcome
	Ack     protocol.Ack
	Reason  string
}

// Err converts a non-Ok result into a coded error.
func (r Result) Err() error {
	switch r.Outcome {
	case Ok:
		return nil
	case TimedOut:
		return protocol.Errorf(protocol.CodeTransportTimeout, "no acknowledgement: %s", r.Reason)
	default:
		return protocol.Errorf(protocol.CodeSendFailed, "%s", r.Reason)
	}
}

// Future is an operation awaiting its acknowledgement. The first of ack,
// failure or timeout settles it; later resolutions are ignored.
type Future struct {
	once     sync.Once
	done     chan struct{}
	res      Result
	onSettle func()
}

// NewFuture creates an unsettled future. onSettle, if set, runs once when
// the future settles for any reason.
func NewFuture(onSettle func()) *Future {
	return &Future{done: make(chan struct{}), onSettle: onSettle}
}

// Settled returns a future that is already resolved with r.
func Settled(r Result) *Future {
	f := NewFuture(nil)
	f.Resolve(r)
	return f
}

// Resolve settles the future. It reports whether this call settled it.
func (f *Future) Resolve(r Result) bool {
	settled := false
	f.once.Do(func() {
		f.res = r
		close(f.done)
		settled = true
		if f.onSettle != nil {
			f.onSettle()
		}
	})
	return settled
}

// Await waits for the acknowledgement, at most timeout. On expiry or context
// cancellation the future settles as TimedOut and a late ack is dropped.
func (f *Future) Await(ctx context.Context, timeout time.Duration) Result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
	case <-timer.C:
		f.Resolve(Result{Outcome: TimedOut, Reason: timeout.String()})
	case <-ctx.Done():
		f.Resolve(Result{Outcome: TimedOut, Reason: ctx.Err().Error()})
	}
	<-f.done
	return f.res
}

// ackResult maps an ack frame to a result.
func ackResult(ack protocol.Ack) Result {
	if ack.Success {
		return Result{Outcome: Ok, Ack: ack}
	}
	reason := ack.Error
	if ack.Message != "" {
		if reason != "" {
			reason += ": "
		}
		reason += ack.Message
	}
	if reason == "" {
		reason = "rejected by server"
	}
	return Result{Outcome: Failed, Ack: ack, Reason: reason}
}
