package queue

import (
	"context"
	"time"
)

// Result reports the outcome of a best-effort transport call. A failed push
// never invalidates the job row; callers inspect Err to log or count it.
type Result struct {
	Delivered bool
	Err       error
}

// Delivered is the successful Result.
func Delivered() Result {
	return Result{Delivered: true}
}

// Undelivered wraps a transport failure.
func Undelivered(err error) Result {
	return Result{Err: err}
}

// Pusher is the producer side of the delivery transport.
type Pusher interface {
	Push(ctx context.Context, jobID, queue string) Result
	PushAfter(ctx context.Context, jobID, queue string, delay time.Duration) Result
}

// Discard is a Pusher that never delivers; jobs stay queued for the sweeper.
type Discard struct{}

func (Discard) Push(context.Context, string, string) Result {
	return Undelivered(ErrNoTransport)
}

func (Discard) PushAfter(context.Context, string, string, time.Duration) Result {
	return Undelivered(ErrNoTransport)
}
