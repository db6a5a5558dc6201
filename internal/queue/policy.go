package queue

import (
	"context"
	"time"
)

// Policy supplies the operator-configurable decisions the engine needs:
// backoff scheduling, I/O retry pacing, crash-recovery timing, bounce
// emission and observability. Every method must not fail — an
// implementation that could fail must swallow the error internally and
// log it through one of the Log* sinks instead.
type Policy interface {
	// NextInterval computes the next backoff interval from the last one.
	// Implementations will typically grow it exponentially up to a
	// ceiling.
	NextInterval(last time.Duration) time.Duration

	// IOErrorNextRetryDelay computes the delay before the next retry of
	// a failed Storage operation. The first call in a retry loop
	// receives zero.
	IOErrorNextRetryDelay(last time.Duration) time.Duration

	// FoundInflightCheckDelay is how long to wait, at startup, before
	// attempting to recover an in-flight mail found on disk. It must
	// exceed the maximum time between claiming a mail and either
	// finalizing it or returning it to the queue.
	FoundInflightCheckDelay() time.Duration

	Bounce(ctx context.Context, id QueueId, meta MailMetadata, code int, err error)

	LogPermanentError(ctx context.Context, id QueueId, code int, err error)
	LogTransientError(ctx context.Context, id QueueId, code int, err error)
	LogIOError(ctx context.Context, id QueueId, err error)
	LogInflightMailVanished(ctx context.Context, id QueueId)
	LogTooBigDuration(ctx context.Context, id QueueId, interval time.Duration)
}

// IntervalOnTooBigDuration is substituted for a backoff interval that
// cannot be represented as a signed duration.
const IntervalOnTooBigDuration = 4 * time.Hour
