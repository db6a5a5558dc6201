/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"runtime/trace"
	"sync"
	"time"

	"github.com/relaymta/relaymta/framework/log"
)

// ErrAlreadyClaimed is returned by Storage.SendStart when the race to
// claim a queued mail was lost to a concurrent claimant (this process or
// a sibling sharing the same store). It is not logged as an error; the
// loser simply abandons its delivery attempt.
var ErrAlreadyClaimed = errors.New("queue: mail already claimed")

// Queue is the engine: it owns no storage or network code of its own,
// driving a Storage/Transport/Policy triple through the recovery sweep,
// queue scan and per-mail delivery loops.
type Queue struct {
	Log       log.Logger
	Policy    Policy
	Storage   Storage
	Transport Transport

	// Location is attached to the exported gauges as the "location"
	// label, so several Queue instances in one process stay distinguishable.
	Location string

	// MaxParallelism bounds concurrent Transport.Send calls. Zero means
	// unbounded.
	MaxParallelism int

	sem chan struct{}
	wg  sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a running Queue: it synchronously lists the in-flight
// set left behind by an unclean shutdown and spawns a recovery task for
// each one, then spawns the background queue scan, then returns.
func New(ctx context.Context, policy Policy, storage Storage, transport Transport, location string, maxParallelism int) (*Queue, error) {
	q := &Queue{
		Log:            log.Logger{Name: "queue"},
		Policy:         policy,
		Storage:        storage,
		Transport:      transport,
		Location:       location,
		MaxParallelism: maxParallelism,
		closed:         make(chan struct{}),
	}
	if maxParallelism > 0 {
		q.sem = make(chan struct{}, maxParallelism)
	}

	inflight, err := storage.FindInflight(ctx)
	if err != nil {
		return nil, err
	}
	for mail := range inflight {
		inflightMsgs.WithLabelValues(q.Location).Inc()
		q.wg.Add(1)
		go q.runRecovered(mail)
	}

	q.wg.Add(1)
	go q.runScanQueue(ctx)

	return q, nil
}

// Close stops accepting new work and waits for every in-flight delivery
// attempt and pending I/O retry loop to settle. It does not cancel
// attempts already in progress.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	q.wg.Wait()
	return nil
}

// Enqueue opens a new mail for writing and arranges for it to enter the
// delivery loop as soon as it is committed.
func (q *Queue) Enqueue(ctx context.Context, meta MailMetadata) (Enqueuer, error) {
	inner, err := q.Storage.Enqueue(ctx, meta)
	if err != nil {
		return nil, err
	}
	return &enqueuer{q: q, Enqueuer: inner}, nil
}

type enqueuer struct {
	q *Queue
	Enqueuer
}

func (e *enqueuer) Commit(ctx context.Context) (QueuedMail, error) {
	mail, err := e.Enqueuer.Commit(ctx)
	if err != nil {
		return nil, err
	}
	queuedMsgs.WithLabelValues(e.q.Location).Inc()
	e.q.wg.Add(1)
	go e.q.runDeliver(mail)
	return mail, nil
}

func (q *Queue) runScanQueue(ctx context.Context) {
	defer q.wg.Done()

	mails, err := q.Storage.ListQueue(ctx)
	if err != nil {
		q.Log.Error("queue scan failed", err)
		return
	}
	for mail := range mails {
		queuedMsgs.WithLabelValues(q.Location).Inc()
		q.wg.Add(1)
		go q.runDeliver(mail)
	}
}

// runDeliver is the per-mail goroutine entered from the queue scan and
// from a freshly committed Enqueuer. It recovers from panics in the
// delivery pipeline the same way a crash would: by abandoning this one
// mail and leaving everything else running.
func (q *Queue) runDeliver(mail QueuedMail) {
	defer q.wg.Done()
	id := mail.ID()
	defer func() {
		if r := recover(); r != nil {
			q.Log.Error("panic in delivery goroutine", fmt.Errorf("%v", r), "queue_id", string(id), "stack", string(debug.Stack()))
		}
	}()

	ctx, task := trace.NewTask(context.Background(), "queue.deliver")
	defer task.End()

	q.deliver(ctx, mail)
}

// runRecovered handles one mail discovered in-flight at startup: it
// waits out FoundInflightCheckDelay, attempts to reclaim it, and if the
// reclaim succeeds (meaning the claim was indeed abandoned, not merely
// slow), resumes the ordinary delivery loop for it.
func (q *Queue) runRecovered(mail InflightMail) {
	defer q.wg.Done()
	id := mail.ID()
	defer func() {
		if r := recover(); r != nil {
			q.Log.Error("panic in recovery goroutine", fmt.Errorf("%v", r), "queue_id", string(id), "stack", string(debug.Stack()))
		}
	}()

	ctx, task := trace.NewTask(context.Background(), "queue.recover")
	defer task.End()

	if !q.sleep(ctx, q.Policy.FoundInflightCheckDelay()) {
		return
	}

	queued, abandoned := q.cancelLoop(ctx, mail)
	if !abandoned {
		return
	}
	inflightMsgs.WithLabelValues(q.Location).Dec()
	if queued == nil {
		// Still claimed by a live actor; nothing to do.
		return
	}
	queuedMsgs.WithLabelValues(q.Location).Inc()
	q.deliver(ctx, queued)
}

// deliver is the delivery loop for a single mail: wait for its schedule,
// attempt a send, and on anything short of success or abandonment,
// reschedule and loop.
func (q *Queue) deliver(ctx context.Context, mail QueuedMail) {
	for {
		if !q.sleep(ctx, time.Until(mail.ScheduledAt())) {
			return
		}

		next, done := q.trySend(ctx, mail)
		if done {
			return
		}
		mail = next
	}
}

// trySend implements one delivery attempt end to end: claim, read,
// send, and react to the outcome. It returns the next QueuedMail handle
// to continue the delivery loop with, or done=true if the mail has left
// the queue (delivered, bounced, or lost to a concurrent claimant).
func (q *Queue) trySend(ctx context.Context, mail QueuedMail) (next QueuedMail, done bool) {
	id := mail.ID()

	inflight, abandoned := q.startLoop(ctx, mail)
	if !abandoned {
		return nil, true
	}
	if inflight == nil {
		// Lost the claim race; some other actor owns this mail now.
		return nil, true
	}
	queuedMsgs.WithLabelValues(q.Location).Dec()
	inflightMsgs.WithLabelValues(q.Location).Inc()

	if q.sem != nil {
		select {
		case q.sem <- struct{}{}:
			defer func() { <-q.sem }()
		case <-q.closed:
			// Still release the claim cleanly on shutdown.
			q.cancelAndReschedule(ctx, inflight)
			return nil, true
		}
	}

	inflight, meta, body, ok := q.readLoop(ctx, inflight)
	if !ok {
		return nil, true
	}

	outcome := q.Transport.Send(ctx, meta, body)
	body.Close()

	switch outcome.Kind {
	case OutcomeOK:
		q.finishLoop(ctx, inflight)
		inflightMsgs.WithLabelValues(q.Location).Dec()
		return nil, true

	case OutcomeRemotePermanent:
		q.Policy.LogPermanentError(ctx, id, outcome.Code, outcome.Err)
		q.Policy.Bounce(ctx, id, meta, outcome.Code, outcome.Err)
		q.finishLoop(ctx, inflight)
		inflightMsgs.WithLabelValues(q.Location).Dec()
		return nil, true

	case OutcomeLocal:
		q.Policy.LogIOError(ctx, id, outcome.Err)
		return q.cancelAndReschedule(ctx, inflight)

	default: // OutcomeRemoteTransient
		q.Policy.LogTransientError(ctx, id, outcome.Code, outcome.Err)
		return q.cancelAndReschedule(ctx, inflight)
	}
}

// cancelAndReschedule releases an in-flight claim and, if it comes back
// to us, computes the next backoff interval and durably reschedules it.
func (q *Queue) cancelAndReschedule(ctx context.Context, inflight InflightMail) (QueuedMail, bool) {
	id := inflight.ID()

	queued, abandoned := q.cancelLoop(ctx, inflight)
	inflightMsgs.WithLabelValues(q.Location).Dec()
	if !abandoned {
		return nil, true
	}
	if queued == nil {
		q.Policy.LogInflightMailVanished(ctx, id)
		return nil, true
	}

	interval := q.Policy.NextInterval(queued.LastInterval())
	if interval <= 0 {
		q.Policy.LogTooBigDuration(ctx, id, interval)
		interval = IntervalOnTooBigDuration
	}

	if !q.scheduleLoop(ctx, queued, time.Now().Add(interval)) {
		return nil, true
	}
	queuedMsgs.WithLabelValues(q.Location).Inc()
	return queued, false
}

// sleep waits for d, or for the queue to start closing. It returns false
// if the wait was cut short by shutdown or context cancellation.
func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-q.closed:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// backoff waits for the I/O retry delay following a storage failure,
// returning the delay actually used and whether the wait completed.
func (q *Queue) backoff(ctx context.Context, last time.Duration) (time.Duration, bool) {
	delay := q.Policy.IOErrorNextRetryDelay(last)
	return delay, q.sleep(ctx, delay)
}

// startLoop retries Storage.SendStart until it succeeds, the claim is
// lost to a concurrent claimant, or the queue is shutting down.
func (q *Queue) startLoop(ctx context.Context, mail QueuedMail) (InflightMail, bool) {
	var delay time.Duration
	for {
		inflight, queued, err := q.Storage.SendStart(ctx, mail)
		if err == nil {
			return inflight, true
		}
		if errors.Is(err, ErrAlreadyClaimed) {
			return nil, true
		}
		q.Policy.LogIOError(ctx, mail.ID(), err)
		var ok bool
		delay, ok = q.backoff(ctx, delay)
		if !ok {
			return nil, false
		}
		mail = queued
	}
}

func (q *Queue) readLoop(ctx context.Context, mail InflightMail) (InflightMail, MailMetadata, io.ReadCloser, bool) {
	var delay time.Duration
	for {
		next, meta, body, err := q.Storage.ReadInflight(ctx, mail)
		if err == nil {
			return next, meta, body, true
		}
		q.Policy.LogIOError(ctx, mail.ID(), err)
		var ok bool
		delay, ok = q.backoff(ctx, delay)
		if !ok {
			return nil, MailMetadata{}, nil, false
		}
		mail = next
	}
}

func (q *Queue) finishLoop(ctx context.Context, mail InflightMail) {
	var delay time.Duration
	for {
		next, err := q.Storage.SendDone(ctx, mail)
		if err == nil {
			return
		}
		q.Policy.LogIOError(ctx, mail.ID(), err)
		var ok bool
		delay, ok = q.backoff(ctx, delay)
		if !ok {
			return
		}
		mail = next
	}
}

// cancelLoop retries Storage.SendCancel until it succeeds or the queue
// is shutting down. The bool return is false only on shutdown; a nil
// QueuedMail on success means the claim had already vanished.
func (q *Queue) cancelLoop(ctx context.Context, mail InflightMail) (QueuedMail, bool) {
	var delay time.Duration
	for {
		next, queued, err := q.Storage.SendCancel(ctx, mail)
		if err == nil {
			return queued, true
		}
		q.Policy.LogIOError(ctx, mail.ID(), err)
		var ok bool
		delay, ok = q.backoff(ctx, delay)
		if !ok {
			return nil, false
		}
		mail = next
	}
}

func (q *Queue) scheduleLoop(ctx context.Context, mail QueuedMail, at time.Time) bool {
	var delay time.Duration
	for {
		err := mail.Schedule(ctx, at)
		if err == nil {
			return true
		}
		q.Policy.LogIOError(ctx, mail.ID(), err)
		var ok bool
		delay, ok = q.backoff(ctx, delay)
		if !ok {
			return false
		}
	}
}
