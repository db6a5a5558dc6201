package queue

import (
	"context"
	"io"
	"iter"
)

// Storage is the durable, crash-safe mail store. It provides three
// lifecycle states per mail — queued, in-flight, done — and atomic
// transitions between them, and is responsible for directory-level (or
// equivalent) mutual exclusion across processes sharing the same
// backing store.
//
// Every operation that can fail returns both the error and the original
// handle, so a caller's retry loop never loses custody of a mail. Go has
// no sum type, so this is rendered as: on success the "next state"
// return value is set and the "previous state" one is nil; on failure
// it's the reverse, and the previous-state value is the (possibly
// updated) handle to retry with.
type Storage interface {
	// ListQueue enumerates the mails currently waiting for delivery.
	// Stream-level errors are logged and the offending item is skipped
	// rather than aborting the whole enumeration.
	ListQueue(ctx context.Context) (iter.Seq[QueuedMail], error)

	// FindInflight enumerates the mails that were in-flight at scan
	// time — normally only non-empty right after an unclean shutdown
	// (this process's own, or a sibling process sharing the store).
	FindInflight(ctx context.Context) (iter.Seq[InflightMail], error)

	// Enqueue opens a write sink for a new mail. Enqueuer.Commit durably
	// persists it and returns a QueuedMail handle.
	Enqueue(ctx context.Context, meta MailMetadata) (Enqueuer, error)

	// SendStart claims a queued mail for delivery, atomically. At most
	// one concurrent SendStart on the same queued mail succeeds; the
	// loser gets back its (stale) queued handle and a non-fatal error
	// it should treat as "lost the race".
	//
	// On success inflight != nil and queued == nil. On failure
	// inflight == nil and queued is the handle to retry with.
	//
	// The in-flight handle's identity MUST be freshly chosen (e.g.
	// CSPRNG suffix) so a later crash-orphaned claim can never collide
	// with a subsequent live one.
	SendStart(ctx context.Context, mail QueuedMail) (inflight InflightMail, queued QueuedMail, err error)

	// ReadInflight opens the metadata and body of a claimed mail for
	// handoff to a Transport. The in-flight handle is always returned,
	// whether or not err is nil, so a failed read can be retried without
	// losing the claim.
	ReadInflight(ctx context.Context, mail InflightMail) (InflightMail, MailMetadata, io.ReadCloser, error)

	// SendDone permanently removes a mail after it has either been
	// delivered or bounced. The handle is always returned so a failed
	// removal can be retried.
	SendDone(ctx context.Context, mail InflightMail) (InflightMail, error)

	// SendCancel releases a claim. On success inflight == nil; queued is
	// a fresh handle (LastInterval preserved) if the claim was still
	// ours to release, or nil if some other actor (a peer process, or
	// Storage's own garbage collection) already consumed it. On failure
	// inflight is the handle to retry with.
	SendCancel(ctx context.Context, mail InflightMail) (inflight InflightMail, queued QueuedMail, err error)
}
