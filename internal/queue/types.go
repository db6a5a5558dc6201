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

// Package queue implements the durable outbound mail queue: crash-safe
// storage of pending mail, exponential-backoff retry scheduling,
// at-most-once concurrent delivery and transport-outcome classification.
//
// It is deliberately storage- and transport-agnostic; see the Storage,
// Transport and Policy interfaces. internal/dirqueue provides the
// reference filesystem Storage, internal/smtptransport a concrete
// Transport.
package queue

import (
	"context"
	"io"
	"time"
)

// QueueId identifies a mail for the lifetime of the queue directory.
// It is a plain Go string, so it is already cheap to copy and share —
// unlike the reference implementation this is adapted from, no reference
// counting wrapper is needed.
type QueueId string

// MailMetadata is the immutable envelope attached to a queued mail: the
// (optional) envelope sender, the ordered list of envelope recipients
// (at least one), and an opaque payload the caller may use to stash
// additional routing information (trace data, submission time, etc).
type MailMetadata struct {
	From     string
	To       []string
	Metadata []byte
}

// QueuedMail is a handle to a mail waiting for its next delivery attempt.
// Implementations are produced and consumed exclusively by a Storage.
type QueuedMail interface {
	ID() QueueId

	// ScheduledAt is the absolute instant the mail is next due for an
	// attempt.
	ScheduledAt() time.Time

	// LastInterval is the duration of the backoff step that produced the
	// current ScheduledAt; zero before the first retry.
	LastInterval() time.Duration

	// Schedule durably updates ScheduledAt. On return, a crash cannot
	// revive the previous schedule.
	Schedule(ctx context.Context, at time.Time) error
}

// InflightMail is a handle to a mail currently claimed for delivery.
// Its existence in Storage is the exclusivity marker described by
// Storage.SendStart; its on-disk (or otherwise persisted) identity is
// fresh on every claim so a dead predecessor's claim can never be
// confused with a live one.
type InflightMail interface {
	ID() QueueId

	// WasScheduledAt is the ScheduledAt value captured at the moment this
	// mail transitioned from queued to in-flight.
	WasScheduledAt() time.Time

	LastInterval() time.Duration
}

// Enqueuer is a write sink for a new mail's contents, obtained from
// Storage.Enqueue. The caller streams the message bytes into it via
// io.Writer and then calls Commit to durably persist and schedule the
// mail. Dropping an Enqueuer without calling Commit must not leave a
// committed mail behind.
type Enqueuer interface {
	io.Writer

	Commit(ctx context.Context) (QueuedMail, error)
}
