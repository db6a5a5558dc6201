package dirqueue

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/relaymta/relaymta/internal/queue"
)

func mustOpen(t *testing.T) *Storage {
	t.Helper()
	dir, err := os.MkdirTemp("", "dirqueue-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func commitMail(t *testing.T, s *Storage, body string) queue.QueuedMail {
	t.Helper()
	enq, err := s.Enqueue(context.Background(), queue.MailMetadata{
		From: "sender@example.com",
		To:   []string{"rcpt@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(enq, body); err != nil {
		t.Fatal(err)
	}
	mail, err := enq.Commit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return mail
}

func TestEnqueueListQueueRoundTrip(t *testing.T) {
	s := mustOpen(t)
	mail := commitMail(t, s, "hello")

	seq, err := s.ListQueue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var found []queue.QueuedMail
	for m := range seq {
		found = append(found, m)
	}
	if len(found) != 1 || found[0].ID() != mail.ID() {
		t.Fatalf("expected to find the committed mail, got %v", found)
	}
	if found[0].LastInterval() != 0 {
		t.Fatalf("expected zero LastInterval for a fresh mail, got %v", found[0].LastInterval())
	}
}

func TestClaimReadDone(t *testing.T) {
	s := mustOpen(t)
	mail := commitMail(t, s, "body contents")

	inflight, queued, err := s.SendStart(context.Background(), mail)
	if err != nil || queued != nil {
		t.Fatalf("SendStart failed: inflight=%v queued=%v err=%v", inflight, queued, err)
	}

	// The queue directory should be gone now; a second claim attempt on
	// the stale handle must report the race loss, not a generic error.
	if _, _, err := s.SendStart(context.Background(), mail); !errors.Is(err, queue.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed on the stale handle, got %v", err)
	}

	gotInflight, meta, body, err := s.ReadInflight(context.Background(), inflight)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	if meta.From != "sender@example.com" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "body contents" {
		t.Fatalf("unexpected body: %q", data)
	}

	if _, err := s.SendDone(context.Background(), gotInflight); err != nil {
		t.Fatal(err)
	}

	seq, err := s.FindInflight(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for range seq {
		t.Fatal("expected no in-flight mails after SendDone")
	}
}

func TestCancelPreservesLastIntervalAndReschedules(t *testing.T) {
	s := mustOpen(t)
	mail := commitMail(t, s, "x")

	if err := mail.Schedule(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	inflight, _, err := s.SendStart(context.Background(), mail)
	if err != nil {
		t.Fatal(err)
	}

	_, requeued, err := s.SendCancel(context.Background(), inflight)
	if err != nil {
		t.Fatal(err)
	}
	if requeued == nil {
		t.Fatal("expected a fresh queued handle back")
	}
	if requeued.ID() == mail.ID() {
		t.Fatal("expected SendCancel to mint a fresh queue id, not reuse the old one")
	}
	if requeued.LastInterval() != inflight.LastInterval() {
		t.Fatalf("LastInterval should survive cancel: got %v want %v", requeued.LastInterval(), inflight.LastInterval())
	}

	if _, _, err := s.SendCancel(context.Background(), inflight); err != nil {
		t.Fatal(err)
	}
}

func TestSendCancelOnAlreadyFinalizedIsVanished(t *testing.T) {
	s := mustOpen(t)
	mail := commitMail(t, s, "x")

	inflight, _, err := s.SendStart(context.Background(), mail)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SendDone(context.Background(), inflight); err != nil {
		t.Fatal(err)
	}

	inflight2, queued, err := s.SendCancel(context.Background(), inflight)
	if err != nil {
		t.Fatal(err)
	}
	if inflight2 != nil || queued != nil {
		t.Fatalf("expected a vanished result, got inflight=%v queued=%v", inflight2, queued)
	}
}
