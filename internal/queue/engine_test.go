package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/relaymta/relaymta/framework/log"
)

// record is the shared state behind one mail as it moves between the
// queued and in-flight fake handles below. Tests hold a pointer to it
// directly instead of going through a lookup table, since exercising
// identity-stability across process restarts is dirqueue's job, not the
// engine's.
type record struct {
	mu sync.Mutex

	queueID  QueueId
	claimID  QueueId
	inflight bool

	meta         MailMetadata
	body         []byte
	scheduledAt  time.Time
	lastInterval time.Duration

	done     bool
	canceled bool
}

type fakeQueued struct{ rec *record }

func (h fakeQueued) ID() QueueId                { return h.rec.queueID }
func (h fakeQueued) ScheduledAt() time.Time     { h.rec.mu.Lock(); defer h.rec.mu.Unlock(); return h.rec.scheduledAt }
func (h fakeQueued) LastInterval() time.Duration {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return h.rec.lastInterval
}
func (h fakeQueued) Schedule(_ context.Context, at time.Time) error {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	h.rec.scheduledAt = at
	return nil
}

type fakeInflight struct {
	rec            *record
	claimID        QueueId
	wasScheduledAt time.Time
}

func (h fakeInflight) ID() QueueId            { return h.claimID }
func (h fakeInflight) WasScheduledAt() time.Time { return h.wasScheduledAt }
func (h fakeInflight) LastInterval() time.Duration {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	return h.rec.lastInterval
}

// fakeStorage is an in-memory Storage used to drive the engine end to
// end without a filesystem. Fail counters let a test inject a fixed
// number of I/O errors on a given operation before it starts succeeding.
type fakeStorage struct {
	mu      sync.Mutex
	records []*record
	claims  int

	failStart, failRead, failDone, failCancel int
}

func (s *fakeStorage) ListQueue(context.Context) (iter.Seq[QueuedMail], error) {
	s.mu.Lock()
	snapshot := append([]*record(nil), s.records...)
	s.mu.Unlock()
	return func(yield func(QueuedMail) bool) {
		for _, r := range snapshot {
			r.mu.Lock()
			queued := !r.inflight && !r.done
			r.mu.Unlock()
			if queued && !yield(fakeQueued{rec: r}) {
				return
			}
		}
	}, nil
}

func (s *fakeStorage) FindInflight(context.Context) (iter.Seq[InflightMail], error) {
	return func(func(InflightMail) bool) {}, nil
}

type fakeEnqueuer struct {
	s    *fakeStorage
	meta MailMetadata
	buf  bytes.Buffer
}

func (e *fakeEnqueuer) Write(p []byte) (int, error) { return e.buf.Write(p) }

func (e *fakeEnqueuer) Commit(context.Context) (QueuedMail, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	id := QueueId(fmt.Sprintf("q%d", len(e.s.records)))
	r := &record{queueID: id, meta: e.meta, body: append([]byte(nil), e.buf.Bytes()...), scheduledAt: time.Now()}
	e.s.records = append(e.s.records, r)
	return fakeQueued{rec: r}, nil
}

func (s *fakeStorage) Enqueue(_ context.Context, meta MailMetadata) (Enqueuer, error) {
	return &fakeEnqueuer{s: s, meta: meta}, nil
}

func (s *fakeStorage) SendStart(_ context.Context, mail QueuedMail) (InflightMail, QueuedMail, error) {
	s.mu.Lock()
	if s.failStart > 0 {
		s.failStart--
		s.mu.Unlock()
		return nil, mail, errors.New("fake: SendStart I/O failure")
	}
	s.claims++
	claimID := QueueId(fmt.Sprintf("%s-claim%d", mail.ID(), s.claims))
	s.mu.Unlock()

	r := mail.(fakeQueued).rec
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight {
		return nil, nil, ErrAlreadyClaimed
	}
	r.inflight = true
	r.claimID = claimID
	was := r.scheduledAt
	return fakeInflight{rec: r, claimID: claimID, wasScheduledAt: was}, nil, nil
}

func (s *fakeStorage) ReadInflight(_ context.Context, mail InflightMail) (InflightMail, MailMetadata, io.ReadCloser, error) {
	s.mu.Lock()
	if s.failRead > 0 {
		s.failRead--
		s.mu.Unlock()
		return mail, MailMetadata{}, nil, errors.New("fake: ReadInflight I/O failure")
	}
	s.mu.Unlock()

	r := mail.(fakeInflight).rec
	r.mu.Lock()
	defer r.mu.Unlock()
	return mail, r.meta, io.NopCloser(bytes.NewReader(r.body)), nil
}

func (s *fakeStorage) SendDone(_ context.Context, mail InflightMail) (InflightMail, error) {
	s.mu.Lock()
	if s.failDone > 0 {
		s.failDone--
		s.mu.Unlock()
		return mail, errors.New("fake: SendDone I/O failure")
	}
	s.mu.Unlock()

	r := mail.(fakeInflight).rec
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
	r.inflight = false
	return mail, nil
}

func (s *fakeStorage) SendCancel(_ context.Context, mail InflightMail) (InflightMail, QueuedMail, error) {
	s.mu.Lock()
	if s.failCancel > 0 {
		s.failCancel--
		s.mu.Unlock()
		return mail, nil, errors.New("fake: SendCancel I/O failure")
	}
	s.mu.Unlock()

	r := mail.(fakeInflight).rec
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight = false
	r.canceled = true
	return nil, fakeQueued{rec: r}, nil
}

// fakeTransport replays a fixed sequence of outcomes, one per call, and
// counts the calls for assertions.
type fakeTransport struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    int
}

func (t *fakeTransport) Send(_ context.Context, _ MailMetadata, body io.Reader) Outcome {
	io.Copy(io.Discard, body)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls >= len(t.outcomes) {
		panic("fakeTransport: more calls than scripted outcomes")
	}
	o := t.outcomes[t.calls]
	t.calls++
	return o
}

// fakePolicy uses millisecond-scale backoff so tests do not need to wait
// out production-scale timers.
type fakePolicy struct {
	mu              sync.Mutex
	bounces         []QueueId
	vanished        []QueueId
	ioErrors        []QueueId
	transientErrors []QueueId
}

func (p *fakePolicy) NextInterval(last time.Duration) time.Duration {
	if last <= 0 {
		return 5 * time.Millisecond
	}
	return last * 2
}
func (p *fakePolicy) IOErrorNextRetryDelay(last time.Duration) time.Duration {
	if last <= 0 {
		return 2 * time.Millisecond
	}
	return last * 2
}
func (p *fakePolicy) FoundInflightCheckDelay() time.Duration { return 5 * time.Millisecond }
func (p *fakePolicy) Bounce(_ context.Context, id QueueId, _ MailMetadata, _ int, _ error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bounces = append(p.bounces, id)
}
func (p *fakePolicy) LogPermanentError(context.Context, QueueId, int, error) {}
func (p *fakePolicy) LogTransientError(_ context.Context, id QueueId, _ int, _ error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transientErrors = append(p.transientErrors, id)
}
func (p *fakePolicy) LogIOError(_ context.Context, id QueueId, _ error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ioErrors = append(p.ioErrors, id)
}
func (p *fakePolicy) LogInflightMailVanished(_ context.Context, id QueueId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vanished = append(p.vanished, id)
}
func (p *fakePolicy) LogTooBigDuration(context.Context, QueueId, time.Duration) {}

func waitForRecordDone(t *testing.T, r *record) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		done := r.done
		r.mu.Unlock()
		if done {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for mail to finish")
		case <-time.After(time.Millisecond):
		}
	}
}

func newTestQueue(storage *fakeStorage, transport Transport, policy Policy) *Queue {
	q, err := New(context.Background(), policy, storage, transport, "test", 4)
	if err != nil {
		panic(err)
	}
	q.Log = log.Logger{Name: "queue-test"}
	return q
}

func TestEngine_SimpleOKDelivery(t *testing.T) {
	storage := &fakeStorage{}
	transport := &fakeTransport{outcomes: []Outcome{OK()}}
	policy := &fakePolicy{}

	q := newTestQueue(storage, transport, policy)
	defer q.Close()

	enq, err := q.Enqueue(context.Background(), MailMetadata{From: "a@example.com", To: []string{"b@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(enq, "From: a@example.com\r\n\r\nhi\r\n")
	mail, err := enq.Commit(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	waitForRecordDone(t, mail.(fakeQueued).rec)

	if transport.calls != 1 {
		t.Fatalf("expected exactly one delivery attempt, got %d", transport.calls)
	}
}

func TestEngine_RemotePermanentBounces(t *testing.T) {
	storage := &fakeStorage{}
	transport := &fakeTransport{outcomes: []Outcome{RemotePermanent(550, errors.New("no such user"))}}
	policy := &fakePolicy{}

	q := newTestQueue(storage, transport, policy)
	defer q.Close()

	enq, _ := q.Enqueue(context.Background(), MailMetadata{From: "a@example.com", To: []string{"b@example.com"}})
	mail, _ := enq.Commit(context.Background())

	waitForRecordDone(t, mail.(fakeQueued).rec)

	if transport.calls != 1 {
		t.Fatalf("expected one attempt before bounce, got %d", transport.calls)
	}
	policy.mu.Lock()
	defer policy.mu.Unlock()
	if len(policy.bounces) != 1 || policy.bounces[0] != mail.ID() {
		t.Fatalf("expected a bounce for %v, got %v", mail.ID(), policy.bounces)
	}
}

func TestEngine_TransientRetriesThenSucceeds(t *testing.T) {
	storage := &fakeStorage{}
	transport := &fakeTransport{outcomes: []Outcome{
		RemoteTransient(421, errors.New("try later")),
		RemoteTransient(421, errors.New("try later")),
		RemoteTransient(421, errors.New("try later")),
		OK(),
	}}
	policy := &fakePolicy{}

	q := newTestQueue(storage, transport, policy)
	defer q.Close()

	enq, _ := q.Enqueue(context.Background(), MailMetadata{From: "a@example.com", To: []string{"b@example.com"}})
	mail, _ := enq.Commit(context.Background())

	waitForRecordDone(t, mail.(fakeQueued).rec)

	if transport.calls != 4 {
		t.Fatalf("expected 3 failed attempts + 1 success, got %d calls", transport.calls)
	}
}

func TestEngine_LocalTransportErrorLogsIOErrorNotTransient(t *testing.T) {
	storage := &fakeStorage{}
	transport := &fakeTransport{outcomes: []Outcome{
		Local(errors.New("dial tcp: connection refused")),
		OK(),
	}}
	policy := &fakePolicy{}

	q := newTestQueue(storage, transport, policy)
	defer q.Close()

	enq, _ := q.Enqueue(context.Background(), MailMetadata{From: "a@example.com", To: []string{"b@example.com"}})
	mail, _ := enq.Commit(context.Background())

	waitForRecordDone(t, mail.(fakeQueued).rec)

	if transport.calls != 2 {
		t.Fatalf("expected one failed local attempt + 1 success, got %d calls", transport.calls)
	}
	policy.mu.Lock()
	defer policy.mu.Unlock()
	if len(policy.ioErrors) != 1 || policy.ioErrors[0] != mail.ID() {
		t.Fatalf("expected OutcomeLocal to be reported via LogIOError, got %v", policy.ioErrors)
	}
	if len(policy.transientErrors) != 0 {
		t.Fatalf("OutcomeLocal must not be reported via LogTransientError, got %v", policy.transientErrors)
	}
}

func TestEngine_StorageIOErrorsAreRetried(t *testing.T) {
	storage := &fakeStorage{failStart: 2, failRead: 1, failDone: 1}
	transport := &fakeTransport{outcomes: []Outcome{OK()}}
	policy := &fakePolicy{}

	q := newTestQueue(storage, transport, policy)
	defer q.Close()

	enq, _ := q.Enqueue(context.Background(), MailMetadata{From: "a@example.com", To: []string{"b@example.com"}})
	mail, _ := enq.Commit(context.Background())

	waitForRecordDone(t, mail.(fakeQueued).rec)

	if transport.calls != 1 {
		t.Fatalf("I/O retries should not re-invoke the transport, got %d calls", transport.calls)
	}
}

func TestEngine_RecoveredInflightFoundAtStartup(t *testing.T) {
	storage := &fakeStorage{}
	r := &record{queueID: "orphan", claimID: "orphan-claim1", inflight: true, meta: MailMetadata{From: "a@example.com", To: []string{"b@example.com"}}, scheduledAt: time.Now()}
	storage.records = append(storage.records, r)

	transport := &fakeTransport{outcomes: []Outcome{OK()}}
	policy := &fakePolicy{}

	// FindInflight is a fixed stub in fakeStorage; wire it for this test only.
	storage2 := &recoveringStorage{fakeStorage: storage, inflight: fakeInflight{rec: r, claimID: r.claimID, wasScheduledAt: r.scheduledAt}}

	q2, err := New(context.Background(), policy, storage2, transport, "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	waitForRecordDone(t, r)
	if transport.calls != 1 {
		t.Fatalf("expected the recovered mail to be redelivered once, got %d calls", transport.calls)
	}
}

// recoveringStorage overrides FindInflight to report one pre-seeded
// in-flight mail, exercising the recovery sweep in New.
type recoveringStorage struct {
	*fakeStorage
	inflight InflightMail
}

func (s *recoveringStorage) FindInflight(context.Context) (iter.Seq[InflightMail], error) {
	return func(yield func(InflightMail) bool) {
		yield(s.inflight)
	}, nil
}
