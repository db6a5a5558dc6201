// Package dirqueue is the reference filesystem Storage: every mail is a
// directory holding a handful of small files, and every state
// transition is a single atomic rename between two parent directories.
// The rename itself is the mutual-exclusion primitive — at most one
// rename of a given source path can succeed, so two processes racing to
// claim the same mail can never both win.
package dirqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/relaymta/relaymta/framework/log"
	"github.com/relaymta/relaymta/internal/queue"
)

const (
	metaFile         = "meta"
	contentsFile     = "contents"
	scheduleFile     = "schedule"
	lastIntervalFile = "last_interval"
)

// Storage is a queue.Storage backed by a directory tree:
//
//	<root>/queue/<id>/{meta,contents,schedule,last_interval}
//	<root>/inflight/<claim>/{meta,contents,schedule,last_interval}
//	<root>/tmp/<staging>/{meta,contents,schedule,last_interval}
//
// tmp holds mails being written by an uncommitted Enqueuer; queue and
// inflight are the two durable states Storage promises.
type Storage struct {
	Root string
}

// Open prepares the directory tree rooted at root, creating the three
// top-level directories if necessary.
func Open(root string) (*Storage, error) {
	for _, sub := range []string{"queue", "inflight", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, fmt.Errorf("dirqueue: open %s: %w", root, err)
		}
	}
	return &Storage{Root: root}, nil
}

func (s *Storage) queueDir(id queue.QueueId) string {
	return filepath.Join(s.Root, "queue", string(id))
}

func (s *Storage) inflightDir(id queue.QueueId) string {
	return filepath.Join(s.Root, "inflight", string(id))
}

// fsyncDir durability-syncs a directory's entries after a rename into
// or out of it. Best-effort: some platforms (and some filesystems, even
// on Linux) reject fsync on a directory descriptor, so callers treat a
// failure here as non-fatal — the file data itself was already synced
// before the rename that made it visible.
func fsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// randomClaimID produces a fresh, unguessable in-flight directory name.
// 16 bytes of crypto/rand is comfortably past the entropy floor needed
// to tell a crash-orphaned claim apart from any claim made after it.
func randomClaimID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmpPath := filepath.Join(dir, name+".new")
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return err
	}
	fsyncDir(dir)
	return nil
}

func readMeta(dir string) (queue.MailMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return queue.MailMetadata{}, err
	}
	var meta queue.MailMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return queue.MailMetadata{}, err
	}
	return meta, nil
}

func readSchedule(dir string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(dir, scheduleFile))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, string(data))
}

func readLastInterval(dir string) (time.Duration, error) {
	data, err := os.ReadFile(filepath.Join(dir, lastIntervalFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	ns, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ns), nil
}

type queuedMail struct {
	s            *Storage
	id           queue.QueueId
	scheduledAt  time.Time
	lastInterval time.Duration
}

func (m *queuedMail) ID() queue.QueueId            { return m.id }
func (m *queuedMail) ScheduledAt() time.Time        { return m.scheduledAt }
func (m *queuedMail) LastInterval() time.Duration   { return m.lastInterval }
func (m *queuedMail) Schedule(_ context.Context, at time.Time) error {
	if err := writeFileAtomic(m.s.queueDir(m.id), scheduleFile, []byte(at.Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("dirqueue: schedule %s: %w", m.id, err)
	}
	m.scheduledAt = at
	return nil
}

type inflightMail struct {
	s              *Storage
	id             queue.QueueId
	wasScheduledAt time.Time
	lastInterval   time.Duration
}

func (m *inflightMail) ID() queue.QueueId             { return m.id }
func (m *inflightMail) WasScheduledAt() time.Time      { return m.wasScheduledAt }
func (m *inflightMail) LastInterval() time.Duration    { return m.lastInterval }

func (s *Storage) ListQueue(context.Context) (iter.Seq[queue.QueuedMail], error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, "queue"))
	if err != nil {
		return nil, fmt.Errorf("dirqueue: list queue: %w", err)
	}
	return func(yield func(queue.QueuedMail) bool) {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id := queue.QueueId(e.Name())
			dir := s.queueDir(id)
			scheduledAt, err := readSchedule(dir)
			if err != nil {
				log.DefaultLogger.Error("dirqueue: skipping unreadable queued mail", err, "queue_id", string(id))
				continue
			}
			lastInterval, err := readLastInterval(dir)
			if err != nil {
				log.DefaultLogger.Error("dirqueue: skipping unreadable queued mail", err, "queue_id", string(id))
				continue
			}
			if !yield(&queuedMail{s: s, id: id, scheduledAt: scheduledAt, lastInterval: lastInterval}) {
				return
			}
		}
	}, nil
}

func (s *Storage) FindInflight(context.Context) (iter.Seq[queue.InflightMail], error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, "inflight"))
	if err != nil {
		return nil, fmt.Errorf("dirqueue: find inflight: %w", err)
	}
	return func(yield func(queue.InflightMail) bool) {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id := queue.QueueId(e.Name())
			dir := s.inflightDir(id)
			scheduledAt, err := readSchedule(dir)
			if err != nil {
				continue
			}
			lastInterval, err := readLastInterval(dir)
			if err != nil {
				continue
			}
			if !yield(&inflightMail{s: s, id: id, wasScheduledAt: scheduledAt, lastInterval: lastInterval}) {
				return
			}
		}
	}, nil
}

type enqueuer struct {
	s    *Storage
	meta queue.MailMetadata
	dir  string
	f    *os.File
	err  error
}

func (s *Storage) Enqueue(_ context.Context, meta queue.MailMetadata) (queue.Enqueuer, error) {
	dir := filepath.Join(s.Root, "tmp", uuid.New().String())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("dirqueue: enqueue: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, contentsFile), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("dirqueue: enqueue: %w", err)
	}
	return &enqueuer{s: s, meta: meta, dir: dir, f: f}, nil
}

func (e *enqueuer) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.f.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

func (e *enqueuer) abort() {
	e.f.Close()
	os.RemoveAll(e.dir)
}

func (e *enqueuer) Commit(context.Context) (queue.QueuedMail, error) {
	if e.err != nil {
		e.abort()
		return nil, fmt.Errorf("dirqueue: commit: %w", e.err)
	}
	if err := e.f.Sync(); err != nil {
		e.abort()
		return nil, fmt.Errorf("dirqueue: commit: %w", err)
	}
	if err := e.f.Close(); err != nil {
		e.abort()
		return nil, fmt.Errorf("dirqueue: commit: %w", err)
	}

	metaBytes, err := json.Marshal(e.meta)
	if err != nil {
		e.abort()
		return nil, fmt.Errorf("dirqueue: commit: %w", err)
	}
	if err := writeFileAtomic(e.dir, metaFile, metaBytes); err != nil {
		e.abort()
		return nil, fmt.Errorf("dirqueue: commit: %w", err)
	}

	now := time.Now()
	if err := writeFileAtomic(e.dir, scheduleFile, []byte(now.Format(time.RFC3339Nano))); err != nil {
		e.abort()
		return nil, fmt.Errorf("dirqueue: commit: %w", err)
	}
	if err := writeFileAtomic(e.dir, lastIntervalFile, []byte("0")); err != nil {
		e.abort()
		return nil, fmt.Errorf("dirqueue: commit: %w", err)
	}

	id := queue.QueueId(uuid.New().String())
	dst := e.s.queueDir(id)
	if err := os.Rename(e.dir, dst); err != nil {
		e.abort()
		return nil, fmt.Errorf("dirqueue: commit: %w", err)
	}
	fsyncDir(filepath.Join(e.s.Root, "queue"))

	return &queuedMail{s: e.s, id: id, scheduledAt: now}, nil
}

func (s *Storage) SendStart(_ context.Context, mail queue.QueuedMail) (queue.InflightMail, queue.QueuedMail, error) {
	qm, ok := mail.(*queuedMail)
	if !ok {
		return nil, mail, fmt.Errorf("dirqueue: send start: foreign QueuedMail handle")
	}

	claimID, err := randomClaimID()
	if err != nil {
		return nil, mail, fmt.Errorf("dirqueue: send start: %w", err)
	}

	dst := s.inflightDir(queue.QueueId(claimID))
	if err := os.Rename(s.queueDir(qm.id), dst); err != nil {
		if os.IsNotExist(err) {
			return nil, mail, queue.ErrAlreadyClaimed
		}
		return nil, mail, fmt.Errorf("dirqueue: send start: %w", err)
	}
	fsyncDir(filepath.Join(s.Root, "inflight"))

	return &inflightMail{
		s:              s,
		id:             queue.QueueId(claimID),
		wasScheduledAt: qm.scheduledAt,
		lastInterval:   qm.lastInterval,
	}, nil, nil
}

func (s *Storage) ReadInflight(_ context.Context, mail queue.InflightMail) (queue.InflightMail, queue.MailMetadata, io.ReadCloser, error) {
	im, ok := mail.(*inflightMail)
	if !ok {
		return mail, queue.MailMetadata{}, nil, fmt.Errorf("dirqueue: read inflight: foreign InflightMail handle")
	}

	dir := s.inflightDir(im.id)
	meta, err := readMeta(dir)
	if err != nil {
		return mail, queue.MailMetadata{}, nil, fmt.Errorf("dirqueue: read inflight: %w", err)
	}
	f, err := os.Open(filepath.Join(dir, contentsFile))
	if err != nil {
		return mail, queue.MailMetadata{}, nil, fmt.Errorf("dirqueue: read inflight: %w", err)
	}
	return mail, meta, f, nil
}

func (s *Storage) SendDone(_ context.Context, mail queue.InflightMail) (queue.InflightMail, error) {
	im, ok := mail.(*inflightMail)
	if !ok {
		return mail, fmt.Errorf("dirqueue: send done: foreign InflightMail handle")
	}
	if err := os.RemoveAll(s.inflightDir(im.id)); err != nil {
		return mail, fmt.Errorf("dirqueue: send done: %w", err)
	}
	fsyncDir(filepath.Join(s.Root, "inflight"))
	return mail, nil
}

func (s *Storage) SendCancel(_ context.Context, mail queue.InflightMail) (queue.InflightMail, queue.QueuedMail, error) {
	im, ok := mail.(*inflightMail)
	if !ok {
		return mail, nil, fmt.Errorf("dirqueue: send cancel: foreign InflightMail handle")
	}

	newID := queue.QueueId(uuid.New().String())
	if err := os.Rename(s.inflightDir(im.id), s.queueDir(newID)); err != nil {
		if os.IsNotExist(err) {
			// Already finalized (SendDone) or reclaimed by a racing actor.
			return nil, nil, nil
		}
		return mail, nil, fmt.Errorf("dirqueue: send cancel: %w", err)
	}
	fsyncDir(filepath.Join(s.Root, "queue"))

	return nil, &queuedMail{
		s:            s,
		id:           newID,
		scheduledAt:  im.wasScheduledAt,
		lastInterval: im.lastInterval,
	}, nil
}
