package main

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-message/textproto"
	"github.com/relaymta/relaymta/framework/buffer"
	"github.com/relaymta/relaymta/internal/queue"
)

// queueBounceSink feeds a generated DSN back into the same Queue it was
// produced for, as a second Enqueuer pointed at the null-sender path —
// the way internal/target/queue/queue.go's emitDSN re-submits through
// its own dsnPipeline rather than a separate delivery mechanism.
type queueBounceSink struct {
	q *queue.Queue
}

func (s *queueBounceSink) SendBounce(ctx context.Context, meta queue.MailMetadata, header textproto.Header, body []byte) error {
	if s.q == nil {
		return fmt.Errorf("bounce sink: queue not yet initialized")
	}

	enq, err := s.q.Enqueue(ctx, meta)
	if err != nil {
		return fmt.Errorf("bounce sink: enqueue: %w", err)
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, header); err != nil {
		return fmt.Errorf("bounce sink: write header: %w", err)
	}
	buf.Write(body)

	// Re-buffered through buffer.MemoryBuffer rather than written
	// straight from buf: this is the same "never hand out the raw
	// accumulator, always an immutable Buffer" discipline
	// internal/target/queue/queue.go's emitDSN follows for dsnBodyBlob.
	blob := buffer.MemoryBuffer{Slice: buf.Bytes()}
	r, err := blob.Open()
	if err != nil {
		return fmt.Errorf("bounce sink: open buffer: %w", err)
	}
	defer r.Close()

	if _, err := io.Copy(enq, r); err != nil {
		return fmt.Errorf("bounce sink: write: %w", err)
	}
	if _, err := enq.Commit(ctx); err != nil {
		return fmt.Errorf("bounce sink: commit: %w", err)
	}
	return nil
}
