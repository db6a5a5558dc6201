package policyabi

import (
	"context"
	"time"

	"github.com/relaymta/relaymta/framework/log"
	"github.com/relaymta/relaymta/internal/queue"
)

// WASMPolicy implements queue.Policy by delegating every decision to a
// sandboxed WebAssembly guest, falling back to a local Policy (and a
// log line) whenever the guest call itself fails — the engine's
// Policy contract forbids a method from failing outright, and a
// misbehaving or crashed guest is exactly the kind of failure that
// must degrade rather than propagate.
type WASMPolicy struct {
	host     *host
	fallback queue.Policy
	log      log.Logger
}

// NewWASMPolicy compiles and instantiates wasmBytes, returning a
// Policy backed by it. fallback is consulted whenever a guest call
// errors (missing export, trap, malformed response), and also carries
// out the actual bounce send when the guest decides to bounce — the
// guest only returns that decision, it has no way to call back into
// the host to build and enqueue a DSN itself.
func NewWASMPolicy(ctx context.Context, wasmBytes []byte, fallback queue.Policy, logger log.Logger) (*WASMPolicy, error) {
	h, err := newHost(ctx, wasmBytes)
	if err != nil {
		return nil, err
	}
	return &WASMPolicy{host: h, fallback: fallback, log: logger}, nil
}

func (p *WASMPolicy) Close(ctx context.Context) error {
	return p.host.Close(ctx)
}

func (p *WASMPolicy) NextInterval(last time.Duration) time.Duration {
	req := nextIntervalRequest{LastNanos: int64(last)}
	var resp nextIntervalResponse
	if err := p.host.call(context.Background(), "policy_next_interval", &req, &resp); err != nil {
		p.log.Error("policy guest call failed, using fallback", err, "entry_point", "policy_next_interval")
		return p.fallback.NextInterval(last)
	}
	return time.Duration(resp.NextNanos)
}

func (p *WASMPolicy) IOErrorNextRetryDelay(last time.Duration) time.Duration {
	req := ioErrorDelayRequest{LastNanos: int64(last)}
	var resp ioErrorDelayResponse
	if err := p.host.call(context.Background(), "policy_io_error_delay", &req, &resp); err != nil {
		p.log.Error("policy guest call failed, using fallback", err, "entry_point", "policy_io_error_delay")
		return p.fallback.IOErrorNextRetryDelay(last)
	}
	return time.Duration(resp.NextNanos)
}

func (p *WASMPolicy) FoundInflightCheckDelay() time.Duration {
	var resp foundInflightDelayResponse
	if err := p.host.call(context.Background(), "policy_found_inflight_delay", &struct{}{}, &resp); err != nil {
		p.log.Error("policy guest call failed, using fallback", err, "entry_point", "policy_found_inflight_delay")
		return p.fallback.FoundInflightCheckDelay()
	}
	return time.Duration(resp.DelayNanos)
}

func (p *WASMPolicy) Bounce(ctx context.Context, id queue.QueueId, meta queue.MailMetadata, code int, sendErr error) {
	req := bounceRequest{
		QueueID: string(id),
		From:    meta.From,
		To:      meta.To,
		Code:    code,
		Reason:  sendErr.Error(),
	}
	var resp bounceResponse
	if err := p.host.call(ctx, "policy_bounce", &req, &resp); err != nil {
		p.log.Error("policy guest call failed, using fallback", err, "entry_point", "policy_bounce", "queue_id", string(id))
		p.fallback.Bounce(ctx, id, meta, code, sendErr)
		return
	}
	if !resp.ShouldBounce {
		return
	}
	p.fallback.Bounce(ctx, id, meta, code, sendErr)
}

func (p *WASMPolicy) LogPermanentError(ctx context.Context, id queue.QueueId, code int, err error) {
	p.doLog(ctx, "permanent_error", id, code, err)
}

func (p *WASMPolicy) LogTransientError(ctx context.Context, id queue.QueueId, code int, err error) {
	p.doLog(ctx, "transient_error", id, code, err)
}

func (p *WASMPolicy) LogIOError(ctx context.Context, id queue.QueueId, err error) {
	p.doLog(ctx, "io_error", id, 0, err)
}

func (p *WASMPolicy) LogInflightMailVanished(ctx context.Context, id queue.QueueId) {
	p.doLog(ctx, "inflight_vanished", id, 0, nil)
}

func (p *WASMPolicy) LogTooBigDuration(ctx context.Context, id queue.QueueId, interval time.Duration) {
	req := logRequest{Kind: "too_big_duration", QueueID: string(id), Reason: interval.String()}
	if err := p.host.call(ctx, "policy_log", &req, &struct{}{}); err != nil {
		p.log.Error("policy guest call failed, using fallback", err, "entry_point", "policy_log", "queue_id", string(id))
		p.fallback.LogTooBigDuration(ctx, id, interval)
	}
}

func (p *WASMPolicy) doLog(ctx context.Context, kind string, id queue.QueueId, code int, logErr error) {
	req := logRequest{Kind: kind, QueueID: string(id), Code: code}
	if logErr != nil {
		req.Reason = logErr.Error()
	}
	if err := p.host.call(ctx, "policy_log", &req, &struct{}{}); err != nil {
		p.log.Error("policy guest call failed, using fallback", err, "entry_point", "policy_log", "queue_id", string(id))
		switch kind {
		case "permanent_error":
			p.fallback.LogPermanentError(ctx, id, code, logErr)
		case "transient_error":
			p.fallback.LogTransientError(ctx, id, code, logErr)
		case "io_error":
			p.fallback.LogIOError(ctx, id, logErr)
		case "inflight_vanished":
			p.fallback.LogInflightMailVanished(ctx, id)
		}
	}
}

var _ queue.Policy = (*WASMPolicy)(nil)
