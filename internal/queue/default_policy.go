package queue

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/relaymta/relaymta/framework/log"
	"github.com/relaymta/relaymta/internal/dsn"
)

// BounceSink accepts a generated delivery-status notification for
// enqueuing back into the mail system, typically a second Enqueuer
// pointed at the null-sender path.
type BounceSink interface {
	SendBounce(ctx context.Context, meta MailMetadata, header textproto.Header, body []byte) error
}

// DefaultPolicy is the reference Policy implementation: a 60-second
// floor doubling thereafter for I/O retries, and a one-hour window
// before an in-flight mail found at startup is assumed orphaned.
type DefaultPolicy struct {
	Log  log.Logger
	Sink BounceSink

	// InitialRetryTime and RetryScale compute NextInterval as
	// max(InitialRetryTime, last*RetryScale), generalizing the
	// queue's own initialRetryTime*retryTimeScale^tries formula into a
	// pure function of the previous interval.
	InitialRetryTime time.Duration
	RetryScale       float64

	Hostname         string
	AutogenMsgDomain string
}

func NewDefaultPolicy(logger log.Logger, bounce BounceSink, hostname, autogenDomain string) *DefaultPolicy {
	return &DefaultPolicy{
		Log:              logger,
		Sink:             bounce,
		InitialRetryTime: 15 * time.Minute,
		RetryScale:       1.25,
		Hostname:         hostname,
		AutogenMsgDomain: autogenDomain,
	}
}

func (p *DefaultPolicy) NextInterval(last time.Duration) time.Duration {
	next := time.Duration(float64(last) * p.RetryScale)
	if next < p.InitialRetryTime {
		next = p.InitialRetryTime
	}
	return next
}

func (p *DefaultPolicy) IOErrorNextRetryDelay(last time.Duration) time.Duration {
	if last < 30*time.Second {
		return 60 * time.Second
	}
	return time.Duration(float64(last) * 2)
}

func (p *DefaultPolicy) FoundInflightCheckDelay() time.Duration {
	return time.Hour
}

func (p *DefaultPolicy) Bounce(ctx context.Context, id QueueId, meta MailMetadata, code int, sendErr error) {
	if p.Sink == nil || p.AutogenMsgDomain == "" {
		return
	}
	if meta.From == "" {
		// Null return-path: never bounce a bounce.
		return
	}

	dsnID := string(id) + "-dsn"
	envelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + p.AutogenMsgDomain + ">",
		From:  "MAILER-DAEMON@" + p.AutogenMsgDomain,
		To:    meta.From,
	}
	now := time.Now()
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    p.Hostname,
		XSender:         meta.From,
		XMessageID:      string(id),
		ArrivalDate:     now,
		LastAttemptDate: now,
	}

	rcptInfo := make([]dsn.RecipientInfo, 0, len(meta.To))
	for _, rcpt := range meta.To {
		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         smtp.EnhancedCode(codeToEnhanced(code)),
			DiagnosticCode: fmt.Errorf("%d %v", code, sendErr),
		})
	}

	var body bytes.Buffer
	header, err := dsn.GenerateDSN(false, envelope, mtaInfo, rcptInfo, textproto.Header{}, &body)
	if err != nil {
		p.Log.Error("failed to generate bounce DSN", err, "queue_id", string(id))
		return
	}

	bounceMeta := MailMetadata{From: "", To: []string{meta.From}}
	if err := p.Sink.SendBounce(ctx, bounceMeta, header, body.Bytes()); err != nil {
		p.Log.Error("failed to enqueue bounce DSN", err, "queue_id", string(id))
	}
}

// codeToEnhanced maps a plain SMTP reply code to a plausible enhanced
// status code triple when the transport did not supply one of its own.
func codeToEnhanced(code int) [3]int {
	switch code / 100 {
	case 5:
		return [3]int{5, 0, 0}
	case 4:
		return [3]int{4, 0, 0}
	default:
		return [3]int{5, 0, 0}
	}
}

func (p *DefaultPolicy) LogPermanentError(ctx context.Context, id QueueId, code int, err error) {
	p.Log.Error("permanent delivery failure", err, "queue_id", string(id), "code", code)
}

func (p *DefaultPolicy) LogTransientError(ctx context.Context, id QueueId, code int, err error) {
	p.Log.Error("transient delivery failure", err, "queue_id", string(id), "code", code)
}

func (p *DefaultPolicy) LogIOError(ctx context.Context, id QueueId, err error) {
	p.Log.Error("storage I/O error, will retry", err, "queue_id", string(id))
}

func (p *DefaultPolicy) LogInflightMailVanished(ctx context.Context, id QueueId) {
	p.Log.Msg("in-flight mail claimed by another actor, dropping", "queue_id", string(id))
}

func (p *DefaultPolicy) LogTooBigDuration(ctx context.Context, id QueueId, interval time.Duration) {
	p.Log.Msg("computed retry interval overflowed, using fallback",
		"queue_id", string(id), "requested", interval, "fallback", IntervalOnTooBigDuration)
}
