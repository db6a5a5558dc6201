package queue

import (
	"context"
	"io"
)

// OutcomeKind classifies the result of a single delivery attempt.
type OutcomeKind int

const (
	// OutcomeOK means the mail was accepted by the transport and can be
	// finalized.
	OutcomeOK OutcomeKind = iota
	// OutcomeRemotePermanent means the peer returned a 5xx-class reply;
	// the mail must not be retried and should be bounced.
	OutcomeRemotePermanent
	// OutcomeRemoteTransient means the peer returned a 4xx-class reply
	// or closed prematurely; the mail should be retried after backoff.
	OutcomeRemoteTransient
	// OutcomeLocal means the Transport itself failed (DNS, socket, local
	// I/O); the mail should be retried after backoff.
	OutcomeLocal
)

// Outcome is the classified result of Transport.Send.
type Outcome struct {
	Kind OutcomeKind

	// Code is the SMTP reply code for OutcomeRemotePermanent and
	// OutcomeRemoteTransient; zero otherwise.
	Code int

	Err error
}

func OK() Outcome { return Outcome{Kind: OutcomeOK} }

func RemotePermanent(code int, err error) Outcome {
	return Outcome{Kind: OutcomeRemotePermanent, Code: code, Err: err}
}

func RemoteTransient(code int, err error) Outcome {
	return Outcome{Kind: OutcomeRemoteTransient, Code: code, Err: err}
}

func Local(err error) Outcome {
	return Outcome{Kind: OutcomeLocal, Err: err}
}

// Transport performs one delivery attempt. It is stateless and must be
// safe to call concurrently for distinct mails.
type Transport interface {
	Send(ctx context.Context, meta MailMetadata, mail io.Reader) Outcome
}
