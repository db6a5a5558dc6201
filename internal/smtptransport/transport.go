// Package smtptransport is the reference queue.Transport: it delivers
// a mail by speaking client-side SMTP over a connection obtained from a
// caller-supplied Dialer. Resolving "domain" to a concrete address and
// negotiating TLS are the Dialer's job, not this package's — DNS/MX
// resolution and TLS are out of scope for the queue system this
// implements.
package smtptransport

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/relaymta/relaymta/framework/address"
	"github.com/relaymta/relaymta/framework/exterrors"
	"github.com/relaymta/relaymta/internal/queue"
	"github.com/relaymta/relaymta/internal/smtpwire"
)

// Dialer returns a connection suitable for SMTP client use against the
// given destination domain. Callers typically inject one that resolves
// MX records and negotiates TLS (opportunistic or required) internally.
type Dialer func(ctx context.Context, domain string) (net.Conn, error)

// AuthClientFactory returns a sasl.Client to authenticate a connection
// to domain, or (nil, nil) to send the mail unauthenticated. It exists
// so a smarthost deployment can forward credentials without this
// package needing to know where they come from.
type AuthClientFactory func(domain string) (sasl.Client, error)

// Transport implements queue.Transport on top of emersion/go-smtp's
// client half. It is stateless: every Send dials, transacts and closes
// a fresh connection, matching the queue engine's one-shot delivery
// attempt model.
type Transport struct {
	Dialer Dialer

	// Hostname is sent as the EHLO/HELO argument.
	Hostname string

	// Auth, if set, is consulted after EHLO to authenticate against a
	// smarthost before MAIL FROM. Leave nil for direct-to-MX delivery,
	// which is never authenticated.
	Auth AuthClientFactory
}

func (t *Transport) Send(ctx context.Context, meta queue.MailMetadata, body io.Reader) queue.Outcome {
	if len(meta.To) == 0 {
		return queue.Local(fmt.Errorf("smtptransport: no recipients"))
	}

	_, domain, err := address.Split(meta.To[0])
	if err != nil {
		return queue.RemotePermanent(501, fmt.Errorf("smtptransport: bad recipient %q: %w", meta.To[0], err))
	}

	conn, err := t.Dialer(ctx, domain)
	if err != nil {
		return queue.Local(fmt.Errorf("smtptransport: dial %s: %w", domain, err))
	}

	client, err := smtp.NewClient(conn, domain)
	if err != nil {
		conn.Close()
		return queue.Local(fmt.Errorf("smtptransport: handshake with %s: %w", domain, err))
	}
	defer client.Close()

	if err := client.Hello(t.Hostname); err != nil {
		return classify(err)
	}

	if t.Auth != nil {
		authClient, err := t.Auth(domain)
		if err != nil {
			return queue.Local(fmt.Errorf("smtptransport: building auth client for %s: %w", domain, err))
		}
		if authClient != nil {
			if ok, _ := client.Extension("AUTH"); !ok {
				return queue.RemoteTransient(0, fmt.Errorf("smtptransport: %s does not advertise AUTH", domain))
			}
			if err := client.Auth(authClient); err != nil {
				return classify(err)
			}
		}
	}

	if err := client.Mail(meta.From, nil); err != nil {
		return classify(err)
	}

	for _, rcpt := range meta.To {
		// Mails recovered from storage may still carry a source-routed
		// path from a pre-RFC-5321-Appendix-C-cleanup era; strip it
		// before handing the address to the client library.
		clean, err := smtpwire.StripSourceRoute(rcpt)
		if err != nil {
			return queue.RemotePermanent(501, fmt.Errorf("smtptransport: bad recipient %q: %w", rcpt, err))
		}
		if err := client.Rcpt(clean, nil); err != nil {
			return classify(err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return classify(err)
	}
	if _, err := io.Copy(w, body); err != nil {
		w.Close()
		return queue.Local(fmt.Errorf("smtptransport: writing DATA to %s: %w", domain, err))
	}
	if err := w.Close(); err != nil {
		return classify(err)
	}

	// The message has already been accepted at this point; a failed QUIT
	// is a local connection-teardown hiccup, not a delivery failure.
	_ = client.Quit()

	return queue.OK()
}

// classify turns a go-smtp client error into a queue.Outcome, following
// the same reply-code-based split internal/target/queue/queue.go uses
// in toSMTPErr: 5xx is permanent, everything else (4xx, or a connection
// failure with no reply code at all) is treated as retryable.
//
// An error with no SMTP reply code attached (a dial/handshake/protocol
// failure rather than a rejection) falls back to
// exterrors.IsTemporaryOrUnspec, the same assume-temporary-by-default
// rule toSMTPErr applies — errors are retried unless something along
// the way has explicitly marked them permanent via
// exterrors.WithTemporary(err, false).
func classify(err error) queue.Outcome {
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		if smtpErr.Code/100 == 5 {
			return queue.RemotePermanent(smtpErr.Code, smtpErr)
		}
		return queue.RemoteTransient(smtpErr.Code, smtpErr)
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		return queue.RemotePermanent(554, err)
	}
	return queue.Local(err)
}
