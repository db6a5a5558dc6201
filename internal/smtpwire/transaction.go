package smtpwire

import (
	"github.com/relaymta/relaymta/framework/address"
	"github.com/relaymta/relaymta/internal/queue"
)

// Transaction accumulates the MAIL FROM and RCPT TO state of a single SMTP
// transaction, validating and normalizing each path through
// framework/address as it is recorded. It is the only piece of this
// package with any awareness of internal/queue: everything else here
// is wire grammar with no opinion on what the parsed paths are for.
type Transaction struct {
	From string
	To   []string
}

// SetFrom records the reverse-path already extracted by ParseMailFrom. An
// empty path (the null reverse-path, "<>") identifies a bounce/DSN and is
// recorded as-is rather than rejected.
func (t *Transaction) SetFrom(path string) error {
	if path == "" {
		t.From = ""
		return nil
	}
	if !address.Valid(path) {
		return &ParseError{Reason: "invalid reverse-path: " + path}
	}
	norm, err := address.ForLookup(path)
	if err != nil {
		return &ParseError{Reason: "reverse-path: " + err.Error()}
	}
	t.From = norm
	return nil
}

// AddRecipient records the forward-path already extracted by ParseRcptTo.
func (t *Transaction) AddRecipient(path string) error {
	if !address.Valid(path) {
		return &ParseError{Reason: "invalid forward-path: " + path}
	}
	norm, err := address.ForLookup(path)
	if err != nil {
		return &ParseError{Reason: "forward-path: " + err.Error()}
	}
	t.To = append(t.To, norm)
	return nil
}

// ToMailMetadata converts the accumulated transaction into the shape
// queue.Enqueue accepts. This is the only function coupling smtpwire to
// the queue package.
func (t *Transaction) ToMailMetadata() queue.MailMetadata {
	return queue.MailMetadata{
		From: t.From,
		To:   append([]string(nil), t.To...),
	}
}
