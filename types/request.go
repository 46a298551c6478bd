package types

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// ErrNoRecipients is returned when a SendRequest is built with an empty
// recipient list.
var ErrNoRecipients = errors.New("at least one recipient is required")

// SendRequest is one queued send: an ordered recipient list, a subject and
// an HTML body. It is immutable once built and consumed exactly once by the
// delivery worker.
type SendRequest struct {
	recipients []string
	subject    string
	body       string
}

// NewSendRequest validates and normalizes the recipient list. Each
// recipient must be a parseable RFC 5322 address; internationalized domains
// are converted to their ASCII (punycode) form. The whole list addresses a
// single delivery, not one delivery per recipient.
func NewSendRequest(recipients []string, subject, body string) (SendRequest, error) {
	if len(recipients) == 0 {
		return SendRequest{}, ErrNoRecipients
	}
	normalized := make([]string, len(recipients))
	for i, rcpt := range recipients {
		addr, err := mail.ParseAddress(rcpt)
		if err != nil {
			return SendRequest{}, fmt.Errorf("invalid recipient %q: %w", rcpt, err)
		}
		normalized[i], err = normalizeDomain(addr.Address)
		if err != nil {
			return SendRequest{}, fmt.Errorf("invalid recipient %q: %w", rcpt, err)
		}
	}
	return SendRequest{
		recipients: normalized,
		subject:    subject,
		body:       body,
	}, nil
}

func normalizeDomain(addr string) (string, error) {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return "", fmt.Errorf("missing domain part in %q", addr)
	}
	domain, err := idna.Lookup.ToASCII(addr[at+1:])
	if err != nil {
		return "", err
	}
	return addr[:at+1] + domain, nil
}

func (r SendRequest) Recipients() []string {
	return r.recipients
}

func (r SendRequest) Subject() string {
	return r.subject
}

func (r SendRequest) Body() string {
	return r.body
}
