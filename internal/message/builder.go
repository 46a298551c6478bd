package message

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/mkameya/mailspool/types"
)

// Builder serializes a SendRequest into an RFC 5322 message with an HTML
// body, optionally DKIM-signed.
type Builder struct {
	hostname        string
	dkimSignOptions *dkim.SignOptions
	now             func() time.Time
}

type BuilderOptionFunc func(*Builder) (*Builder, error)

func WithDKIMSignOptions(options *dkim.SignOptions) BuilderOptionFunc {
	return func(b *Builder) (*Builder, error) {
		b.dkimSignOptions = options
		return b, nil
	}
}

func WithClock(now func() time.Time) BuilderOptionFunc {
	return func(b *Builder) (*Builder, error) {
		b.now = now
		return b, nil
	}
}

// NewBuilder creates a Builder. hostname is used for the right-hand side of
// generated Message-ID headers.
func NewBuilder(hostname string, options ...BuilderOptionFunc) (*Builder, error) {
	b := &Builder{
		hostname: hostname,
		now:      time.Now,
	}
	for _, option := range options {
		var err error
		b, err = option(b)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

var messageIDCounter atomic.Uint64

// Build renders the message. Headers come first in a fixed order, the body
// is quoted-printable encoded, and all line endings are CRLF as required on
// the wire. When DKIM signing is configured, the returned bytes carry the
// DKIM-Signature header.
func (b *Builder) Build(from string, req types.SendRequest) ([]byte, error) {
	var buf bytes.Buffer
	now := b.now()
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(req.Recipients(), ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", req.Subject()))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%x.%d@%s>\r\n", now.UnixNano(), messageIDCounter.Add(1), b.hostname)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	w := quotedprintable.NewWriter(&buf)
	if _, err := w.Write([]byte(req.Body())); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	if b.dkimSignOptions == nil {
		return buf.Bytes(), nil
	}
	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(buf.Bytes()), b.dkimSignOptions); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}
