package types

import "context"

// Transport delivers a single SendRequest to all of its recipients.
// SendMail performs one delivery attempt; the returned error is the
// underlying transport failure, opaque to callers. Close releases any
// held connection and is called once when the worker exits.
type Transport interface {
	SendMail(ctx context.Context, from string, req SendRequest) error
	Close() error
}
