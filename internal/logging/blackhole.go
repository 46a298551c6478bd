package logging

import (
	"context"
	"log/slog"
)

// BlackholeHandler is a slog.Handler that discards every record. It is the
// default sink for library types whose caller did not supply a logger.
type BlackholeHandler struct{}

func (h BlackholeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return false
}

func (h BlackholeHandler) Handle(ctx context.Context, record slog.Record) error {
	return nil
}

func (h BlackholeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h BlackholeHandler) WithGroup(name string) slog.Handler {
	return h
}
