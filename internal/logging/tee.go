package logging

import (
	"context"
	"errors"
	"log/slog"
)

// teeHandler sends each record to both handlers.
type teeHandler struct {
	file, console slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return t.file.Enabled(ctx, l) || t.console.Enabled(ctx, l)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if t.file.Enabled(ctx, r.Level) {
		errs = append(errs, t.file.Handle(ctx, r.Clone()))
	}
	if t.console.Enabled(ctx, r.Level) {
		errs = append(errs, t.console.Handle(ctx, r))
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t.file.WithAttrs(attrs), t.console.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t.file.WithGroup(name), t.console.WithGroup(name)}
}
