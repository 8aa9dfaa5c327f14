package session

import (
	"context"
	"log/slog"
)

// discardHandler is a slog.Handler that drops everything, a minimal
// hand-rolled equivalent of slog.DiscardHandler, grounded on the same "logger defaults to a no-op, never nil" convention
// the teacher's client.ensureLogger applies.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool   { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler         { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler              { return discardHandler{} }

func discardLogger() *slog.Logger {
	return slog.New(discardHandler{})
}
