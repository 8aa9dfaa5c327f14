package plugin

import (
	"context"
	"log/slog"
)

// discardHandler mirrors session.discardLogger's "never nil" convention
// (see DESIGN.md, C8/C9): duplicated rather than imported since session
// does not export it and this package must not depend on session.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool   { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler         { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler              { return discardHandler{} }

func discardLogger() *slog.Logger {
	return slog.New(discardHandler{})
}
