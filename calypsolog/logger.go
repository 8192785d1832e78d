// Package calypsolog offers an optional pretty console handler for the
// engine's log/slog output. The engine itself never constructs a logger
// (callers pass one to the transaction manager, or none at all); this
// package is one convenient way for a host application to build one.
package calypsolog

import (
	"io"
	"log/slog"

	"hermannm.dev/devlog"
)

// NewDevHandler returns a devlog-backed slog.Handler writing to w at the
// given level. Pass nil level to use devlog's default.
func NewDevHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return devlog.NewHandler(w, &devlog.Options{Level: level})
}

// NewLogger is a shorthand for slog.New(NewDevHandler(w, level)).
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewDevHandler(w, level))
}
