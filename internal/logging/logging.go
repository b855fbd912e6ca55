// Package logging provides subsystem-tagged structured logging shared by
// every component of the replication engine.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/fatih/color"
)

// Subsystem tags a logger so journal/console output can be filtered or
// colorized per component without each package constructing its own
// attribute.
type Subsystem string

const (
	SubsysEndpoint     Subsystem = "endpoint"
	SubsysTransport    Subsystem = "transport"
	SubsysSnapshot     Subsystem = "snapshot"
	SubsysPipeline     Subsystem = "pipeline"
	SubsysPlanner      Subsystem = "planner"
	SubsysRetention    Subsystem = "retention"
	SubsysRestore      Subsystem = "restore"
	SubsysLock         Subsystem = "lock"
	SubsysJournal      Subsystem = "journal"
	SubsysOrchestrator Subsystem = "orchestrator"
)

type loggerKey struct{}

var base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetDefault overrides the base logger used when a context carries none.
func SetDefault(l *slog.Logger) { base = l }

// WithLogger returns a context carrying l, retrievable via GetLogger.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// GetLogger returns the logger attached to ctx (or the package default),
// tagged with subsys.
func GetLogger(ctx context.Context, subsys Subsystem) *slog.Logger {
	l := base
	if v, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && v != nil {
		l = v
	}
	return l.With(slog.String("subsystem", string(subsys)))
}

// With attaches attrs to the context's logger and returns a new context
// carrying the result, following the same idiom component packages use to
// thread request-scoped fields (filesystem, destination, ...) through a
// call chain.
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	l := base
	if v, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && v != nil {
		l = v
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return WithLogger(ctx, l.With(args...))
}

// WithError logs msg at error level with err attached, returning err so
// call sites can `return logging.WithError(log, err, "...")`.
func WithError(log *slog.Logger, err error, msg string) error {
	log.With(slog.String("error", err.Error())).Error(msg)
	return err
}

// Summary prints a short, optionally colorized one-line outcome for a
// (volume, destination) pair, matching the teacher's status-line coloring
// (green success, yellow partial, red failure).
func Summary(volume, destination string, ok bool, partial bool, detail string) string {
	var badge string
	switch {
	case !ok:
		badge = color.New(color.FgRed, color.Bold).Sprint("FAILED")
	case partial:
		badge = color.New(color.FgYellow, color.Bold).Sprint("PARTIAL")
	default:
		badge = color.New(color.FgGreen, color.Bold).Sprint("OK")
	}
	if detail == "" {
		return volume + " -> " + destination + ": " + badge
	}
	return volume + " -> " + destination + ": " + badge + " (" + detail + ")"
}
