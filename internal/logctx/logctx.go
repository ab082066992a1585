package logctx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(stageDataKey{}).(*StageData); ok {
		r.AddAttrs(slog.Group("stage",
			slog.String("name", sd.Stage),
			slog.String("attempt_id", sd.AttemptID),
		))
	}

	if sd, ok := ctx.Value(syncDataKey{}).(*SyncData); ok {
		r.AddAttrs(slog.Group("sync",
			slog.String("conn_id", sd.ConnectionID),
			slog.String("last_event_id", sd.LastEventID),
			slog.Int("attempt", sd.Attempt),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type stageDataKey struct{}

// StageData identifies one run of a bootstrap stage.
type StageData struct {
	Stage     string
	AttemptID string
}

func WithStageData(ctx context.Context, data *StageData) context.Context {
	return context.WithValue(ctx, stageDataKey{}, data)
}

type syncDataKey struct{}

// SyncData identifies one live sync connection.
type SyncData struct {
	ConnectionID string
	LastEventID  string
	Attempt      int
}

func WithSyncData(ctx context.Context, data *SyncData) context.Context {
	return context.WithValue(ctx, syncDataKey{}, data)
}

// NewLogger builds a logger writing to w in the given format ("json" or
// "text") at the given level ("debug", "info", "warn", "error"). Empty values
// select text at info.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var base slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		base = slog.NewTextHandler(w, opts)
	case "json":
		base = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("log format %q: want json or text", format)
	}
	return slog.New(Handler{Handler: base}), nil
}
