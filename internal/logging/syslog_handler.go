package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"strings"
)

// syslogWriter is the subset of *syslog.Writer the handler needs.
type syslogWriter interface {
	Debug(m string) error
	Info(m string) error
	Warning(m string) error
	Err(m string) error
}

// syslogHandler renders records like the console handler, without the
// timestamp syslog adds itself, and maps slog levels to syslog priorities.
type syslogHandler struct {
	pretty *prettyHandler
	w      syslogWriter
}

func newSyslogHandler(tag string, lvl slog.Leveler) (slog.Handler, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, fmt.Errorf("connect syslog: %w", err)
	}
	return newSyslogHandlerWriter(w, lvl), nil
}

func newSyslogHandlerWriter(w syslogWriter, lvl slog.Leveler) *syslogHandler {
	p := newPrettyHandler(io.Discard, lvl, false)
	p.omitTime = true
	return &syslogHandler{pretty: p, w: w}
}

func (h *syslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.pretty.Enabled(ctx, level)
}

func (h *syslogHandler) Handle(_ context.Context, record slog.Record) error {
	line := strings.TrimRight(string(h.pretty.format(record)), "\n")
	// the priority carries the level
	if _, rest, ok := strings.Cut(line, " "); ok {
		line = rest
	}
	switch {
	case record.Level >= slog.LevelError:
		return h.w.Err(line)
	case record.Level >= slog.LevelWarn:
		return h.w.Warning(line)
	case record.Level >= slog.LevelInfo:
		return h.w.Info(line)
	default:
		return h.w.Debug(line)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &syslogHandler{pretty: h.pretty.WithAttrs(attrs).(*prettyHandler), w: h.w}
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	return &syslogHandler{pretty: h.pretty.WithGroup(name).(*prettyHandler), w: h.w}
}
