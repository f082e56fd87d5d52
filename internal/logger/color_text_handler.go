package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// tagWriter prepends the pending level tag to the single Write a text
// handler issues per record.
type tagWriter struct {
	mu  sync.Mutex
	w   io.Writer
	tag string
}

func (t *tagWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(t.w, t.tag); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}

// colorHandler is a slog.TextHandler whose lines start with a coloured
// level tag. slog quotes control characters inside values, so the tag is
// written around the handler instead of into the message.
type colorHandler struct {
	inner slog.Handler
	out   *tagWriter
}

// NewColorTextHandler returns a text handler with coloured level tags. When
// w is a file that is not a terminal the plain text handler is returned.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if f, ok := w.(*os.File); ok && !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return slog.NewTextHandler(w, opts)
	}
	tw := &tagWriter{w: w}
	return colorHandler{inner: slog.NewTextHandler(tw, opts), out: tw}
}

func (h colorHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h colorHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.tag = levelTag(r.Level) + " "
	return h.inner.Handle(ctx, r)
}

func (h colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return colorHandler{inner: h.inner.WithAttrs(attrs), out: h.out}
}

func (h colorHandler) WithGroup(name string) slog.Handler {
	return colorHandler{inner: h.inner.WithGroup(name), out: h.out}
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed + "ERR" + ansiReset
	case l >= slog.LevelWarn:
		return ansiYellow + "WRN" + ansiReset
	case l >= slog.LevelInfo:
		return ansiGreen + "INF" + ansiReset
	default:
		return ansiCyan + "DBG" + ansiReset
	}
}
