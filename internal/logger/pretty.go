package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorBold   = "\033[1m"
)

// componentKey is rendered as a "[name]" prefix instead of key=value.
const componentKey = "component"

// PrettyHandler writes one human-readable line per record:
//
//	[2006-01-02 15:04:05] INFO  [train] epoch done loss=1.92 test_acc=31.5
//
// Colors are used only when the writer is a terminal and NO_COLOR is unset,
// so redirected training logs stay plain text.
type PrettyHandler struct {
	opts      slog.HandlerOptions
	w         io.Writer
	mu        *sync.Mutex
	color     bool
	group     string
	component string
	attrs     []slog.Attr
}

// NewPrettyHandler creates a new PrettyHandler.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{
		opts:  *opts,
		w:     w,
		mu:    &sync.Mutex{},
		color: isTerminal(w) && os.Getenv("NO_COLOR") == "",
	}
}

// WithColor forces colored output on or off.
func (h *PrettyHandler) WithColor(on bool) *PrettyHandler {
	next := h.clone()
	next.color = on
	return next
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

// Enabled reports whether the handler handles records at the given level.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) paint(buf []byte, color string, text ...string) []byte {
	if h.color {
		buf = append(buf, color...)
	}
	for _, t := range text {
		buf = append(buf, t...)
	}
	if h.color {
		buf = append(buf, colorReset...)
	}
	return buf
}

// Handle formats and writes a log record.
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	// h.attrs already carry their group prefix; record attrs get the
	// current group here.
	component := h.component
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey && h.group == "" {
			component = a.Value.String()
			return true
		}
		attrs = append(attrs, qualify(a, h.group))
		return true
	})

	buf := make([]byte, 0, 256)
	buf = h.paint(buf, colorGray, "[", r.Time.Format(time.DateTime), "]")
	buf = append(buf, ' ')
	buf = h.paint(buf, levelColor(r.Level)+colorBold, fmt.Sprintf("%-5s", r.Level.String()))
	buf = append(buf, ' ')
	if component != "" {
		buf = h.paint(buf, colorGreen, "[", component, "]")
		buf = append(buf, ' ')
	}
	buf = append(buf, r.Message...)

	if len(attrs) > 0 {
		kv := make([]byte, 0, 16*len(attrs))
		for i, attr := range attrs {
			if i > 0 {
				kv = append(kv, ' ')
			}
			kv = appendAttr(kv, attr)
		}
		buf = append(buf, ' ')
		buf = h.paint(buf, colorCyan, string(kv))
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs returns a new handler with additional attributes.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		if a.Key == componentKey && h.group == "" {
			next.component = a.Value.String()
			continue
		}
		next.attrs = append(next.attrs, qualify(a, h.group))
	}
	return next
}

// WithGroup returns a new handler with a group name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return next
}

func (h *PrettyHandler) clone() *PrettyHandler {
	attrs := make([]slog.Attr, len(h.attrs))
	copy(attrs, h.attrs)
	return &PrettyHandler{
		opts:      h.opts,
		w:         h.w,
		mu:        h.mu,
		color:     h.color,
		group:     h.group,
		component: h.component,
		attrs:     attrs,
	}
}

func qualify(a slog.Attr, group string) slog.Attr {
	if group == "" {
		return a
	}
	return slog.Attr{Key: group + "." + a.Key, Value: a.Value}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func appendAttr(buf []byte, attr slog.Attr) []byte {
	buf = append(buf, attr.Key...)
	buf = append(buf, '=')

	v := attr.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuoting(s) {
			buf = append(buf, fmt.Sprintf("%q", s)...)
		} else {
			buf = append(buf, s...)
		}
	case slog.KindFloat64:
		buf = append(buf, fmt.Sprintf("%.4g", v.Float64())...)
	case slog.KindDuration:
		buf = append(buf, v.Duration().Round(time.Millisecond).String()...)
	case slog.KindTime:
		buf = v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindGroup:
		buf = append(buf, '{')
		for i, a := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, a)
		}
		buf = append(buf, '}')
	default:
		buf = append(buf, fmt.Sprint(v.Any())...)
	}
	return buf
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '=' {
			return true
		}
	}
	return false
}
