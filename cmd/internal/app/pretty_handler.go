package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// palette holds the colors used by prettyHandler. Disabled colors print
// their input unchanged.
type palette struct {
	dim, bold                  *color.Color
	debug, info, warn, errLvl  *color.Color
	ok, redirect, client, fail *color.Color
	path, key                  *color.Color
}

func newPalette(enabled bool) palette {
	mk := func(attrs ...color.Attribute) *color.Color {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c
	}
	return palette{
		dim:      mk(color.Faint),
		bold:     mk(color.Bold),
		debug:    mk(color.FgMagenta),
		info:     mk(color.FgBlue),
		warn:     mk(color.FgYellow),
		errLvl:   mk(color.FgRed, color.Bold),
		ok:       mk(color.FgGreen),
		redirect: mk(color.FgCyan),
		client:   mk(color.FgYellow),
		fail:     mk(color.FgRed),
		path:     mk(color.FgCyan),
		key:      mk(color.FgHiBlack),
	}
}

type groupedAttr struct {
	group string
	attr  slog.Attr
}

type prettyHandler struct {
	w     io.Writer
	opts  slog.HandlerOptions
	attrs []groupedAttr
	group string
	pal   palette
	mu    *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, colored bool) slog.Handler {
	h := &prettyHandler{
		w:   w,
		pal: newPalette(colored),
		mu:  &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.pal.dim.Sprint(ts.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(h.pal.bold.Sprint(r.Message))

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString(h.pal.dim.Sprintf("src=%s:%d", filepath.Base(frame.File), frame.Line))
		}
	}

	for _, ga := range h.attrs {
		h.appendAttr(&b, ga.attr, ga.group)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, h.group)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]groupedAttr{}, h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, groupedAttr{group: h.group, attr: a})
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	if cp.group == "" {
		cp.group = name
	} else {
		cp.group = cp.group + "." + name
	}
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, fullKey)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(h.pal.key.Sprint(fullKey))
	b.WriteByte('=')
	b.WriteString(h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "path":
		return h.pal.path.Sprint(strings.TrimSpace(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.statusColor(int(n)).Sprint(n)
		}
	case "result":
		switch strings.TrimSpace(v.String()) {
		case "success":
			return h.pal.ok.Sprint(v.String())
		case "server_error":
			return h.pal.fail.Sprint(v.String())
		}
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			c := h.pal.ok
			switch {
			case n >= 1000:
				c = h.pal.fail
			case n >= 250:
				c = h.pal.warn
			}
			return c.Sprintf("%dms", n)
		}
	case "err":
		return h.pal.fail.Sprint(quoteIfNeeded(valueToString(v)))
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) statusColor(code int) *color.Color {
	switch {
	case code >= 500:
		return h.pal.fail
	case code >= 400:
		return h.pal.client
	case code >= 300:
		return h.pal.redirect
	default:
		return h.pal.ok
	}
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.pal.errLvl.Sprint("ERROR")
	case level >= slog.LevelWarn:
		return h.pal.warn.Sprint("WARN ")
	case level < slog.LevelInfo:
		return h.pal.debug.Sprint("DEBUG")
	default:
		return h.pal.info.Sprint("INFO ")
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true // #nosec G115 -- log rendering only.
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
