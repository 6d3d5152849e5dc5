package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("component", "relay").WithGroup("frame").Info("relay.join",
		"channel_id", "3f1c1f5e-6f9a-4b0e-9a53-0a1f2c3d4e5f",
		"note", "two words",
		"status", 404,
	)

	out := buf.String()
	if strings.Contains(out, "frame.component") {
		t.Fatalf("attrs added before WithGroup must stay ungrouped: %q", out)
	}
	for _, want := range []string{
		"INFO ",
		"relay.join",
		"component=relay",
		"frame.channel_id=3f1c1f5e-6f9a-4b0e-9a53-0a1f2c3d4e5f",
		`frame.note="two words"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output must not contain escape codes: %q", out)
	}
}

func TestPrettyHandler_ColoredLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))

	log.Debug("hidden")
	log.Error("relay.store.put.fail", "err", "boom")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug must be filtered at the default level: %q", out)
	}
	if !strings.Contains(out, "\x1b[") || !strings.Contains(out, "ERROR") {
		t.Fatalf("expected colored error line, got %q", out)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        `""`,
		"plain":   "plain",
		"a b":     `"a b"`,
		`k=v`:     `"k=v"`,
		"tab\tin": `"tab\tin"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
