package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerTo_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	newLoggerTo(&jsonBuf, "info", "json", false).Info("server.start", "addr", ":8080")
	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("json format must emit JSON: %v (%q)", err, jsonBuf.String())
	}
	if rec["msg"] != "server.start" {
		t.Fatalf("msg=%v", rec["msg"])
	}

	var prettyBuf bytes.Buffer
	newLoggerTo(&prettyBuf, "info", "Pretty", false).Info("server.start", "addr", ":8080")
	if !strings.HasPrefix(prettyBuf.String(), "ts=") || !strings.Contains(prettyBuf.String(), "msg=server.start") {
		t.Fatalf("unexpected pretty line %q", prettyBuf.String())
	}
}

func TestColorEnabled(t *testing.T) {
	t.Setenv("CHATLINE_LOG_COLOR", "off")
	if colorEnabled() {
		t.Fatalf("CHATLINE_LOG_COLOR=off must disable color")
	}
	t.Setenv("CHATLINE_LOG_COLOR", "")
	t.Setenv("NO_COLOR", "1")
	if colorEnabled() {
		t.Fatalf("NO_COLOR must disable color")
	}
}
