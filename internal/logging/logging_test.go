package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatal("unknown level accepted")
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.Level = "warn"
	l := New("myo-test", cfg, &buf)

	l.Info().Msg("hidden")
	l.Warn().Str("component", "connmgr").Msg("shown")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["message"] != "shown" || rec["app"] != "myo-test" || rec["component"] != "connmgr" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestEnvOverridesLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogFormat, "json")
	var buf bytes.Buffer
	l := New("myo-test", DefaultConfig(), &buf)
	l.Debug().Msg("dbg")
	if !bytes.Contains(buf.Bytes(), []byte(`"dbg"`)) {
		t.Fatalf("debug record missing: %q", buf.String())
	}
}
