package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":       zerolog.TraceLevel,
		"diagnostics": zerolog.TraceLevel,
		" DEBUG ":     zerolog.DebugLevel,
		"warning":     zerolog.WarnLevel,
		"off":         zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok {
			t.Fatalf("parseLevel(%q) not recognised", raw)
		}
		if got != want {
			t.Fatalf("parseLevel(%q) got=%v want=%v", raw, got, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level should not be accepted")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "true")
	t.Setenv(EnvLogBypass, "nope")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if cfg.Timestamp {
		t.Fatalf("expected timestamp disabled")
	}
	if !cfg.NoColor {
		t.Fatalf("expected no color")
	}
	if cfg.Bypass {
		t.Fatalf("invalid bool should leave bypass untouched")
	}
}

func TestSetLevelYieldsToEnv(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	t.Setenv(EnvLogLevel, "")
	if !SetLevel("warn") || zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("configured level not applied: %v", zerolog.GlobalLevel())
	}
	if SetLevel("shouting") {
		t.Fatalf("unknown level should be ignored")
	}
	t.Setenv(EnvLogLevel, "debug")
	if SetLevel("error") {
		t.Fatalf("env level should win")
	}
}
