package config

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every CALLGATE_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

var minimalArgs = []string{"--trunk-host", "sip.example.net", "--trunk-username", "gw"}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := load(minimalArgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.TrunkTransport != "udp" || cfg.TrunkPort != 5060 {
		t.Errorf("trunk = %s:%d", cfg.TrunkTransport, cfg.TrunkPort)
	}
	if cfg.AcceptSettle != time.Second {
		t.Errorf("AcceptSettle = %s, want 1s", cfg.AcceptSettle)
	}
	if cfg.DecryptAttempts != 5 || cfg.DecryptInterval != 200*time.Millisecond {
		t.Errorf("decrypt poll = %d x %s", cfg.DecryptAttempts, cfg.DecryptInterval)
	}
	if !cfg.Register || cfg.RequireMediaKeys {
		t.Errorf("Register = %v RequireMediaKeys = %v", cfg.Register, cfg.RequireMediaKeys)
	}
	if cfg.CallerUser() != "gw" {
		t.Errorf("CallerUser() = %q, want trunk username", cfg.CallerUser())
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLGATE_HTTP_PORT", "9090")
	t.Setenv("CALLGATE_TRUNK_HOST", "trunk.example.org")
	t.Setenv("CALLGATE_REGISTER", "false")
	t.Setenv("CALLGATE_ACCEPT_SETTLE", "1500ms")
	t.Setenv("CALLGATE_LOG_LEVEL", "DEBUG")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.TrunkHost != "trunk.example.org" {
		t.Errorf("TrunkHost = %q", cfg.TrunkHost)
	}
	if cfg.Register {
		t.Error("Register = true, want false from env")
	}
	if cfg.AcceptSettle != 1500*time.Millisecond {
		t.Errorf("AcceptSettle = %s", cfg.AcceptSettle)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLGATE_HTTP_PORT", "9090")
	t.Setenv("CALLGATE_LOG_LEVEL", "debug")

	cfg, err := load(append([]string{"--http-port", "3000", "--log-level", "warn"}, minimalArgs...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestEnvName(t *testing.T) {
	if got := envName("trunk-auth-username"); got != "CALLGATE_TRUNK_AUTH_USERNAME" {
		t.Errorf("envName = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid http port", []string{"--http-port", "99999"}},
		{"invalid log level", []string{"--log-level", "verbose"}},
		{"invalid sip trace", []string{"--sip-trace", "bodies"}},
		{"inverted rtp range", []string{"--rtp-port-min", "20000", "--rtp-port-max", "10000"}},
		{"bad transport", []string{"--trunk-transport", "sctp"}},
		{"bad platform scheme", []string{"--platform-url", "http://localhost/ws"}},
		{"negative settle", []string{"--accept-settle", "-1s"}},
		{"ipv6 external ip", []string{"--external-ip", "2001:db8::1"}},
		{"zero decrypt attempts", []string{"--decrypt-attempts", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := load(append(tt.args, minimalArgs...)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}

	t.Run("missing trunk host", func(t *testing.T) {
		clearEnv(t)
		if _, err := load(nil); err == nil {
			t.Fatal("expected error without trunk-host")
		}
	})

	t.Run("ephemeral media", func(t *testing.T) {
		clearEnv(t)
		cfg, err := load(append([]string{"--rtp-port-min", "0", "--rtp-port-max", "0"}, minimalArgs...))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !cfg.EphemeralMedia() {
			t.Error("EphemeralMedia() = false")
		}
	})
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
