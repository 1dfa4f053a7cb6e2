package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callgate service.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort   int
	SIPPort    int
	SIPHost    string // SIP User-Agent hostname, machine hostname if empty
	RTPPortMin int    // 0 with RTPPortMax 0 binds ephemeral media ports
	RTPPortMax int
	ExternalIP string // public IP advertised in SDP and transport responses
	LogLevel   string
	LogFormat  string // "text" or "json"
	SIPTrace   string // off, headers, full

	TrunkHost         string
	TrunkPort         int
	TrunkTransport    string
	TrunkUsername     string
	TrunkAuthUsername string
	TrunkPassword     string
	RegisterExpiry    int
	Register          bool
	CallerID          string

	PlatformURL string // websocket URL of the platform session sidecar

	AcceptSettle     time.Duration
	DecryptAttempts  int
	DecryptInterval  time.Duration
	RequireMediaKeys bool
}

// defaults
const (
	defaultHTTPPort        = 8080
	defaultSIPPort         = 5060
	defaultRTPPortMin      = 10000
	defaultRTPPortMax      = 20000
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultSIPTrace        = "off"
	defaultTrunkPort       = 5060
	defaultTrunkTransport  = "udp"
	defaultRegisterExpiry  = 300
	defaultPlatformURL     = "ws://127.0.0.1:8765/ws"
	defaultAcceptSettle    = time.Second
	defaultDecryptAttempts = 5
	defaultDecryptInterval = 200 * time.Millisecond
)

// envPrefix is the prefix for all callgate environment variables.
const envPrefix = "CALLGATE_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callgate", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "SIP user agent hostname (machine hostname if empty)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for call media sockets (0 for ephemeral)")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for call media sockets (0 for ephemeral)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP and transport candidates (auto-detected if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "SIP message tracing (off, headers, full)")

	fs.StringVar(&cfg.TrunkHost, "trunk-host", "", "SIP trunk host")
	fs.IntVar(&cfg.TrunkPort, "trunk-port", defaultTrunkPort, "SIP trunk port")
	fs.StringVar(&cfg.TrunkTransport, "trunk-transport", defaultTrunkTransport, "SIP trunk transport (udp, tcp, tls)")
	fs.StringVar(&cfg.TrunkUsername, "trunk-username", "", "SIP trunk username")
	fs.StringVar(&cfg.TrunkAuthUsername, "trunk-auth-username", "", "SIP trunk digest username (defaults to trunk-username)")
	fs.StringVar(&cfg.TrunkPassword, "trunk-password", "", "SIP trunk password")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "requested REGISTER expiry in seconds")
	fs.BoolVar(&cfg.Register, "register", true, "register with the SIP trunk")
	fs.StringVar(&cfg.CallerID, "caller-id", "", "user part of the From header on outbound calls (defaults to trunk-username)")

	fs.StringVar(&cfg.PlatformURL, "platform-url", defaultPlatformURL, "websocket URL of the messaging platform sidecar")

	fs.DurationVar(&cfg.AcceptSettle, "accept-settle", defaultAcceptSettle, "delay between preaccept and accept")
	fs.IntVar(&cfg.DecryptAttempts, "decrypt-attempts", defaultDecryptAttempts, "offer payload decrypt attempts")
	fs.DurationVar(&cfg.DecryptInterval, "decrypt-interval", defaultDecryptInterval, "delay between offer payload decrypt attempts")
	fs.BoolVar(&cfg.RequireMediaKeys, "require-media-keys", false, "end calls whose offer yields no media keys")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. http-port to
// CALLGATE_HTTP_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable. Values that fail to parse are ignored.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			slog.Warn("ignoring invalid environment override", "env", envName(f.Name), "error", err)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin != 0 || c.RTPPortMax != 0 {
		if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
			return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
		}
		if c.RTPPortMax <= c.RTPPortMin || c.RTPPortMax > 65535 {
			return fmt.Errorf("rtp-port-max must be between rtp-port-min+1 and 65535, got %d", c.RTPPortMax)
		}
	}
	if c.ExternalIP != "" && net.ParseIP(c.ExternalIP).To4() == nil {
		return fmt.Errorf("external-ip must be an IPv4 address, got %q", c.ExternalIP)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	if c.TrunkHost == "" {
		return fmt.Errorf("trunk-host is required")
	}
	if c.TrunkPort < 1 || c.TrunkPort > 65535 {
		return fmt.Errorf("trunk-port must be between 1 and 65535, got %d", c.TrunkPort)
	}
	validTransports := map[string]bool{"udp": true, "tcp": true, "tls": true}
	if !validTransports[strings.ToLower(c.TrunkTransport)] {
		return fmt.Errorf("trunk-transport must be one of udp, tcp, tls; got %q", c.TrunkTransport)
	}
	c.TrunkTransport = strings.ToLower(c.TrunkTransport)
	if c.Register && c.TrunkUsername == "" {
		return fmt.Errorf("trunk-username is required when register is enabled")
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}

	u, err := url.Parse(c.PlatformURL)
	if err != nil {
		return fmt.Errorf("platform-url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("platform-url must use ws or wss, got %q", c.PlatformURL)
	}

	if c.AcceptSettle < 0 || c.AcceptSettle > 30*time.Second {
		return fmt.Errorf("accept-settle must be between 0 and 30s, got %s", c.AcceptSettle)
	}
	if c.DecryptAttempts < 1 {
		return fmt.Errorf("decrypt-attempts must be at least 1, got %d", c.DecryptAttempts)
	}
	if c.DecryptInterval <= 0 {
		return fmt.Errorf("decrypt-interval must be positive, got %s", c.DecryptInterval)
	}

	return nil
}

// EphemeralMedia reports whether media sockets bind OS-assigned ports.
func (c *Config) EphemeralMedia() bool {
	return c.RTPPortMin == 0 && c.RTPPortMax == 0
}

// CallerUser returns the From user for outbound INVITEs.
func (c *Config) CallerUser() string {
	if c.CallerID != "" {
		return c.CallerID
	}
	return c.TrunkUsername
}

// UserAgentHost returns the hostname to use for the SIP User-Agent.
func (c *Config) UserAgentHost() string {
	if c.SIPHost != "" {
		return c.SIPHost
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to advertise for media.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
