// Package config loads front door settings from the environment and
// command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultPort            = 8080
	DefaultGatewayPort     = 18789
	DefaultStateDir        = "/root/.openclaw"
	DefaultWorkspaceDir    = "/root/workspace"
	DefaultRestartDelay    = 5 * time.Second
	DefaultStartDelay      = time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultGracePeriod     = 10 * time.Second

	// PlaceholderToken is the credential used when none is configured.
	// It is insecure and only tolerated, never rejected.
	PlaceholderToken = "changeme"

	// BindLoopback is the bind mode handed to the backend.
	BindLoopback = "loopback"
)

// Environment variables read by the front door.
const (
	EnvPort         = "PORT"
	EnvToken        = "OPENCLAW_GATEWAY_TOKEN"
	EnvStateDir     = "OPENCLAW_STATE_DIR"
	EnvWorkspaceDir = "OPENCLAW_WORKSPACE_DIR"
	EnvBackend      = "FRONTDOOR_BACKEND"
	EnvRestartDelay = "FRONTDOOR_RESTART_DELAY"
	EnvStartDelay   = "FRONTDOOR_START_DELAY"
	EnvGracePeriod  = "FRONTDOOR_GRACE_PERIOD"
	EnvOutput       = "FRONTDOOR_OUTPUT"
	EnvLogFile      = "FRONTDOOR_LOG_FILE"
	EnvMetricsPath  = "FRONTDOOR_METRICS_PATH"
)

// DefaultBackend is the gateway command line, before the bind/port/token
// arguments are appended.
var DefaultBackend = []string{"node", "/openclaw/dist/index.js", "gateway"}

// Config holds process-wide settings. They are read once at startup.
type Config struct {
	Port         int
	GatewayPort  int
	Token        string
	StateDir     string
	WorkspaceDir string
	Backend      []string
	RestartDelay time.Duration
	// StartDelay postpones the first launch; negative starts immediately.
	StartDelay  time.Duration
	GracePeriod time.Duration
	Output      string
	LogFile     string
	// MetricsPath serves Prometheus metrics when set. Requests to it no
	// longer reach the gateway.
	MetricsPath string
	Debug       bool
}

// settings maps viper keys to their environment variable and flag names.
// An empty flag name means the setting is environment-only.
var settings = []struct {
	key, env, flag string
}{
	{"port", EnvPort, "port"},
	{"token", EnvToken, ""},
	{"state_dir", EnvStateDir, "state-dir"},
	{"workspace_dir", EnvWorkspaceDir, "workspace-dir"},
	{"backend", EnvBackend, "backend"},
	{"restart_delay", EnvRestartDelay, "restart-delay"},
	{"start_delay", EnvStartDelay, "start-delay"},
	{"grace_period", EnvGracePeriod, "grace-period"},
	{"output", EnvOutput, "output"},
	{"log_file", EnvLogFile, "log-file"},
	{"metrics_path", EnvMetricsPath, "metrics-path"},
	{"debug", "", "debug"},
}

// RegisterFlags adds the front door flags to fs. The credential has no
// flag so it never shows up in process listings.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.IntP("port", "p", DefaultPort, "Public port to listen on (env "+EnvPort+")")
	fs.String("state-dir", DefaultStateDir, "Gateway state directory (env "+EnvStateDir+")")
	fs.String("workspace-dir", DefaultWorkspaceDir, "Gateway workspace directory (env "+EnvWorkspaceDir+")")
	fs.String("backend", strings.Join(DefaultBackend, " "), "Gateway command line (env "+EnvBackend+")")
	fs.Duration("restart-delay", DefaultRestartDelay, "Delay before restarting a crashed gateway (env "+EnvRestartDelay+")")
	fs.Duration("start-delay", DefaultStartDelay, "Delay before the first gateway launch (env "+EnvStartDelay+")")
	fs.Duration("grace-period", DefaultGracePeriod, "How long in-flight requests may drain on shutdown (env "+EnvGracePeriod+")")
	fs.String("output", "inherit", "Gateway output handling: inherit or log (env "+EnvOutput+")")
	fs.String("log-file", "", "Also write gateway output to this rotated file (env "+EnvLogFile+")")
	fs.String("metrics-path", "", "Serve Prometheus metrics on this path instead of relaying it (env "+EnvMetricsPath+")")
	fs.BoolP("debug", "v", false, "Enable debug logging")
}

// Load resolves the configuration. Flags explicitly set on fs win over
// environment variables, which win over defaults. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetDefault("port", DefaultPort)
	v.SetDefault("token", PlaceholderToken)
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("workspace_dir", DefaultWorkspaceDir)
	v.SetDefault("backend", strings.Join(DefaultBackend, " "))
	v.SetDefault("restart_delay", DefaultRestartDelay)
	v.SetDefault("start_delay", DefaultStartDelay)
	v.SetDefault("grace_period", DefaultGracePeriod)
	v.SetDefault("output", "inherit")

	for _, s := range settings {
		if s.env != "" {
			if err := v.BindEnv(s.key, s.env); err != nil {
				return Config{}, fmt.Errorf("binding %s: %w", s.env, err)
			}
		}
		if fs == nil || s.flag == "" {
			continue
		}
		if f := fs.Lookup(s.flag); f != nil {
			if err := v.BindPFlag(s.key, f); err != nil {
				return Config{}, fmt.Errorf("binding --%s: %w", s.flag, err)
			}
		}
	}

	cfg := Config{
		Port:         v.GetInt("port"),
		GatewayPort:  DefaultGatewayPort,
		Token:        v.GetString("token"),
		StateDir:     v.GetString("state_dir"),
		WorkspaceDir: v.GetString("workspace_dir"),
		Backend:      strings.Fields(v.GetString("backend")),
		RestartDelay: v.GetDuration("restart_delay"),
		StartDelay:   v.GetDuration("start_delay"),
		GracePeriod:  v.GetDuration("grace_period"),
		Output:       v.GetString("output"),
		LogFile:      v.GetString("log_file"),
		MetricsPath:  v.GetString("metrics_path"),
		Debug:        v.GetBool("debug"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings for values the front door cannot run with.
// The placeholder token is accepted.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid public port %d", c.Port)
	}
	if c.GatewayPort <= 0 || c.GatewayPort > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.GatewayPort)
	}
	if c.Port == c.GatewayPort {
		return fmt.Errorf("public port and gateway port are both %d", c.Port)
	}
	if len(c.Backend) == 0 {
		return fmt.Errorf("gateway command line is empty")
	}
	if c.Token == "" {
		return fmt.Errorf("gateway token is empty")
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restart delay %s is negative", c.RestartDelay)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period %s is negative", c.GracePeriod)
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics path %q must start with /", c.MetricsPath)
	}
	if c.MetricsPath == "/health" {
		return fmt.Errorf("metrics path collides with /health")
	}
	switch strings.ToLower(c.Output) {
	case "", "inherit", "log":
	default:
		return fmt.Errorf("unknown output mode %q", c.Output)
	}
	return nil
}
