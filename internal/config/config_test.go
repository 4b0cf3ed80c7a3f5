package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("front-door", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	for _, env := range []string{EnvPort, EnvToken, EnvStateDir, EnvWorkspaceDir, EnvBackend, EnvRestartDelay, EnvStartDelay, EnvGracePeriod, EnvOutput, EnvLogFile, EnvMetricsPath} {
		t.Setenv(env, "")
	}

	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, Config{
		Port:         DefaultPort,
		GatewayPort:  DefaultGatewayPort,
		Token:        PlaceholderToken,
		StateDir:     DefaultStateDir,
		WorkspaceDir: DefaultWorkspaceDir,
		Backend:      DefaultBackend,
		RestartDelay: DefaultRestartDelay,
		StartDelay:   DefaultStartDelay,
		GracePeriod:  DefaultGracePeriod,
		Output:       "inherit",
	}, cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(EnvPort, "9090")
	t.Setenv(EnvToken, "s3cret")
	t.Setenv(EnvStateDir, "/data/state")
	t.Setenv(EnvWorkspaceDir, "/data/ws")
	t.Setenv(EnvBackend, "/usr/local/bin/gateway serve")
	t.Setenv(EnvRestartDelay, "2s")
	t.Setenv(EnvOutput, "log")
	t.Setenv(EnvLogFile, "/var/log/gateway.log")
	t.Setenv(EnvMetricsPath, "/_frontdoor/metrics")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "s3cret", cfg.Token)
	assert.Equal(t, "/data/state", cfg.StateDir)
	assert.Equal(t, "/data/ws", cfg.WorkspaceDir)
	assert.Equal(t, []string{"/usr/local/bin/gateway", "serve"}, cfg.Backend)
	assert.Equal(t, 2*time.Second, cfg.RestartDelay)
	assert.Equal(t, "log", cfg.Output)
	assert.Equal(t, "/var/log/gateway.log", cfg.LogFile)
	assert.Equal(t, "/_frontdoor/metrics", cfg.MetricsPath)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv(EnvPort, "9090")
	t.Setenv(EnvRestartDelay, "2s")

	t.Setenv(EnvMetricsPath, "/env-metrics")

	cfg, err := Load(newFlags(t, "--port", "7070", "--restart-delay", "750ms", "--metrics-path", "/metrics", "-v"))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, 750*time.Millisecond, cfg.RestartDelay)
	assert.True(t, cfg.Debug)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "port out of range", env: map[string]string{EnvPort: "70000"}},
		{name: "port collides with gateway", env: map[string]string{EnvPort: "18789"}},
		{name: "negative restart delay", env: map[string]string{EnvRestartDelay: "-1s"}},
		{name: "unknown output mode", env: map[string]string{EnvOutput: "syslog"}},
		{name: "relative metrics path", env: map[string]string{EnvMetricsPath: "metrics"}},
		{name: "metrics path shadows health", env: map[string]string{EnvMetricsPath: "/health"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(nil)
			assert.Error(t, err)
		})
	}
}

func TestValidateAcceptsPlaceholderToken(t *testing.T) {
	cfg := Config{
		Port:        DefaultPort,
		GatewayPort: DefaultGatewayPort,
		Token:       PlaceholderToken,
		Backend:     DefaultBackend,
	}
	assert.NoError(t, cfg.Validate())

	cfg.Token = ""
	assert.Error(t, cfg.Validate())

	cfg.Token = PlaceholderToken
	cfg.Backend = nil
	assert.Error(t, cfg.Validate())
}
