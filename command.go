package frontdoor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig"
	caddycmd "github.com/caddyserver/caddy/v2/cmd"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	caddymetrics "github.com/caddyserver/caddy/v2/modules/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tarasglek/frontdoor/internal/config"
)

func init() {
	caddycmd.RegisterCommand(caddycmd.Command{
		Name:  "front-door",
		Usage: "[--port <port>] [--backend <command>] [--restart-delay <duration>] [--debug]",
		Short: "Supervises the gateway and serves it on a public port",
		Long: `
Launches the gateway as a child process bound to loopback, restarts it
when it crashes, answers liveness checks on /health and forwards every
other request (WebSocket upgrades included) to it.

Settings come from flags, then environment variables, then defaults:
` + config.EnvPort + `, ` + config.EnvToken + `, ` + config.EnvStateDir + `,
` + config.EnvWorkspaceDir + `, ` + config.EnvBackend + `,
` + config.EnvRestartDelay + `, ` + config.EnvStartDelay + `,
` + config.EnvGracePeriod + `, ` + config.EnvOutput + `, ` + config.EnvLogFile + ` and
` + config.EnvMetricsPath + `.
The token is only read from the environment.

On SIGTERM or SIGINT the listener is closed, in-flight requests drain
for the grace period, the gateway receives one SIGTERM and the process
exits. Upgraded connections get the same grace period before they are
closed.`,
		CobraFunc: func(cmd *cobra.Command) {
			config.RegisterFlags(cmd.Flags())
			cmd.RunE = caddycmd.WrapCommandFuncForCobra(cmdFrontDoor)
		},
	})
}

func cmdFrontDoor(fl caddycmd.Flags) (int, error) {
	caddy.TrapSignals()

	cfg, err := config.Load(fl.FlagSet)
	if err != nil {
		return caddy.ExitCodeFailedStartup, err
	}
	caddyCfg, err := BuildConfig(cfg)
	if err != nil {
		return caddy.ExitCodeFailedStartup, err
	}
	if err := caddy.Run(caddyCfg); err != nil {
		return caddy.ExitCodeFailedStartup, err
	}

	caddy.Log().Info("front door serving",
		zap.Int("port", cfg.Port),
		zap.Int("gateway_port", cfg.GatewayPort))

	select {}
}

// BuildConfig assembles the Caddy config for a front door: one plain HTTP
// server on cfg.Port whose /health route answers liveness checks and
// whose every other request is relayed to the gateway. A non-empty
// cfg.MetricsPath adds a Prometheus route in front of the relay.
func BuildConfig(cfg config.Config) (*caddy.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	startDelay := cfg.StartDelay
	if startDelay == 0 {
		startDelay = -1
	}
	app := App{
		Command:      cfg.Backend,
		GatewayPort:  cfg.GatewayPort,
		Token:        cfg.Token,
		StateDir:     cfg.StateDir,
		WorkspaceDir: cfg.WorkspaceDir,
		RestartDelay: caddy.Duration(cfg.RestartDelay),
		StartDelay:   caddy.Duration(startDelay),
		Output:       cfg.Output,
		LogFile:      cfg.LogFile,
	}

	var warnings []caddyconfig.Warning
	healthRoute := caddyhttp.Route{
		MatcherSetsRaw: caddyhttp.RawMatcherSets{
			caddy.ModuleMap{
				"path":   caddyconfig.JSON(caddyhttp.MatchPath{"/health"}, &warnings),
				"method": caddyconfig.JSON(caddyhttp.MatchMethod{http.MethodGet, http.MethodHead}, &warnings),
			},
		},
		HandlersRaw: []json.RawMessage{
			caddyconfig.JSONModuleObject(Health{Port: cfg.Port}, "handler", "frontdoor_health", &warnings),
		},
		Terminal: true,
	}
	routes := caddyhttp.RouteList{healthRoute}
	if cfg.MetricsPath != "" {
		routes = append(routes, caddyhttp.Route{
			MatcherSetsRaw: caddyhttp.RawMatcherSets{
				caddy.ModuleMap{
					"path": caddyconfig.JSON(caddyhttp.MatchPath{cfg.MetricsPath}, &warnings),
				},
			},
			HandlersRaw: []json.RawMessage{
				caddyconfig.JSONModuleObject(caddymetrics.Metrics{}, "handler", "metrics", &warnings),
			},
			Terminal: true,
		})
	}
	closeDelay := cfg.GracePeriod
	if closeDelay == 0 {
		closeDelay = -1
	}
	relay := Relay{StreamCloseDelay: caddy.Duration(closeDelay)}
	routes = append(routes, caddyhttp.Route{
		HandlersRaw: []json.RawMessage{
			caddyconfig.JSONModuleObject(relay, "handler", "frontdoor_relay", &warnings),
		},
	})

	httpApp := caddyhttp.App{
		Servers: map[string]*caddyhttp.Server{
			"frontdoor": {
				Listen:    []string{":" + strconv.Itoa(cfg.Port)},
				Routes:    routes,
				AutoHTTPS: &caddyhttp.AutoHTTPSConfig{Disabled: true},
			},
		},
		GracePeriod: caddy.Duration(cfg.GracePeriod),
	}

	persist := false
	caddyCfg := &caddy.Config{
		Admin: &caddy.AdminConfig{
			Disabled: true,
			Config:   &caddy.ConfigSettings{Persist: &persist},
		},
		AppsRaw: caddy.ModuleMap{
			"http":      caddyconfig.JSON(httpApp, &warnings),
			"frontdoor": caddyconfig.JSON(app, &warnings),
		},
	}
	if cfg.Debug {
		caddyCfg.Logging = &caddy.Logging{
			Logs: map[string]*caddy.CustomLog{
				"default": {BaseLog: caddy.BaseLog{Level: zap.DebugLevel.CapitalString()}},
			},
		}
	}
	if len(warnings) > 0 {
		return nil, fmt.Errorf("building config: %s", warnings[0].Message)
	}
	return caddyCfg, nil
}
