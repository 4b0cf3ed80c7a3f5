/*
 * Copyright (c) 2020 Andreas Schneider
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package frontdoor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"go.uber.org/zap"

	"github.com/tarasglek/frontdoor/internal/config"
)

func init() {
	caddy.RegisterModule(App{})
	// The "frontdoor" global option configures the backend supervisor.
	httpcaddyfile.RegisterGlobalOption("frontdoor", parseGlobalOption)
}

// supervisors shares one Supervisor per gateway address across config
// reloads, so a reload never restarts the backend.
var supervisors = caddy.NewUsagePool()

// App runs the gateway backend under supervision for as long as a Caddy
// config references it.
type App struct {
	// Gateway executable and leading arguments
	// (default: node /openclaw/dist/index.js gateway)
	Command []string `json:"command,omitempty"`
	// Loopback port the gateway listens on (default 18789)
	GatewayPort int `json:"gateway_port,omitempty"`
	// Credential handed to the gateway at launch (default: the placeholder)
	Token        string `json:"token,omitempty"`
	StateDir     string `json:"state_dir,omitempty"`
	WorkspaceDir string `json:"workspace_dir,omitempty"`
	// Extra environment key value pairs (key=value)
	Env []string `json:"env,omitempty"`
	// Working directory (default, current Caddy working directory)
	Dir string `json:"dir,omitempty"`

	RestartDelay caddy.Duration `json:"restart_delay,omitempty"`
	// Delay between Caddy starting and the first launch. Negative launches
	// immediately.
	StartDelay      caddy.Duration `json:"start_delay,omitempty"`
	ShutdownTimeout caddy.Duration `json:"shutdown_timeout,omitempty"`

	// "inherit" (default) or "log"
	Output string `json:"output,omitempty"`
	// Also write gateway output to this rotated file
	LogFile string `json:"log_file,omitempty"`

	supervisor *Supervisor
	poolKey    string
	logger     *zap.Logger
}

// Interface guards
var (
	_ caddy.App             = (*App)(nil)
	_ caddy.Provisioner     = (*App)(nil)
	_ caddy.Validator       = (*App)(nil)
	_ caddy.CleanerUpper    = (*App)(nil)
	_ caddyfile.Unmarshaler = (*App)(nil)
	_ caddy.Destructor      = (*pooledSupervisor)(nil)
)

func (App) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "frontdoor",
		New: func() caddy.Module { return new(App) },
	}
}

// pooledSupervisor is the value stored in the usage pool.
type pooledSupervisor struct {
	*Supervisor
	timeout time.Duration
	closers []io.Closer
}

// Destruct runs once the last config using the supervisor is unloaded.
func (p *pooledSupervisor) Destruct() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err := p.Shutdown(ctx)
	for _, c := range p.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Provision implements caddy.Provisioner; it fills in defaults and
// creates or reuses the supervisor for the gateway address.
func (a *App) Provision(ctx caddy.Context) error {
	a.logger = ctx.Logger(a)

	if len(a.Command) == 0 {
		a.Command = append([]string(nil), config.DefaultBackend...)
	}
	if a.GatewayPort == 0 {
		a.GatewayPort = config.DefaultGatewayPort
	}
	if a.Token == "" {
		a.Token = config.PlaceholderToken
	}
	if a.Token == config.PlaceholderToken {
		a.logger.Warn("gateway token is the insecure placeholder; set " + config.EnvToken)
	}
	if a.StateDir == "" {
		a.StateDir = config.DefaultStateDir
	}
	if a.WorkspaceDir == "" {
		a.WorkspaceDir = config.DefaultWorkspaceDir
	}
	if a.RestartDelay == 0 {
		a.RestartDelay = caddy.Duration(config.DefaultRestartDelay)
	}
	if a.StartDelay == 0 {
		a.StartDelay = caddy.Duration(config.DefaultStartDelay)
	}
	if a.ShutdownTimeout == 0 {
		a.ShutdownTimeout = caddy.Duration(config.DefaultShutdownTimeout)
	}
	mode, err := parseOutputMode(a.Output)
	if err != nil {
		return err
	}

	a.poolKey = a.GatewayAddr()
	val, loaded, err := supervisors.LoadOrNew(a.poolKey, func() (caddy.Destructor, error) {
		cfg := Config{
			Command:      a.Command,
			GatewayPort:  a.GatewayPort,
			Token:        a.Token,
			StateDir:     a.StateDir,
			WorkspaceDir: a.WorkspaceDir,
			Env:          a.Env,
			Dir:          a.Dir,
			RestartDelay: time.Duration(a.RestartDelay),
			Output:       mode,
			Logger:       a.logger,
		}
		var closers []io.Closer
		if a.LogFile != "" {
			lf := newLogFile(a.LogFile)
			cfg.OutputFile = lf
			closers = append(closers, lf)
		}
		s, err := NewSupervisor(cfg)
		if err != nil {
			return nil, err
		}
		return &pooledSupervisor{Supervisor: s, timeout: time.Duration(a.ShutdownTimeout), closers: closers}, nil
	})
	if err != nil {
		return fmt.Errorf("creating gateway supervisor: %w", err)
	}
	if loaded {
		a.logger.Debug("reusing gateway supervisor", zap.String("gateway", a.poolKey))
	}
	a.supervisor = val.(*pooledSupervisor).Supervisor

	return registerMetrics(ctx.GetMetricsRegistry(), a.supervisor)
}

// Validate implements caddy.Validator.
func (a *App) Validate() error {
	if a.GatewayPort <= 0 || a.GatewayPort > 65535 {
		return fmt.Errorf("invalid gateway_port %d", a.GatewayPort)
	}
	if a.RestartDelay < 0 {
		return fmt.Errorf("restart_delay must not be negative")
	}
	if a.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	return nil
}

// Start implements caddy.App. The listeners are already bound by the
// time apps start, so the gateway launch is only delayed by StartDelay.
func (a *App) Start() error {
	delay := time.Duration(a.StartDelay)
	a.logger.Info("scheduling gateway launch",
		zap.String("gateway", a.GatewayAddr()),
		zap.Duration("delay", max(delay, 0)))
	if err := a.supervisor.StartAfter(delay); err != nil && !errors.Is(err, ErrShuttingDown) {
		return err
	}
	return nil
}

// Stop implements caddy.App. The supervisor is shut down in Cleanup, after
// the HTTP servers have drained.
func (a *App) Stop() error {
	return nil
}

// Cleanup implements caddy.CleanerUpper.
func (a *App) Cleanup() error {
	if a.poolKey == "" {
		return nil
	}
	_, err := supervisors.Delete(a.poolKey)
	return err
}

// Supervisor returns the supervisor shared by this app.
func (a *App) Supervisor() *Supervisor {
	return a.supervisor
}

// GatewayAddr is the loopback address the gateway listens on.
func (a *App) GatewayAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(a.GatewayPort))
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler:
//
//	frontdoor [<command...>] {
//	    exec <command...>
//	    gateway_port <port>
//	    token <token>
//	    state_dir <path>
//	    workspace_dir <path>
//	    env <key=value...>
//	    dir <path>
//	    restart_delay <duration>
//	    start_delay <duration>
//	    shutdown_timeout <duration>
//	    output inherit|log
//	    log_file <path>
//	}
func (a *App) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		if args := d.RemainingArgs(); len(args) > 0 {
			a.Command = args
		}
		for d.NextBlock(0) {
			switch d.Val() {
			case "exec":
				args := d.RemainingArgs()
				if len(args) < 1 {
					return d.Err("an executable needs to be specified")
				}
				a.Command = args
			case "gateway_port":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				port, err := strconv.Atoi(v)
				if err != nil {
					return d.Errf("invalid gateway_port %q: %v", v, err)
				}
				a.GatewayPort = port
			case "token":
				if !d.Args(&a.Token) {
					return d.ArgErr()
				}
			case "state_dir":
				if !d.Args(&a.StateDir) {
					return d.ArgErr()
				}
			case "workspace_dir":
				if !d.Args(&a.WorkspaceDir) {
					return d.ArgErr()
				}
			case "env":
				env := d.RemainingArgs()
				if len(env) == 0 {
					return d.ArgErr()
				}
				a.Env = append(a.Env, env...)
			case "dir":
				if !d.Args(&a.Dir) {
					return d.ArgErr()
				}
			case "restart_delay", "start_delay", "shutdown_timeout":
				name := d.Val()
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(v)
				if err != nil {
					return d.Errf("invalid %s %q: %v", name, v, err)
				}
				switch name {
				case "restart_delay":
					a.RestartDelay = caddy.Duration(dur)
				case "start_delay":
					a.StartDelay = caddy.Duration(dur)
				default:
					a.ShutdownTimeout = caddy.Duration(dur)
				}
			case "output":
				if !d.Args(&a.Output) {
					return d.ArgErr()
				}
				if _, err := parseOutputMode(a.Output); err != nil {
					return d.Err(err.Error())
				}
			case "log_file":
				if !d.Args(&a.LogFile) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %q", d.Val())
			}
		}
	}
	return nil
}

// parseGlobalOption turns the "frontdoor" global option into the app.
func parseGlobalOption(d *caddyfile.Dispenser, _ any) (any, error) {
	app := new(App)
	if err := app.UnmarshalCaddyfile(d); err != nil {
		return nil, err
	}
	return httpcaddyfile.App{
		Name:  "frontdoor",
		Value: caddyconfig.JSON(app, nil),
	}, nil
}
