package frontdoor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

func init() {
	caddy.RegisterModule(Health{})
	httpcaddyfile.RegisterHandlerDirective("frontdoor_health", parseHealth)
	httpcaddyfile.RegisterDirectiveOrder("frontdoor_health", httpcaddyfile.Before, "respond")
}

// Health answers liveness checks with the supervisor's view of the gateway.
// The response is always 200; the body says whether the gateway is up.
type Health struct {
	// Public port reported in the body. Defaults to the port the request
	// arrived on.
	Port int `json:"port,omitempty"`

	status      statusReporter
	gatewayPort int
}

type statusReporter interface {
	Status() Status
}

type healthBody struct {
	Status  string `json:"status"`
	Port    int    `json:"port"`
	Gateway int    `json:"gateway"`
}

// Interface guards
var (
	_ caddyhttp.MiddlewareHandler = (*Health)(nil)
	_ caddyfile.Unmarshaler       = (*Health)(nil)
	_ caddy.Provisioner           = (*Health)(nil)
)

func (Health) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.frontdoor_health",
		New: func() caddy.Module { return new(Health) },
	}
}

func (h *Health) Provision(ctx caddy.Context) error {
	appIface, err := ctx.App("frontdoor")
	if err != nil {
		return fmt.Errorf("loading frontdoor app: %w", err)
	}
	app := appIface.(*App)
	h.status = app.Supervisor()
	h.gatewayPort = app.GatewayPort
	return nil
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	body := healthBody{
		Status:  "unhealthy",
		Port:    h.Port,
		Gateway: h.gatewayPort,
	}
	if h.status.Status().Healthy {
		body.Status = "healthy"
	}
	if body.Port == 0 {
		body.Port = localPort(r)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	return json.NewEncoder(w).Encode(body)
}

func localPort(r *http.Request) int {
	addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok {
		return 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// UnmarshalCaddyfile parses
//
//	frontdoor_health [<port>]
func (h *Health) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		args := d.RemainingArgs()
		switch len(args) {
		case 0:
		case 1:
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return d.Errf("invalid port %q: %v", args[0], err)
			}
			h.Port = port
		default:
			return d.ArgErr()
		}
		if d.NextBlock(0) {
			return d.Errf("unknown subdirective: %q", d.Val())
		}
	}
	return nil
}

func parseHealth(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	m := new(Health)
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}
