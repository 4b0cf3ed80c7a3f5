/*
 * Copyright (c) 2017 Kurt Jung (Gmail: kurt.w.jung)
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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp/reverseproxy"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Relay{})
	httpcaddyfile.RegisterHandlerDirective("frontdoor_relay", parseRelay)
	httpcaddyfile.RegisterDirectiveOrder("frontdoor_relay", httpcaddyfile.Before, "respond")
}

// DefaultDialTimeout bounds how long a request waits for the gateway to
// accept a connection.
const DefaultDialTimeout = 3 * time.Second

// DefaultUnavailableMessage is sent in the 502 body when the gateway
// cannot be reached.
const DefaultUnavailableMessage = "Gateway is starting or unreachable"

// DefaultStreamCloseDelay is how long upgraded connections outlive the
// relay when the server shuts down.
const DefaultStreamCloseDelay = 10 * time.Second

// Relay forwards every request, upgrades included, to the gateway. When
// the gateway cannot be reached before a response has started, the caller
// gets a 502 with a JSON body.
type Relay struct {
	// Address to proxy to (default: the frontdoor app's gateway address)
	Upstream    string         `json:"upstream,omitempty"`
	DialTimeout caddy.Duration `json:"dial_timeout,omitempty"`
	// Human readable text of the 502 body
	Message string `json:"message,omitempty"`
	// How long tunnels stay open after shutdown begins. Negative closes
	// them immediately.
	StreamCloseDelay caddy.Duration `json:"stream_close_delay,omitempty"`

	proxy  *reverseproxy.Handler
	logger *zap.Logger
}

type unavailableBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Interface guards
var (
	_ caddyhttp.MiddlewareHandler = (*Relay)(nil)
	_ caddyfile.Unmarshaler       = (*Relay)(nil)
	_ caddy.Provisioner           = (*Relay)(nil)
	_ caddy.CleanerUpper          = (*Relay)(nil)
)

func (Relay) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.frontdoor_relay",
		New: func() caddy.Module { return new(Relay) },
	}
}

// Provision implements caddy.Provisioner; it provisions the underlying
// reverse proxy handler with a single static upstream.
func (rl *Relay) Provision(ctx caddy.Context) error {
	rl.logger = ctx.Logger(rl)

	if rl.Upstream == "" {
		appIface, err := ctx.App("frontdoor")
		if err != nil {
			return fmt.Errorf("loading frontdoor app: %w", err)
		}
		rl.Upstream = appIface.(*App).GatewayAddr()
	}
	if rl.DialTimeout == 0 {
		rl.DialTimeout = caddy.Duration(DefaultDialTimeout)
	}
	if rl.Message == "" {
		rl.Message = DefaultUnavailableMessage
	}
	if rl.StreamCloseDelay == 0 {
		rl.StreamCloseDelay = caddy.Duration(DefaultStreamCloseDelay)
	}
	closeDelay := rl.StreamCloseDelay
	if closeDelay < 0 {
		closeDelay = 0
	}

	transport := reverseproxy.HTTPTransport{DialTimeout: rl.DialTimeout}
	rp := &reverseproxy.Handler{
		TransportRaw:     caddyconfig.JSONModuleObject(transport, "protocol", "http", nil),
		Upstreams:        reverseproxy.UpstreamPool{{Dial: rl.Upstream}},
		FlushInterval:    caddy.Duration(-1),
		StreamCloseDelay: closeDelay,
	}
	if err := rp.Provision(ctx); err != nil {
		return fmt.Errorf("failed to provision reverse proxy: %v", err)
	}
	rp.Transport = transparentTransport{next: rp.Transport}
	rl.proxy = rp

	rl.logger.Debug("relay provisioned",
		zap.String("upstream", rl.Upstream),
		zap.Duration("dial_timeout", time.Duration(rl.DialTimeout)),
		zap.Duration("stream_close_delay", time.Duration(closeDelay)))
	return nil
}

func (rl *Relay) Cleanup() error {
	if rl.proxy == nil {
		return nil
	}
	return rl.proxy.Cleanup()
}

// ServeHTTP implements caddyhttp.MiddlewareHandler. If the proxy fails
// after the response has started, the fallback cannot be sent and the
// stream is cut short.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if rl.proxy == nil {
		return fmt.Errorf("reverse proxy not initialized")
	}

	rh := &relayHeaders{client: pickHeaders(r.Header, forwardingHeaders)}
	r = r.WithContext(context.WithValue(r.Context(), relayHeadersKey{}, rh))
	rw := &relayResponseWriter{ResponseWriter: w, headers: rh}
	err := rl.proxy.ServeHTTP(rw, r, next)
	if err == nil {
		return nil
	}

	if rw.committed {
		rl.logger.Warn("gateway connection failed after response started",
			zap.String("upstream", rl.Upstream),
			zap.String("uri", r.RequestURI),
			zap.Error(err))
		return nil
	}

	rl.logger.Warn("gateway unavailable",
		zap.String("upstream", rl.Upstream),
		zap.String("uri", r.RequestURI),
		zap.Error(err))
	return writeUnavailable(w, rl.Message)
}

func writeUnavailable(w http.ResponseWriter, message string) error {
	h := w.Header()
	for k := range h {
		delete(h, k)
	}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadGateway)
	return json.NewEncoder(w).Encode(unavailableBody{
		Error:   "Gateway unavailable",
		Message: message,
	})
}

// The reverse proxy adds these on the way in; the gateway gets the
// client's own values instead.
var forwardingHeaders = []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Host", "Via"}

// The server rewrites these on the way out; the client gets the
// gateway's own values instead.
var identityHeaders = []string{"Server", "Via"}

type relayHeadersKey struct{}

// relayHeaders carries header values around the reverse proxy.
type relayHeaders struct {
	client  http.Header
	gateway http.Header
}

func pickHeaders(h http.Header, names []string) http.Header {
	picked := make(http.Header, len(names))
	for _, name := range names {
		if vals, ok := h[name]; ok {
			picked[name] = slices.Clone(vals)
		}
	}
	return picked
}

// restoreHeaders makes the names in dst match src, deleting those src
// does not carry.
func restoreHeaders(dst, src http.Header, names []string) {
	for _, name := range names {
		if vals, ok := src[name]; ok {
			dst[name] = slices.Clone(vals)
		} else {
			delete(dst, name)
		}
	}
}

// transparentTransport puts back the client's forwarding headers before a
// request leaves and remembers the gateway's identity headers.
type transparentTransport struct {
	next http.RoundTripper
}

func (t transparentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rh, ok := req.Context().Value(relayHeadersKey{}).(*relayHeaders)
	if !ok {
		return t.next.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	restoreHeaders(out.Header, rh.client, forwardingHeaders)
	res, err := t.next.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	rh.gateway = pickHeaders(res.Header, identityHeaders)
	return res, nil
}

// relayResponseWriter records whether a final response has started.
type relayResponseWriter struct {
	http.ResponseWriter
	headers   *relayHeaders
	committed bool
}

func (rw *relayResponseWriter) WriteHeader(code int) {
	if code >= http.StatusOK || code == http.StatusSwitchingProtocols {
		rw.committed = true
		if rw.headers != nil && rw.headers.gateway != nil {
			restoreHeaders(rw.Header(), rw.headers.gateway, identityHeaders)
		}
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *relayResponseWriter) Write(p []byte) (int, error) {
	rw.committed = true
	return rw.ResponseWriter.Write(p)
}

func (rw *relayResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *relayResponseWriter) Flush() {
	_ = http.NewResponseController(rw.ResponseWriter).Flush()
}

func (rw *relayResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.committed = true
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

// UnmarshalCaddyfile parses
//
//	frontdoor_relay [<upstream>] {
//	    dial_timeout <duration>
//	    message <text>
//	    stream_close_delay <duration>
//	}
func (rl *Relay) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		args := d.RemainingArgs()
		switch len(args) {
		case 0:
		case 1:
			rl.Upstream = args[0]
		default:
			return d.ArgErr()
		}
		for d.NextBlock(0) {
			switch d.Val() {
			case "dial_timeout":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(v)
				if err != nil {
					return d.Errf("invalid dial_timeout %q: %v", v, err)
				}
				rl.DialTimeout = caddy.Duration(dur)
			case "message":
				if !d.Args(&rl.Message) {
					return d.ArgErr()
				}
			case "stream_close_delay":
				var v string
				if !d.Args(&v) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(v)
				if err != nil {
					return d.Errf("invalid stream_close_delay %q: %v", v, err)
				}
				rl.StreamCloseDelay = caddy.Duration(dur)
			default:
				return d.Errf("unknown subdirective: %q", d.Val())
			}
		}
	}
	return nil
}

// parseRelay unmarshals tokens from h into a new Middleware.
func parseRelay(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	rl := new(Relay)
	err := rl.UnmarshalCaddyfile(h.Dispenser)
	return rl, err
}
