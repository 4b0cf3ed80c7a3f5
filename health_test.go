package frontdoor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct{ status Status }

func (f fakeReporter) Status() Status { return f.status }

func TestHealthServeHTTP(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		port   int
		local  net.Addr
		want   healthBody
	}{
		{
			name:   "running backend",
			status: Status{Healthy: true, Handle: &Handle{State: StateRunning, PID: 10}},
			port:   8080,
			want:   healthBody{Status: "healthy", Port: 8080, Gateway: 18789},
		},
		{
			name:   "spawning backend counts as present",
			status: Status{Healthy: true, Handle: &Handle{State: StateSpawning}},
			port:   8080,
			want:   healthBody{Status: "healthy", Port: 8080, Gateway: 18789},
		},
		{
			name:   "no backend",
			status: Status{},
			port:   8080,
			want:   healthBody{Status: "unhealthy", Port: 8080, Gateway: 18789},
		},
		{
			name:   "exited backend",
			status: Status{Handle: &Handle{State: StateExited, ExitCode: intPtr(1)}},
			port:   8080,
			want:   healthBody{Status: "unhealthy", Port: 8080, Gateway: 18789},
		},
		{
			name:   "port from local address",
			status: Status{Healthy: true},
			local:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9123},
			want:   healthBody{Status: "healthy", Port: 9123, Gateway: 18789},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Health{Port: tt.port, status: fakeReporter{tt.status}, gatewayPort: 18789}

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.local != nil {
				req = req.WithContext(context.WithValue(req.Context(), http.LocalAddrContextKey, tt.local))
			}
			rec := httptest.NewRecorder()
			require.NoError(t, h.ServeHTTP(rec, req, nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var got healthBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthHeadHasNoBody(t *testing.T) {
	h := &Health{Port: 8080, status: fakeReporter{}, gatewayPort: 18789}
	rec := httptest.NewRecorder()
	require.NoError(t, h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestHealth_UnmarshalCaddyfile(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Health
		wantErr bool
	}{
		{name: "no arguments", input: `frontdoor_health`, want: Health{}},
		{name: "port", input: `frontdoor_health 8080`, want: Health{Port: 8080}},
		{name: "bad port", input: `frontdoor_health http`, wantErr: true},
		{name: "too many arguments", input: `frontdoor_health 1 2`, wantErr: true},
		{name: "block not allowed", input: "frontdoor_health {\n  foo\n}", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h Health
			err := h.UnmarshalCaddyfile(caddyfile.NewTestDispenser(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h)
		})
	}
}
