package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"

	"github.com/droverworks/drover/internal/observation"
	"github.com/droverworks/drover/internal/runtime"
	"github.com/droverworks/drover/internal/ssrf"
)

// testGuard allows the loopback test server through while keeping the rest
// of the classifier active.
func testGuard(t *testing.T, serverURL string) *ssrf.Guard {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	g := ssrf.NewGuard(ssrf.Options{Allowlist: []string{u.Hostname()}}, 0, 0)
	t.Cleanup(g.Close)
	return g
}

func TestHTTPProvider_RunOnce(t *testing.T) {
	var gotReq providerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization: got %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(providerResponse{
			Status:     "completed",
			TokensUsed: 42,
			Decision:   map[string]any{"action": "wait"},
		})
	}))
	t.Cleanup(srv.Close)

	p, err := NewHTTPProvider(HTTPProviderConfig{
		URL:   srv.URL,
		Token: "secret",
		Guard: testGuard(t, srv.URL),
	})
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}

	out, err := p.RunOnce(context.Background(), runtime.RunContext{TenantID: "t1", RunID: "r1"})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Status != runtime.StatusCompleted || out.TokensUsed != 42 {
		t.Fatalf("Outcome: got %+v", out)
	}
	if gotReq.TenantID != "t1" || gotReq.RunID != "r1" {
		t.Fatalf("request identity: got %+v", gotReq)
	}
}

func TestHTTPProvider_ShipsNormalizedObservation(t *testing.T) {
	var gotReq providerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(providerResponse{Status: "idle"})
	}))
	t.Cleanup(srv.Close)

	obsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"weather": "sunny",
			"events":  `["woke up"]`,
		})
	}))
	t.Cleanup(obsSrv.Close)

	guard := func() *ssrf.Guard {
		u1, _ := url.Parse(srv.URL)
		u2, _ := url.Parse(obsSrv.URL)
		g := ssrf.NewGuard(ssrf.Options{Allowlist: []string{u1.Hostname(), u2.Hostname()}}, 0, 0)
		t.Cleanup(g.Close)
		return g
	}()

	src, err := NewHTTPSource(obsSrv.URL, guard, nil)
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	p, err := NewHTTPProvider(HTTPProviderConfig{
		URL:      srv.URL,
		Guard:    guard,
		Observer: observation.NewComposite([]observation.Source{src}, 0),
	})
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}

	out, err := p.RunOnce(context.Background(), runtime.RunContext{TenantID: "t1", RunID: "r1"})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Status != runtime.StatusIdle {
		t.Fatalf("Status: got %v", out.Status)
	}
	if gotReq.State["weather"] != "sunny" {
		t.Fatalf("state: got %v", gotReq.State)
	}
	if len(gotReq.Events) != 1 || gotReq.Events[0] != "woke up" {
		t.Fatalf("events: got %v", gotReq.Events)
	}
	if gotReq.Digest == "" || gotReq.TimestampMs == 0 {
		t.Fatalf("digest/timestamp missing: %+v", gotReq)
	}
}

func TestHTTPProvider_RejectsBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			name: "unknown status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(providerResponse{Status: "exploded"})
			},
			wantErr: "unknown status",
		},
		{
			name: "negative tokens",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(providerResponse{Status: "completed", TokensUsed: -1})
			},
			wantErr: "negative tokens_used",
		},
		{
			name: "unsafe decision payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"status":"completed","decision":{"__proto__":{"x":1}}}`))
			},
			wantErr: "unsafe key",
		},
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr: "unexpected status 502",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			t.Cleanup(srv.Close)
			p, err := NewHTTPProvider(HTTPProviderConfig{URL: srv.URL, Guard: testGuard(t, srv.URL)})
			if err != nil {
				t.Fatalf("NewHTTPProvider: %v", err)
			}
			_, err = p.RunOnce(context.Background(), runtime.RunContext{TenantID: "t1", RunID: "r1"})
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestHTTPProvider_GuardDeniesAtConstruction(t *testing.T) {
	g := ssrf.NewGuard(ssrf.Options{DisableResolve: true}, 0, 0)
	t.Cleanup(g.Close)

	if _, err := NewHTTPProvider(HTTPProviderConfig{URL: "http://169.254.169.254/latest", Guard: g}); err == nil {
		t.Fatalf("metadata endpoint accepted at construction")
	}
}

func TestHTTPProvider_GuardDeniesPerCall(t *testing.T) {
	// Resolve to a public address at construction, then rebind to a private
	// one. The per-call check must catch the flip once the verdict expires.
	addrs := []string{"93.184.216.34"}
	lookup := func(ctx context.Context, host string) ([]netip.Addr, error) {
		out := make([]netip.Addr, len(addrs))
		for i, a := range addrs {
			out[i] = netip.MustParseAddr(a)
		}
		return out, nil
	}
	g := ssrf.NewGuard(ssrf.Options{Lookup: lookup}, 0, 0)
	t.Cleanup(g.Close)

	p, err := NewHTTPProvider(HTTPProviderConfig{URL: "https://agent.example.com/run", Guard: g})
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}

	addrs = []string{"10.0.0.9"}
	g.Flush()
	if _, err := p.RunOnce(context.Background(), runtime.RunContext{TenantID: "t1", RunID: "r1"}); err == nil {
		t.Fatalf("rebound endpoint accepted per call")
	}
}

func TestHTTPSource_Observations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"k": "v"})
	}))
	t.Cleanup(srv.Close)

	src, err := NewHTTPSource(srv.URL, testGuard(t, srv.URL), nil)
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	got, err := src.Observations(context.Background())
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if got["k"] != "v" {
		t.Fatalf("fields: got %v", got)
	}
	if src.Name() == "" {
		t.Fatalf("Name should derive from URL host")
	}
}

func TestHTTPSource_NonMapResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["not","a","map"]`))
	}))
	t.Cleanup(srv.Close)

	src, err := NewHTTPSource(srv.URL, testGuard(t, srv.URL), nil)
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	if _, err := src.Observations(context.Background()); err == nil {
		t.Fatalf("non-map response accepted")
	}
}
