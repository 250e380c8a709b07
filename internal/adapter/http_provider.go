// Package adapter bridges the runtime to HTTP collaborators: the agent run
// provider endpoint and remote observation sources. Every outbound URL goes
// through the SSRF guard at construction and again before each request.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/droverworks/drover/internal/observation"
	"github.com/droverworks/drover/internal/runtime"
	"github.com/droverworks/drover/internal/ssrf"
)

const maxProviderResponseBytes = 4 << 20

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	URL   string
	Token string // empty disables the Authorization header

	Guard *ssrf.Guard

	// Observer, when set, is consulted before each run; its merged fields
	// are normalized and shipped with the run request.
	Observer *observation.Composite
	Limits   observation.Limits

	Client *http.Client
}

// HTTPProvider invokes a remote agent endpoint once per run.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

type providerRequest struct {
	TenantID    string            `json:"tenant_id"`
	RunID       string            `json:"run_id"`
	TimestampMs int64             `json:"timestamp_ms,omitempty"`
	State       map[string]string `json:"state,omitempty"`
	Events      []string          `json:"events,omitempty"`
	Digest      string            `json:"digest,omitempty"`
}

type providerResponse struct {
	Status     string `json:"status"`
	TokensUsed int    `json:"tokens_used"`
	Decision   any    `json:"decision"`
}

// NewHTTPProvider validates the endpoint against the SSRF guard and returns
// a provider bound to it.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("provider: URL must not be empty")
	}
	if cfg.Guard != nil {
		if err := cfg.Guard.Check(context.Background(), cfg.URL); err != nil {
			return nil, fmt.Errorf("provider: %w", err)
		}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{cfg: cfg, client: client}, nil
}

// RunOnce implements runtime.Provider.
func (p *HTTPProvider) RunOnce(ctx context.Context, rc runtime.RunContext) (runtime.Outcome, error) {
	// Re-check per call: DNS may have been rebound since construction.
	if p.cfg.Guard != nil {
		if err := p.cfg.Guard.Check(ctx, p.cfg.URL); err != nil {
			return runtime.Outcome{}, err
		}
	}

	req := providerRequest{TenantID: rc.TenantID, RunID: rc.RunID}
	if p.cfg.Observer != nil {
		raw, err := p.cfg.Observer.Observations(ctx)
		if err != nil {
			return runtime.Outcome{}, fmt.Errorf("provider: observe: %w", err)
		}
		norm, err := observation.Normalize(raw, time.Now(), p.cfg.Limits)
		if err != nil {
			return runtime.Outcome{}, fmt.Errorf("provider: normalize: %w", err)
		}
		req.TimestampMs = norm.Timestamp.UnixMilli()
		req.State = norm.State
		req.Events = norm.Events
		req.Digest = norm.Digest
	}

	body, err := json.Marshal(req)
	if err != nil {
		return runtime.Outcome{}, fmt.Errorf("provider: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return runtime.Outcome{}, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return runtime.Outcome{}, fmt.Errorf("provider: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return runtime.Outcome{}, fmt.Errorf("provider: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return runtime.Outcome{}, fmt.Errorf("provider: read response: %w", err)
	}

	var out providerResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return runtime.Outcome{}, fmt.Errorf("provider: decode response: %w", err)
	}

	status := runtime.Status(out.Status)
	switch status {
	case runtime.StatusCompleted, runtime.StatusIdle, runtime.StatusError, runtime.StatusDryRun:
	default:
		return runtime.Outcome{}, fmt.Errorf("provider: unknown status %q", out.Status)
	}
	if out.TokensUsed < 0 {
		return runtime.Outcome{}, fmt.Errorf("provider: negative tokens_used %d", out.TokensUsed)
	}
	if out.Decision != nil {
		if err := observation.CheckPayload(out.Decision); err != nil {
			return runtime.Outcome{}, fmt.Errorf("provider: decision payload: %w", err)
		}
	}

	return runtime.Outcome{Status: status, TokensUsed: out.TokensUsed, Decision: out.Decision}, nil
}
