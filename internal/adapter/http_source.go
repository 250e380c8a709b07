package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/droverworks/drover/internal/ssrf"
)

const maxSourceResponseBytes = 1 << 20

// HTTPSource fetches a flat string map of observation fields from a remote
// endpoint. It implements observation.Source.
type HTTPSource struct {
	name   string
	url    string
	guard  *ssrf.Guard
	client *http.Client
}

// NewHTTPSource validates the endpoint against the SSRF guard. The source
// name is derived from the URL host.
func NewHTTPSource(rawURL string, guard *ssrf.Guard, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse %q: %w", rawURL, err)
	}
	if guard != nil {
		if err := guard.Check(context.Background(), rawURL); err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{name: u.Host, url: rawURL, guard: guard, client: client}, nil
}

func (s *HTTPSource) Name() string { return s.name }

// Observations implements observation.Source.
func (s *HTTPSource) Observations(ctx context.Context) (map[string]string, error) {
	if s.guard != nil {
		if err := s.guard.Check(ctx, s.url); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("source %s: build request: %w", s.name, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source %s: request: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %s: unexpected status %d", s.name, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("source %s: read response: %w", s.name, err)
	}

	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("source %s: decode response: %w", s.name, err)
	}
	return fields, nil
}
