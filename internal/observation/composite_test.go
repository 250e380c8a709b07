package observation

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type fakeSource struct {
	name   string
	fields map[string]string
	err    error
	block  bool
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Observations(ctx context.Context) (map[string]string, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.fields, s.err
}

func TestComposite_LastWriterWins(t *testing.T) {
	c := NewComposite([]Source{
		&fakeSource{name: "a", fields: map[string]string{"k": "first", "only-a": "1"}},
		&fakeSource{name: "b", fields: map[string]string{"k": "second", "only-b": "2"}},
	}, 0)

	got, err := c.Observations(context.Background())
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if got["k"] != "second" {
		t.Fatalf("colliding key: got %q, want %q", got["k"], "second")
	}
	if got["only-a"] != "1" || got["only-b"] != "2" {
		t.Fatalf("merged fields: got %v", got)
	}
}

func TestComposite_FailingSourceSkipped(t *testing.T) {
	c := NewComposite([]Source{
		&fakeSource{name: "broken", err: fmt.Errorf("boom")},
		&fakeSource{name: "ok", fields: map[string]string{"k": "v"}},
	}, 0)

	got, err := c.Observations(context.Background())
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if got["k"] != "v" {
		t.Fatalf("partial result: got %v", got)
	}
}

func TestComposite_AllSourcesFailed(t *testing.T) {
	c := NewComposite([]Source{
		&fakeSource{name: "x", err: fmt.Errorf("boom")},
		&fakeSource{name: "y", err: fmt.Errorf("boom")},
	}, 0)

	if _, err := c.Observations(context.Background()); err == nil {
		t.Fatalf("all sources failed: got nil error")
	}
}

func TestComposite_PerSourceTimeout(t *testing.T) {
	c := NewComposite([]Source{
		&fakeSource{name: "hung", block: true},
		&fakeSource{name: "ok", fields: map[string]string{"k": "v"}},
	}, 20*time.Millisecond)

	start := time.Now()
	got, err := c.Observations(context.Background())
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if got["k"] != "v" {
		t.Fatalf("result after timeout: got %v", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not applied, took %v", elapsed)
	}
}

func TestComposite_NoSources(t *testing.T) {
	c := NewComposite(nil, 0)
	got, err := c.Observations(context.Background())
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("empty composite: got %v", got)
	}
}
