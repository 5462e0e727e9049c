package health

import (
	"context"
	"testing"

	"github.com/dd0wney/cluso-deadman/pkg/plugin"
)

type stubSource struct {
	name    string
	healthy bool
	reason  string
	panics  bool
	calls   int
}

func (s *stubSource) Name() string { return s.name }
func (s *stubSource) Check(ctx context.Context) (bool, string) {
	s.calls++
	if s.panics {
		panic("check exploded")
	}
	return s.healthy, s.reason
}

type stubConditional struct {
	name    string
	allowed bool
	panics  bool
}

func (s *stubConditional) Name() string { return s.name }
func (s *stubConditional) Allowed(ctx context.Context) bool {
	if s.panics {
		panic("conditional exploded")
	}
	return s.allowed
}

func TestLocalHealthAllHealthy(t *testing.T) {
	r := plugin.NewRegistry(nil)
	r.Register(&stubSource{name: "pg", healthy: true})
	r.Register(&stubSource{name: "disk", healthy: true})

	e := NewEvaluator(r, nil)
	v := e.LocalHealth(context.Background())
	if !v.Healthy {
		t.Errorf("Expected healthy verdict, got %+v", v)
	}
}

func TestLocalHealthShortCircuits(t *testing.T) {
	r := plugin.NewRegistry(nil)
	first := &stubSource{name: "pg", healthy: false, reason: "connection refused"}
	second := &stubSource{name: "disk", healthy: true}
	r.Register(first)
	r.Register(second)

	e := NewEvaluator(r, nil)
	v := e.LocalHealth(context.Background())

	if v.Healthy {
		t.Fatal("Expected unhealthy verdict")
	}
	if v.Reason != "pg: connection refused" {
		t.Errorf("Expected first failure as reason, got %q", v.Reason)
	}
	if second.calls != 0 {
		t.Errorf("Expected evaluation to short-circuit, second source called %d times", second.calls)
	}
}

func TestLocalHealthNoSources(t *testing.T) {
	e := NewEvaluator(plugin.NewRegistry(nil), nil)
	if v := e.LocalHealth(context.Background()); !v.Healthy {
		t.Errorf("Expected healthy with no sources, got %+v", v)
	}
}

func TestPanickingSourceIsUnhealthy(t *testing.T) {
	r := plugin.NewRegistry(nil)
	r.Register(&stubSource{name: "flaky", panics: true})

	e := NewEvaluator(r, nil)
	v := e.LocalHealth(context.Background())
	if v.Healthy {
		t.Error("Expected panicking source to yield unhealthy verdict")
	}
}

func TestMayBecomeMaster(t *testing.T) {
	r := plugin.NewRegistry(nil)
	r.Register(&stubConditional{name: "lag", allowed: true})
	r.Register(&stubConditional{name: "restore", allowed: true})

	e := NewEvaluator(r, nil)
	if !e.MayBecomeMaster(context.Background()) {
		t.Error("Expected takeover allowed when all conditionals agree")
	}
}

func TestMayBecomeMasterVeto(t *testing.T) {
	r := plugin.NewRegistry(nil)
	r.Register(&stubConditional{name: "lag", allowed: true})
	r.Register(&stubConditional{name: "restore", allowed: false})

	e := NewEvaluator(r, nil)
	if e.MayBecomeMaster(context.Background()) {
		t.Error("Expected takeover vetoed by failing conditional")
	}
}

func TestPanickingConditionalVetoes(t *testing.T) {
	r := plugin.NewRegistry(nil)
	r.Register(&stubConditional{name: "flaky", panics: true})

	e := NewEvaluator(r, nil)
	if e.MayBecomeMaster(context.Background()) {
		t.Error("Expected panicking conditional to veto takeover")
	}
}
