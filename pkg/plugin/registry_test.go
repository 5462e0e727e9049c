package plugin

import (
	"context"
	"errors"
	"testing"
)

// fakeHealth implements Plugin + HealthSource only
type fakeHealth struct {
	name    string
	healthy bool
	reason  string
}

func (f *fakeHealth) Name() string { return f.name }
func (f *fakeHealth) Check(ctx context.Context) (bool, string) {
	return f.healthy, f.reason
}

// fakeFull implements every capability
type fakeFull struct {
	name string
}

func (f *fakeFull) Name() string                                 { return f.name }
func (f *fakeFull) Check(ctx context.Context) (bool, string)     { return true, "" }
func (f *fakeFull) Allowed(ctx context.Context) bool             { return true }
func (f *fakeFull) OnPromote(ctx context.Context) error          { return nil }
func (f *fakeFull) OnDemote(ctx context.Context) error           { return nil }
func (f *fakeFull) Tags(ctx context.Context) map[string]string   { return nil }
func (f *fakeFull) Snapshot(ctx context.Context) (SnapshotRef, error) {
	return SnapshotRef{ID: "snap"}, nil
}
func (f *fakeFull) Restore(ctx context.Context, ref SnapshotRef) error { return nil }
func (f *fakeFull) ListSnapshots(ctx context.Context) ([]SnapshotRef, error) {
	return nil, nil
}

func TestRegisterIndexesCapabilities(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Register(&fakeHealth{name: "hc"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(&fakeFull{name: "full"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if got := len(r.HealthSources()); got != 2 {
		t.Errorf("Expected 2 health sources, got %d", got)
	}
	if got := len(r.Conditionals()); got != 1 {
		t.Errorf("Expected 1 conditional, got %d", got)
	}
	if got := len(r.LifecycleCallbacks()); got != 1 {
		t.Errorf("Expected 1 lifecycle callback, got %d", got)
	}
	if got := len(r.TagProviders()); got != 1 {
		t.Errorf("Expected 1 tag provider, got %d", got)
	}

	bp, err := r.BackupProvider()
	if err != nil {
		t.Fatalf("Expected backup provider, got error: %v", err)
	}
	if bp.Name() != "full" {
		t.Errorf("Expected backup provider full, got %s", bp.Name())
	}
}

func TestRegistrationOrderPreserved(t *testing.T) {
	r := NewRegistry(nil)

	names := []string{"first", "second", "third"}
	for _, n := range names {
		if err := r.Register(&fakeHealth{name: n, healthy: true}); err != nil {
			t.Fatalf("Register(%s) failed: %v", n, err)
		}
	}

	sources := r.HealthSources()
	for i, n := range names {
		if sources[i].Name() != n {
			t.Errorf("Expected health source %d to be %s, got %s", i, n, sources[i].Name())
		}
	}

	got := r.Names()
	for i, n := range names {
		if got[i] != n {
			t.Errorf("Expected name %d to be %s, got %s", i, n, got[i])
		}
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Register(&fakeHealth{name: "dup"}); err != nil {
		t.Fatalf("First Register failed: %v", err)
	}
	err := r.Register(&fakeHealth{name: "dup"})
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Errorf("Expected ErrDuplicatePlugin, got %v", err)
	}
}

func TestEmptyCapabilitySets(t *testing.T) {
	r := NewRegistry(nil)

	if len(r.HealthSources()) != 0 || len(r.Conditionals()) != 0 ||
		len(r.LifecycleCallbacks()) != 0 || len(r.TagProviders()) != 0 {
		t.Error("Expected all capability sets to be empty")
	}

	if _, err := r.BackupProvider(); !errors.Is(err, ErrNoBackupProvider) {
		t.Errorf("Expected ErrNoBackupProvider, got %v", err)
	}
}

func TestGetByName(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&fakeHealth{name: "hc"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	p, ok := r.Get("hc")
	if !ok || p.Name() != "hc" {
		t.Errorf("Expected to find plugin hc, got %v %v", p, ok)
	}
	if _, ok := r.Get("absent"); ok {
		t.Error("Expected absent plugin to not be found")
	}
}

func TestPluginErrorWrapping(t *testing.T) {
	inner := errors.New("connection refused")
	err := NewError("postgres", "on_promote", inner)

	if !errors.Is(err, inner) {
		t.Error("Expected plugin error to unwrap to inner error")
	}
	want := "plugin postgres: on_promote: connection refused"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
