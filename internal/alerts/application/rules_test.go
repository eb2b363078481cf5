package application

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
)

// versionedRules returns one rule named after the current version and can run
// a hook while a load is in flight.
type versionedRules struct {
	mu       sync.Mutex
	version  int
	loads    int
	duringFn func()
}

func (r *versionedRules) EnabledRules(context.Context) ([]alerts.AlertRule, error) {
	r.mu.Lock()
	r.loads++
	name := "v" + strconv.Itoa(r.version)
	hook := r.duringFn
	r.duringFn = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return []alerts.AlertRule{{ID: "r-1", Name: name, Enabled: true}}, nil
}

func (r *versionedRules) bump() {
	r.mu.Lock()
	r.version++
	r.mu.Unlock()
}

func (r *versionedRules) loadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

func TestCachedRuleSourceServesFromCache(t *testing.T) {
	src := &versionedRules{}
	cached, err := NewCachedRuleSource(src, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cached.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cached.EnabledRules(ctx); err != nil {
			t.Fatalf("rules: %v", err)
		}
	}
	if n := src.loadCount(); n != 1 {
		t.Fatalf("expected 1 load, got %d", n)
	}
	src.bump()
	cached.Invalidate()
	rules, _ := cached.EnabledRules(ctx)
	if len(rules) != 1 || rules[0].Name != "v1" {
		t.Fatalf("expected reloaded rules after invalidate, got %+v", rules)
	}
}

func TestCachedRuleSourceDropsLoadOverlappingInvalidate(t *testing.T) {
	src := &versionedRules{}
	cached, err := NewCachedRuleSource(src, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer cached.Close()
	ctx := context.Background()

	// The rule set changes after the load has read version 0.
	src.duringFn = func() {
		src.bump()
		cached.Invalidate()
	}
	stale, _ := cached.EnabledRules(ctx)
	if len(stale) != 1 || stale[0].Name != "v0" {
		t.Fatalf("expected in-flight load to return v0, got %+v", stale)
	}

	fresh, _ := cached.EnabledRules(ctx)
	if len(fresh) != 1 || fresh[0].Name != "v1" {
		t.Fatalf("expected v1 after invalidation, got %+v", fresh)
	}
	if n := src.loadCount(); n != 2 {
		t.Fatalf("expected stale load not cached, got %d loads", n)
	}
}
