package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	alerts "fleet-telemetry/internal/alerts/domain"
)

const enabledRulesKey = "rules:enabled"

// RuleSource yields the rules the engine evaluates.
type RuleSource interface {
	EnabledRules(ctx context.Context) ([]alerts.AlertRule, error)
}

// RepositoryRuleSource reads enabled rules straight from the repository.
type RepositoryRuleSource struct {
	rules alerts.RuleRepository
}

// NewRepositoryRuleSource wraps a rule repository.
func NewRepositoryRuleSource(rules alerts.RuleRepository) *RepositoryRuleSource {
	return &RepositoryRuleSource{rules: rules}
}

// EnabledRules lists enabled rules.
func (s *RepositoryRuleSource) EnabledRules(ctx context.Context) ([]alerts.AlertRule, error) {
	if s == nil || s.rules == nil {
		return nil, errors.New("alerts rules: nil repository")
	}
	enabled := true
	return s.rules.ListRules(ctx, alerts.RuleFilter{Enabled: &enabled})
}

// CachedRuleSource memoizes the enabled rule set for a short TTL so that
// every ingested sample does not hit the rule table.
type CachedRuleSource struct {
	next  RuleSource
	cache *ristretto.Cache
	ttl   time.Duration

	mu  sync.Mutex
	gen uint64
}

// NewCachedRuleSource wraps next with a ristretto cache. A zero ttl disables caching.
func NewCachedRuleSource(next RuleSource, ttl time.Duration) (*CachedRuleSource, error) {
	if next == nil {
		return nil, errors.New("alerts rules: nil source")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e3,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedRuleSource{next: next, cache: cache, ttl: ttl}, nil
}

// EnabledRules returns the cached rule set, loading it on a miss. A load that
// overlaps an Invalidate is returned but not cached.
func (s *CachedRuleSource) EnabledRules(ctx context.Context) ([]alerts.AlertRule, error) {
	if s.ttl > 0 {
		if v, ok := s.cache.Get(enabledRulesKey); ok {
			if rules, ok := v.([]alerts.AlertRule); ok {
				return rules, nil
			}
		}
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	rules, err := s.next.EnabledRules(ctx)
	if err != nil {
		return nil, err
	}
	if s.ttl > 0 {
		s.mu.Lock()
		if s.gen == gen {
			s.cache.SetWithTTL(enabledRulesKey, rules, int64(len(rules)+1), s.ttl)
			s.cache.Wait()
		}
		s.mu.Unlock()
	}
	return rules, nil
}

// Invalidate drops the cached rule set after an administrative change.
func (s *CachedRuleSource) Invalidate() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.cache.Del(enabledRulesKey)
	s.cache.Wait()
}

// Close releases cache goroutines.
func (s *CachedRuleSource) Close() {
	if s == nil {
		return
	}
	s.cache.Close()
}
