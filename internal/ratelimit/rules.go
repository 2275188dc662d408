package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coachconnect/gatewayd/internal/counterstore"
	"github.com/coachconnect/gatewayd/internal/gateconfig"
)

// IPRuleKind is the disposition an IP Rule applies.
type IPRuleKind string

const (
	IPRuleBlock       IPRuleKind = "block"
	IPRuleCustomLimit IPRuleKind = "custom_limit"
)

// IPRule mirrors the data model's IP Rule: a block or a custom Limit Set
// override for one address, with optional expiry.
type IPRule struct {
	IP        string              `json:"ip"`
	Kind      IPRuleKind          `json:"kind"`
	Limits    gateconfig.LimitSet `json:"limits,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	CreatedBy string              `json:"created_by,omitempty"`
}

// Expired reports whether the rule's expiry has passed as of now.
func (r IPRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// AgentLimit is an agent-specific Limit Set override, matched against a
// parsed agent identifier from the request path.
type AgentLimit struct {
	AgentID string              `json:"agent_id"`
	Limits  gateconfig.LimitSet `json:"limits"`
}

func ipRuleKey(ip string) string   { return "ip:rule:" + ip }
func agentKey(agentID string) string { return "agent:limits:" + agentID }

// RuleStore persists IP Rules and agent Limit Sets in the Counter Store.
type RuleStore struct {
	store counterstore.Store
}

func NewRuleStore(store counterstore.Store) *RuleStore {
	return &RuleStore{store: store}
}

func (s *RuleStore) GetIPRule(ctx context.Context, ip string) (*IPRule, error) {
	raw, err := s.store.Get(ctx, ipRuleKey(ip))
	if err != nil {
		if counterstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var rule IPRule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		return nil, fmt.Errorf("ratelimit: unmarshal ip rule: %w", err)
	}
	return &rule, nil
}

func (s *RuleStore) PutIPRule(ctx context.Context, rule IPRule) error {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("ratelimit: marshal ip rule: %w", err)
	}
	var ttl time.Duration
	if rule.ExpiresAt != nil {
		ttl = time.Until(*rule.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	return s.store.Set(ctx, ipRuleKey(rule.IP), string(raw), ttl)
}

func (s *RuleStore) DeleteIPRule(ctx context.Context, ip string) error {
	return s.store.Del(ctx, ipRuleKey(ip))
}

// ListIPRules scans all persisted IP rules. Administrative use only.
func (s *RuleStore) ListIPRules(ctx context.Context) ([]IPRule, error) {
	keys, err := s.store.ScanPrefix(ctx, "ip:rule:")
	if err != nil {
		return nil, err
	}
	rules := make([]IPRule, 0, len(keys))
	for _, k := range keys {
		raw, err := s.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var rule IPRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s *RuleStore) GetAgentLimit(ctx context.Context, agentID string) (*AgentLimit, error) {
	raw, err := s.store.Get(ctx, agentKey(agentID))
	if err != nil {
		if counterstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var limit AgentLimit
	if err := json.Unmarshal([]byte(raw), &limit); err != nil {
		return nil, fmt.Errorf("ratelimit: unmarshal agent limit: %w", err)
	}
	return &limit, nil
}

func (s *RuleStore) PutAgentLimit(ctx context.Context, limit AgentLimit) error {
	raw, err := json.Marshal(limit)
	if err != nil {
		return fmt.Errorf("ratelimit: marshal agent limit: %w", err)
	}
	return s.store.Set(ctx, agentKey(limit.AgentID), string(raw), 0)
}

func (s *RuleStore) DeleteAgentLimit(ctx context.Context, agentID string) error {
	return s.store.Del(ctx, agentKey(agentID))
}

func (s *RuleStore) ListAgentLimits(ctx context.Context) ([]AgentLimit, error) {
	keys, err := s.store.ScanPrefix(ctx, "agent:limits:")
	if err != nil {
		return nil, err
	}
	limits := make([]AgentLimit, 0, len(keys))
	for _, k := range keys {
		raw, err := s.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var limit AgentLimit
		if err := json.Unmarshal([]byte(raw), &limit); err != nil {
			continue
		}
		limits = append(limits, limit)
	}
	return limits, nil
}
