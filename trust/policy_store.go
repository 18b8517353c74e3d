// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PolicyStore is the read-only contract with the policy administration
// layer. Changes take effect on the next read/refresh, never retroactively
// on in-flight evaluations.
type PolicyStore interface {
	ListToolInvocationPolicies(ctx context.Context, orgID string) ([]ToolInvocationPolicy, error)
	ListTrustedDataPolicies(ctx context.Context, orgID string) ([]TrustedDataPolicy, error)
	GetDualLLMConfig(ctx context.Context, orgID string) (*DualLLMConfig, error)
}

// PolicySnapshot is an immutable view of one organization's policy sets.
// The engine evaluates against a single snapshot per request so mid-flight
// policy changes cannot produce inconsistent decisions.
type PolicySnapshot struct {
	OrgID       string
	Invocation  []ToolInvocationPolicy
	TrustedData []TrustedDataPolicy
	DualLLM     *DualLLMConfig
	LoadedAt    time.Time
}

// =============================================================================
// Postgres-backed store
// =============================================================================

// PostgresPolicyStore reads policy sets from the platform database.
type PostgresPolicyStore struct {
	db *sql.DB
}

// NewPostgresPolicyStore wraps an open database handle.
func NewPostgresPolicyStore(db *sql.DB) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db}
}

// ListToolInvocationPolicies implements PolicyStore.
func (s *PostgresPolicyStore) ListToolInvocationPolicies(ctx context.Context, orgID string) ([]ToolInvocationPolicy, error) {
	query := `
		SELECT id, name, org_id, COALESCE(agent_id, ''), conditions,
		       action, priority, enabled, created_at, updated_at
		FROM tool_invocation_policies
		WHERE org_id = $1
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocation policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var policies []ToolInvocationPolicy
	for rows.Next() {
		var p ToolInvocationPolicy
		var conditionsJSON json.RawMessage
		var action string

		if err := rows.Scan(
			&p.ID, &p.Name, &p.OrgID, &p.AgentID, &conditionsJSON,
			&action, &p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invocation policy: %w", err)
		}

		if err := json.Unmarshal(conditionsJSON, &p.Conditions); err != nil {
			// A policy with unparseable conditions never matches; skip it
			// rather than failing the whole set.
			log.Printf("[PolicyStore] Error parsing conditions for policy %s: %v", p.ID, err)
			recordConfigError()
			continue
		}
		p.Action = InvocationAction(action)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ListTrustedDataPolicies implements PolicyStore.
func (s *PostgresPolicyStore) ListTrustedDataPolicies(ctx context.Context, orgID string) ([]TrustedDataPolicy, error) {
	query := `
		SELECT id, name, org_id, COALESCE(agent_id, ''), conditions,
		       action, priority, enabled, created_at, updated_at
		FROM trusted_data_policies
		WHERE org_id = $1
		ORDER BY priority DESC, created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trusted-data policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var policies []TrustedDataPolicy
	for rows.Next() {
		var p TrustedDataPolicy
		var conditionsJSON json.RawMessage
		var action string

		if err := rows.Scan(
			&p.ID, &p.Name, &p.OrgID, &p.AgentID, &conditionsJSON,
			&action, &p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trusted-data policy: %w", err)
		}

		if err := json.Unmarshal(conditionsJSON, &p.Conditions); err != nil {
			log.Printf("[PolicyStore] Error parsing conditions for policy %s: %v", p.ID, err)
			recordConfigError()
			continue
		}
		p.Action = DataAction(action)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// GetDualLLMConfig implements PolicyStore. A missing row returns (nil, nil);
// the sanitizer treats that as unavailable and the engine fails closed.
func (s *PostgresPolicyStore) GetDualLLMConfig(ctx context.Context, orgID string) (*DualLLMConfig, error) {
	query := `
		SELECT org_id, enabled, main_profile_prompt, quarantined_profile_prompt,
		       summary_prompt, max_rounds, updated_at
		FROM dual_llm_configs
		WHERE org_id = $1
	`

	var cfg DualLLMConfig
	err := s.db.QueryRowContext(ctx, query, orgID).Scan(
		&cfg.OrgID, &cfg.Enabled, &cfg.MainProfilePrompt, &cfg.QuarantinedProfilePrompt,
		&cfg.SummaryPrompt, &cfg.MaxRounds, &cfg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dual-LLM config: %w", err)
	}
	return &cfg, nil
}

// =============================================================================
// In-memory store
// =============================================================================

// MemoryPolicyStore holds policy sets in memory. Used in tests and
// single-node deployments without a database.
type MemoryPolicyStore struct {
	mu          sync.RWMutex
	invocation  map[string][]ToolInvocationPolicy
	trustedData map[string][]TrustedDataPolicy
	dualLLM     map[string]*DualLLMConfig
}

// NewMemoryPolicyStore creates an empty in-memory policy store.
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		invocation:  make(map[string][]ToolInvocationPolicy),
		trustedData: make(map[string][]TrustedDataPolicy),
		dualLLM:     make(map[string]*DualLLMConfig),
	}
}

// SetToolInvocationPolicies replaces the invocation policy set for an org.
func (s *MemoryPolicyStore) SetToolInvocationPolicies(orgID string, policies []ToolInvocationPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocation[orgID] = append([]ToolInvocationPolicy(nil), policies...)
}

// SetTrustedDataPolicies replaces the trusted-data policy set for an org.
func (s *MemoryPolicyStore) SetTrustedDataPolicies(orgID string, policies []TrustedDataPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trustedData[orgID] = append([]TrustedDataPolicy(nil), policies...)
}

// SetDualLLMConfig sets the sanitizer configuration for an org.
func (s *MemoryPolicyStore) SetDualLLMConfig(orgID string, cfg *DualLLMConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dualLLM[orgID] = cfg
}

// ListToolInvocationPolicies implements PolicyStore.
func (s *MemoryPolicyStore) ListToolInvocationPolicies(_ context.Context, orgID string) ([]ToolInvocationPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ToolInvocationPolicy(nil), s.invocation[orgID]...), nil
}

// ListTrustedDataPolicies implements PolicyStore.
func (s *MemoryPolicyStore) ListTrustedDataPolicies(_ context.Context, orgID string) ([]TrustedDataPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TrustedDataPolicy(nil), s.trustedData[orgID]...), nil
}

// GetDualLLMConfig implements PolicyStore.
func (s *MemoryPolicyStore) GetDualLLMConfig(_ context.Context, orgID string) (*DualLLMConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dualLLM[orgID], nil
}

// =============================================================================
// Snapshot cache
// =============================================================================

// Policy cache TTL bounds.
const (
	DefaultPolicyCacheTTL = 30 * time.Second
	MinPolicyCacheTTL     = 5 * time.Second
	MaxPolicyCacheTTL     = 30 * time.Minute
)

// SnapshotCache serves immutable policy snapshots per organization with a
// TTL, refreshing from the underlying store on demand. On a refresh failure
// the last good snapshot is served stale rather than failing the decision
// path; with no snapshot at all the error propagates and the engine fails
// closed.
type SnapshotCache struct {
	store PolicyStore
	ttl   time.Duration

	mu        sync.RWMutex
	snapshots map[string]*PolicySnapshot
}

// NewSnapshotCache creates a snapshot cache over store.
func NewSnapshotCache(store PolicyStore, ttl time.Duration) *SnapshotCache {
	if ttl == 0 {
		ttl = DefaultPolicyCacheTTL
	} else if ttl < MinPolicyCacheTTL {
		ttl = MinPolicyCacheTTL
	} else if ttl > MaxPolicyCacheTTL {
		ttl = MaxPolicyCacheTTL
	}
	return &SnapshotCache{
		store:     store,
		ttl:       ttl,
		snapshots: make(map[string]*PolicySnapshot),
	}
}

// Snapshot returns the current snapshot for an org, loading it when absent
// or expired.
func (c *SnapshotCache) Snapshot(ctx context.Context, orgID string) (*PolicySnapshot, error) {
	c.mu.RLock()
	snap, ok := c.snapshots[orgID]
	c.mu.RUnlock()
	if ok && time.Since(snap.LoadedAt) < c.ttl {
		return snap, nil
	}

	fresh, err := c.load(ctx, orgID)
	if err != nil {
		if ok {
			log.Printf("[PolicyCache] Refresh failed for org %s, serving stale snapshot: %v", orgID, err)
			return snap, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.snapshots[orgID] = fresh
	c.mu.Unlock()
	return fresh, nil
}

// Invalidate drops the cached snapshot for an org, forcing a reload on the
// next read. The admin layer calls this on policy changes.
func (c *SnapshotCache) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, orgID)
}

func (c *SnapshotCache) load(ctx context.Context, orgID string) (*PolicySnapshot, error) {
	invocation, err := c.store.ListToolInvocationPolicies(ctx, orgID)
	if err != nil {
		return nil, err
	}
	trustedData, err := c.store.ListTrustedDataPolicies(ctx, orgID)
	if err != nil {
		return nil, err
	}
	dualLLM, err := c.store.GetDualLLMConfig(ctx, orgID)
	if err != nil {
		return nil, err
	}

	return &PolicySnapshot{
		OrgID:       orgID,
		Invocation:  invocation,
		TrustedData: trustedData,
		DualLLM:     dualLLM,
		LoadedAt:    time.Now().UTC(),
	}, nil
}

// StartRefresh launches a background loop that re-loads every cached org on
// the given interval, keeping snapshots warm. It stops when ctx is done.
func (c *SnapshotCache) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refreshAll(ctx)
			}
		}
	}()
}

func (c *SnapshotCache) refreshAll(ctx context.Context) {
	c.mu.RLock()
	orgs := make([]string, 0, len(c.snapshots))
	for orgID := range c.snapshots {
		orgs = append(orgs, orgID)
	}
	c.mu.RUnlock()

	for _, orgID := range orgs {
		fresh, err := c.load(ctx, orgID)
		if err != nil {
			log.Printf("[PolicyCache] Background refresh failed for org %s: %v", orgID, err)
			continue
		}
		c.mu.Lock()
		c.snapshots[orgID] = fresh
		c.mu.Unlock()
	}
}
