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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var policyColumns = []string{
	"id", "name", "org_id", "agent_id", "conditions",
	"action", "priority", "enabled", "created_at", "updated_at",
}

func TestPostgresPolicyStoreListToolInvocationPolicies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now()
	rows := sqlmock.NewRows(policyColumns).
		AddRow("p-1", "block deletes", "org-1", "",
			[]byte(`[{"key":"tool_name","operator":"equal","value":"delete_file"}]`),
			"block_always", 10, true, now, now).
		AddRow("p-2", "broken", "org-1", "",
			[]byte(`{not json`),
			"block_always", 5, true, now, now)

	mock.ExpectQuery("FROM tool_invocation_policies").
		WithArgs("org-1").
		WillReturnRows(rows)

	store := NewPostgresPolicyStore(db)
	policies, err := store.ListToolInvocationPolicies(context.Background(), "org-1")
	require.NoError(t, err)

	// The unparseable policy is skipped, not fatal.
	require.Len(t, policies, 1)
	assert.Equal(t, "p-1", policies[0].ID)
	assert.Equal(t, ActionBlockAlways, policies[0].Action)
	require.Len(t, policies[0].Conditions, 1)
	assert.Equal(t, OperatorEqual, policies[0].Conditions[0].Operator)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPolicyStoreListTrustedDataPolicies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now()
	rows := sqlmock.NewRows(policyColumns).
		AddRow("td-1", "sanitize web", "org-1", "agent-7",
			[]byte(`[{"key":"source_domain","operator":"contains","value":"untrusted.example"}]`),
			"sanitize_with_dual_llm", 20, true, now, now)

	mock.ExpectQuery("FROM trusted_data_policies").
		WithArgs("org-1").
		WillReturnRows(rows)

	store := NewPostgresPolicyStore(db)
	policies, err := store.ListTrustedDataPolicies(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, DataActionSanitizeWithDualLLM, policies[0].Action)
	assert.Equal(t, "agent-7", policies[0].AgentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPolicyStoreGetDualLLMConfig(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	t.Run("present", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{
			"org_id", "enabled", "main_profile_prompt", "quarantined_profile_prompt",
			"summary_prompt", "max_rounds", "updated_at",
		}).AddRow("org-1", true, "main", "quarantined", "summary", 3, time.Now())

		mock.ExpectQuery("FROM dual_llm_configs").WithArgs("org-1").WillReturnRows(rows)

		cfg, err := NewPostgresPolicyStore(db).GetDualLLMConfig(context.Background(), "org-1")
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, 3, cfg.MaxRounds)
	})

	t.Run("missing row is not an error", func(t *testing.T) {
		mock.ExpectQuery("FROM dual_llm_configs").WithArgs("org-2").
			WillReturnRows(sqlmock.NewRows(nil))

		cfg, err := NewPostgresPolicyStore(db).GetDualLLMConfig(context.Background(), "org-2")
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})
}

type failingPolicyStore struct {
	err error
}

func (s *failingPolicyStore) ListToolInvocationPolicies(context.Context, string) ([]ToolInvocationPolicy, error) {
	return nil, s.err
}

func (s *failingPolicyStore) ListTrustedDataPolicies(context.Context, string) ([]TrustedDataPolicy, error) {
	return nil, s.err
}

func (s *failingPolicyStore) GetDualLLMConfig(context.Context, string) (*DualLLMConfig, error) {
	return nil, s.err
}

func TestSnapshotCache(t *testing.T) {
	ctx := context.Background()

	t.Run("serves and caches a snapshot", func(t *testing.T) {
		store := NewMemoryPolicyStore()
		store.SetToolInvocationPolicies("org-1", []ToolInvocationPolicy{
			{ID: "p-1", OrgID: "org-1", Enabled: true, Action: ActionBlockAlways},
		})

		cache := NewSnapshotCache(store, time.Minute)
		snap, err := cache.Snapshot(ctx, "org-1")
		require.NoError(t, err)
		require.Len(t, snap.Invocation, 1)

		// A write inside the TTL is not visible until refresh.
		store.SetToolInvocationPolicies("org-1", nil)
		snap, err = cache.Snapshot(ctx, "org-1")
		require.NoError(t, err)
		assert.Len(t, snap.Invocation, 1)

		// Invalidation forces a reload.
		cache.Invalidate("org-1")
		snap, err = cache.Snapshot(ctx, "org-1")
		require.NoError(t, err)
		assert.Empty(t, snap.Invocation)
	})

	t.Run("no snapshot and failing store propagates the error", func(t *testing.T) {
		cache := NewSnapshotCache(&failingPolicyStore{err: errors.New("db down")}, time.Minute)
		_, err := cache.Snapshot(ctx, "org-1")
		assert.Error(t, err)
	})
}
