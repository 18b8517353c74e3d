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
	"log"
	"time"
)

// PolicyMatcher selects the applicable policy for a fact record from a
// policy set. Selection is deterministic: among enabled policies whose
// conditions all match, the highest priority wins; ties break by earliest
// creation time, then by ID. Behavior never depends on slice order.
type PolicyMatcher struct {
	evaluator *ConditionEvaluator
}

// NewPolicyMatcher creates a matcher backed by the given evaluator.
func NewPolicyMatcher(evaluator *ConditionEvaluator) *PolicyMatcher {
	if evaluator == nil {
		evaluator = NewConditionEvaluator(0)
	}
	return &PolicyMatcher{evaluator: evaluator}
}

// wins reports whether a candidate with (priority, createdAt, id) beats the
// current best.
func wins(priority int, createdAt time.Time, id string, bestPriority int, bestCreatedAt time.Time, bestID string) bool {
	if priority != bestPriority {
		return priority > bestPriority
	}
	if !createdAt.Equal(bestCreatedAt) {
		return createdAt.Before(bestCreatedAt)
	}
	return id < bestID
}

// MatchInvocation returns the applicable tool-invocation policy, or nil when
// none matches (the caller applies the default action: Allow).
func (m *PolicyMatcher) MatchInvocation(policies []ToolInvocationPolicy, facts FactRecord) *ToolInvocationPolicy {
	var best *ToolInvocationPolicy
	for i := range policies {
		p := &policies[i]
		if !p.Enabled {
			continue
		}
		matched, err := m.evaluator.EvaluateAll(p.Conditions, facts)
		if err != nil {
			// Fails closed: the policy is treated as non-matching.
			recordConfigError()
			log.Printf("[PolicyMatcher] Invocation policy %s condition error: %v", p.ID, err)
		}
		if !matched {
			continue
		}
		if best == nil || wins(p.Priority, p.CreatedAt, p.ID, best.Priority, best.CreatedAt, best.ID) {
			best = p
		}
	}
	return best
}

// MatchTrustedData returns the applicable trusted-data policy, or nil when
// none matches (the caller passes the result through unchanged).
func (m *PolicyMatcher) MatchTrustedData(policies []TrustedDataPolicy, facts FactRecord) *TrustedDataPolicy {
	var best *TrustedDataPolicy
	for i := range policies {
		p := &policies[i]
		if !p.Enabled {
			continue
		}
		matched, err := m.evaluator.EvaluateAll(p.Conditions, facts)
		if err != nil {
			recordConfigError()
			log.Printf("[PolicyMatcher] Trusted-data policy %s condition error: %v", p.ID, err)
		}
		if !matched {
			continue
		}
		if best == nil || wins(p.Priority, p.CreatedAt, p.ID, best.Priority, best.CreatedAt, best.ID) {
			best = p
		}
	}
	return best
}
