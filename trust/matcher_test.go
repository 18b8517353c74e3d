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
	"testing"
	"time"
)

func invocationPolicy(id string, priority int, createdAt time.Time, conditions ...Condition) ToolInvocationPolicy {
	return ToolInvocationPolicy{
		ID:         id,
		Name:       "policy-" + id,
		OrgID:      "org-1",
		Conditions: conditions,
		Action:     ActionBlockAlways,
		Priority:   priority,
		Enabled:    true,
		CreatedAt:  createdAt,
	}
}

func TestMatchInvocationPriority(t *testing.T) {
	matcher := NewPolicyMatcher(nil)
	now := time.Now()
	cond := Condition{Key: FactToolName, Operator: OperatorEqual, Value: "fetch_url"}
	facts := FactRecord{FactToolName: "fetch_url"}

	low := invocationPolicy("low", 5, now, cond)
	high := invocationPolicy("high", 10, now, cond)

	// Priority wins regardless of list order.
	for _, policies := range [][]ToolInvocationPolicy{{low, high}, {high, low}} {
		got := matcher.MatchInvocation(policies, facts)
		if got == nil || got.ID != "high" {
			t.Errorf("MatchInvocation() = %+v, want policy high", got)
		}
	}
}

func TestMatchInvocationTieBreaks(t *testing.T) {
	matcher := NewPolicyMatcher(nil)
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	cond := Condition{Key: FactToolName, Operator: OperatorEqual, Value: "fetch_url"}
	facts := FactRecord{FactToolName: "fetch_url"}

	t.Run("earlier creation wins", func(t *testing.T) {
		a := invocationPolicy("a", 5, newer, cond)
		b := invocationPolicy("b", 5, older, cond)
		got := matcher.MatchInvocation([]ToolInvocationPolicy{a, b}, facts)
		if got == nil || got.ID != "b" {
			t.Errorf("MatchInvocation() = %+v, want policy b", got)
		}
	})

	t.Run("identical creation falls back to id", func(t *testing.T) {
		a := invocationPolicy("aaa", 5, older, cond)
		b := invocationPolicy("bbb", 5, older, cond)
		got := matcher.MatchInvocation([]ToolInvocationPolicy{b, a}, facts)
		if got == nil || got.ID != "aaa" {
			t.Errorf("MatchInvocation() = %+v, want policy aaa", got)
		}
	})
}

func TestMatchInvocationDeterministic(t *testing.T) {
	matcher := NewPolicyMatcher(nil)
	now := time.Now()
	cond := Condition{Key: FactToolName, Operator: OperatorContains, Value: "file"}
	facts := FactRecord{FactToolName: "delete_file"}

	policies := []ToolInvocationPolicy{
		invocationPolicy("p1", 3, now, cond),
		invocationPolicy("p2", 7, now.Add(time.Minute), cond),
		invocationPolicy("p3", 7, now, cond),
	}

	first := matcher.MatchInvocation(policies, facts)
	if first == nil {
		t.Fatal("expected a match")
	}
	for i := 0; i < 10; i++ {
		got := matcher.MatchInvocation(policies, facts)
		if got == nil || got.ID != first.ID {
			t.Fatalf("iteration %d: selection changed from %s to %+v", i, first.ID, got)
		}
	}
	if first.ID != "p3" {
		t.Errorf("selected %s, want p3 (priority 7, earliest created)", first.ID)
	}
}

func TestMatchInvocationSkipsDisabledAndNonMatching(t *testing.T) {
	matcher := NewPolicyMatcher(nil)
	now := time.Now()
	facts := FactRecord{FactToolName: "fetch_url"}

	disabled := invocationPolicy("disabled", 100, now,
		Condition{Key: FactToolName, Operator: OperatorEqual, Value: "fetch_url"})
	disabled.Enabled = false
	other := invocationPolicy("other", 50, now,
		Condition{Key: FactToolName, Operator: OperatorEqual, Value: "delete_file"})

	if got := matcher.MatchInvocation([]ToolInvocationPolicy{disabled, other}, facts); got != nil {
		t.Errorf("MatchInvocation() = %+v, want nil", got)
	}
}

func TestMatchInvocationEmptyConditionsMatchEverything(t *testing.T) {
	matcher := NewPolicyMatcher(nil)
	catchAll := invocationPolicy("catch-all", 1, time.Now())

	got := matcher.MatchInvocation([]ToolInvocationPolicy{catchAll}, FactRecord{FactToolName: "anything"})
	if got == nil || got.ID != "catch-all" {
		t.Errorf("MatchInvocation() = %+v, want catch-all", got)
	}
}

func TestMatchInvocationConditionErrorTreatedAsNonMatch(t *testing.T) {
	matcher := NewPolicyMatcher(nil)
	now := time.Now()
	facts := FactRecord{FactToolName: "fetch_url"}

	broken := invocationPolicy("broken", 100, now,
		Condition{Key: FactToolName, Operator: OperatorRegex, Value: "(unclosed"})
	valid := invocationPolicy("valid", 1, now,
		Condition{Key: FactToolName, Operator: OperatorEqual, Value: "fetch_url"})

	got := matcher.MatchInvocation([]ToolInvocationPolicy{broken, valid}, facts)
	if got == nil || got.ID != "valid" {
		t.Errorf("MatchInvocation() = %+v, want valid (broken policy fails closed)", got)
	}
}

func TestMatchTrustedData(t *testing.T) {
	matcher := NewPolicyMatcher(nil)
	now := time.Now()
	facts := FactRecord{
		FactSourceDomain: "www.untrusted.example",
		FactContent:      "hello",
	}

	policies := []TrustedDataPolicy{
		{
			ID: "sanitize", OrgID: "org-1", Enabled: true, Priority: 10, CreatedAt: now,
			Action: DataActionSanitizeWithDualLLM,
			Conditions: []Condition{
				{Key: FactSourceDomain, Operator: OperatorContains, Value: "untrusted.example"},
			},
		},
		{
			ID: "mark", OrgID: "org-1", Enabled: true, Priority: 1, CreatedAt: now,
			Action: DataActionMarkAsUntrusted,
		},
	}

	got := matcher.MatchTrustedData(policies, facts)
	if got == nil || got.ID != "sanitize" {
		t.Errorf("MatchTrustedData() = %+v, want sanitize", got)
	}

	if got := matcher.MatchTrustedData(nil, facts); got != nil {
		t.Errorf("MatchTrustedData(nil) = %+v, want nil", got)
	}
}
