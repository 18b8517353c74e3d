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
	"fmt"
	"log"
	"time"
)

// =============================================================================
// Trust Engine
// =============================================================================

// Deny reasons surfaced to the caller on the invocation path.
const (
	DenyReasonUntrusted     = "context untrusted"
	DenyReasonBlockedPolicy = "blocked by policy"
	DenyReasonUnavailable   = "trust engine unavailable"
)

// User-visible notices for blocked tool results. A blocked result must never
// look like a tool that simply returned nothing.
const (
	BlockedNotice        = "This tool result was blocked by policy."
	SanitizeFailedNotice = "This tool result could not be safely processed and was blocked."
)

// Decision is the outcome of the invocation path. It carries no side
// effects; the transport layer invokes or skips the tool based on Allowed.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason,omitempty"`
	PolicyID   string     `json:"policy_id,omitempty"`
	PolicyName string     `json:"policy_name,omitempty"`
	TrustState TrustState `json:"trust_state"`
}

// TrustImpact classifies what the result path did to the tool result and the
// unit's trust state.
type TrustImpact string

const (
	ImpactNone            TrustImpact = "none"
	ImpactMarkedTrusted   TrustImpact = "marked_trusted"
	ImpactMarkedUntrusted TrustImpact = "marked_untrusted"
	ImpactSanitized       TrustImpact = "sanitized"
	ImpactBlocked         TrustImpact = "blocked"
)

// ProcessedResult is the outcome of the result path. Content is what the
// primary LLM may see: the raw result, a sanitized summary, or empty when
// blocked. Notice is the user-visible message accompanying a blocked result.
type ProcessedResult struct {
	Content        string      `json:"content"`
	TrustImpact    TrustImpact `json:"trust_impact"`
	Notice         string      `json:"notice,omitempty"`
	PolicyID       string      `json:"policy_id,omitempty"`
	SanitizationID string      `json:"sanitization_id,omitempty"`
	TrustState     TrustState  `json:"trust_state"`
}

// Engine mediates tool calls and tool results against the policy sets. Safe
// for concurrent use across isolation units; per-unit serialization lives in
// the StateStore.
type Engine struct {
	policies  *SnapshotCache
	states    StateStore
	matcher   *PolicyMatcher
	sanitizer *Sanitizer
	recorder  *AuditRecorder
	sink      EventSink
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Policies  *SnapshotCache
	States    StateStore
	Sanitizer *Sanitizer

	// Matcher defaults to a matcher with the default condition evaluator.
	Matcher *PolicyMatcher

	// Recorder defaults to a memory-mode recorder.
	Recorder *AuditRecorder

	// Sink defaults to the log sink.
	Sink EventSink
}

// NewEngine creates a trust engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.Matcher == nil {
		opts.Matcher = NewPolicyMatcher(nil)
	}
	if opts.Recorder == nil {
		opts.Recorder = NewAuditRecorder(AuditRecorderConfig{})
	}
	if opts.Sink == nil {
		opts.Sink = NewLogSink()
	}
	return &Engine{
		policies:  opts.Policies,
		states:    opts.States,
		matcher:   opts.Matcher,
		sanitizer: opts.Sanitizer,
		recorder:  opts.Recorder,
		sink:      opts.Sink,
	}
}

// policyAppliesToAgent reports whether a policy scoped to policyAgent covers
// agentID. An empty policy scope is org-wide.
func policyAppliesToAgent(policyAgent, agentID string) bool {
	return policyAgent == "" || policyAgent == agentID
}

func filterInvocationPolicies(policies []ToolInvocationPolicy, agentID string) []ToolInvocationPolicy {
	filtered := make([]ToolInvocationPolicy, 0, len(policies))
	for _, p := range policies {
		if policyAppliesToAgent(p.AgentID, agentID) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func filterTrustedDataPolicies(policies []TrustedDataPolicy, agentID string) []TrustedDataPolicy {
	filtered := make([]TrustedDataPolicy, 0, len(policies))
	for _, p := range policies {
		if policyAppliesToAgent(p.AgentID, agentID) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// AuthorizeToolCall decides whether a tool call may proceed. It has no side
// effects beyond the decision itself (and the lazy creation of the unit's
// trust state); the transport layer executes or skips the tool.
func (e *Engine) AuthorizeToolCall(ctx context.Context, call ToolCallContext) (*Decision, error) {
	start := time.Now()
	defer func() {
		decisionDuration.WithLabelValues(string(PathInvocation)).Observe(time.Since(start).Seconds())
	}()

	unit := call.Unit()

	state, err := e.states.Get(ctx, unit)
	if err != nil {
		decision := &Decision{Allowed: false, Reason: DenyReasonUnavailable}
		e.emit(PathInvocation, "deny", "", unit, DenyReasonUnavailable)
		return decision, fmt.Errorf("failed to read trust state for %s: %w", unit, err)
	}

	snapshot, err := e.policies.Snapshot(ctx, call.OrgID)
	if err != nil {
		decision := &Decision{Allowed: false, Reason: DenyReasonUnavailable, TrustState: state}
		e.emit(PathInvocation, "deny", "", unit, DenyReasonUnavailable)
		return decision, fmt.Errorf("failed to load policies for org %s: %w", call.OrgID, err)
	}

	facts := BuildToolCallFacts(call)
	policy := e.matcher.MatchInvocation(filterInvocationPolicies(snapshot.Invocation, call.AgentID), facts)

	decision := &Decision{Allowed: true, TrustState: state}
	if policy != nil {
		decision.PolicyID = policy.ID
		decision.PolicyName = policy.Name

		switch policy.Action {
		case ActionAllowWhenUntrusted:
			// Allowed regardless of trust state.
		case ActionBlockWhenUntrusted:
			if !state.IsTrusted {
				decision.Allowed = false
				decision.Reason = DenyReasonUntrusted
			}
		case ActionBlockAlways:
			decision.Allowed = false
			decision.Reason = DenyReasonBlockedPolicy
		default:
			// Unknown action variant is a configuration error; fail closed.
			recordConfigError()
			log.Printf("[TrustEngine] Policy %s has unknown action %q, denying", policy.ID, policy.Action)
			decision.Allowed = false
			decision.Reason = DenyReasonBlockedPolicy
		}
	}

	outcome := "allow"
	if !decision.Allowed {
		outcome = "deny"
	}
	e.emit(PathInvocation, outcome, decision.PolicyID, unit, decision.Reason)
	return decision, nil
}

// ProcessToolResult classifies a tool result before it re-enters the primary
// conversation: pass through, mark the context trusted/untrusted, sanitize
// through the dual-LLM protocol, or block. Sanitizer failure and unknown
// configuration always resolve to Blocked with empty content; raw content
// never leaks through on a failure.
func (e *Engine) ProcessToolResult(ctx context.Context, result ToolResultContext) (*ProcessedResult, error) {
	start := time.Now()
	defer func() {
		decisionDuration.WithLabelValues(string(PathResult)).Observe(time.Since(start).Seconds())
	}()

	unit := result.Unit()

	snapshot, err := e.policies.Snapshot(ctx, result.OrgID)
	if err != nil {
		processed := e.blocked(ctx, unit, "", SanitizeFailedNotice)
		return processed, fmt.Errorf("failed to load policies for org %s: %w", result.OrgID, err)
	}

	facts := BuildToolResultFacts(result)
	policy := e.matcher.MatchTrustedData(filterTrustedDataPolicies(snapshot.TrustedData, result.AgentID), facts)

	if policy == nil {
		state, err := e.states.Get(ctx, unit)
		if err != nil {
			log.Printf("[TrustEngine] Failed to read trust state for %s: %v", unit, err)
		}
		processed := &ProcessedResult{
			Content:     result.Content,
			TrustImpact: ImpactNone,
			TrustState:  state,
		}
		e.emit(PathResult, string(ImpactNone), "", unit, "")
		return processed, nil
	}

	switch policy.Action {
	case DataActionBlockAlways:
		return e.blocked(ctx, unit, policy.ID, BlockedNotice), nil

	case DataActionMarkAsTrusted:
		state, err := e.states.SetTrusted(ctx, unit, "policy "+policy.ID)
		if err != nil {
			// The content itself is policy-approved; a failed write leaves
			// the unit's previous (possibly untrusted) state in place, which
			// only ever tightens future decisions.
			log.Printf("[TrustEngine] Failed to mark %s trusted: %v", unit, err)
		} else {
			e.recorder.AppendTransition(ctx, state)
		}
		processed := &ProcessedResult{
			Content:     result.Content,
			TrustImpact: ImpactMarkedTrusted,
			PolicyID:    policy.ID,
			TrustState:  state,
		}
		e.emit(PathResult, string(ImpactMarkedTrusted), policy.ID, unit, "")
		return processed, nil

	case DataActionMarkAsUntrusted:
		state, err := e.states.SetUntrusted(ctx, unit, "policy "+policy.ID)
		if err != nil {
			// A failed untrusted transition would leave the unit trusted
			// with tainted content in play; fail closed instead.
			return e.blocked(ctx, unit, policy.ID, SanitizeFailedNotice),
				fmt.Errorf("failed to mark %s untrusted: %w", unit, err)
		}
		e.recorder.AppendTransition(ctx, state)
		processed := &ProcessedResult{
			Content:     result.Content,
			TrustImpact: ImpactMarkedUntrusted,
			PolicyID:    policy.ID,
			TrustState:  state,
		}
		e.emit(PathResult, string(ImpactMarkedUntrusted), policy.ID, unit, "")
		return processed, nil

	case DataActionSanitizeWithDualLLM:
		return e.sanitizeResult(ctx, unit, policy, snapshot.DualLLM, result), nil

	default:
		recordConfigError()
		log.Printf("[TrustEngine] Policy %s has unknown action %q, blocking result", policy.ID, policy.Action)
		return e.blocked(ctx, unit, policy.ID, BlockedNotice), nil
	}
}

// sanitizeResult runs the dual-LLM protocol for one result. Any failure is a
// Blocked outcome, never an error to the caller: the decision is the answer.
func (e *Engine) sanitizeResult(ctx context.Context, unit string, policy *TrustedDataPolicy, cfg *DualLLMConfig, result ToolResultContext) *ProcessedResult {
	if e.sanitizer == nil {
		log.Printf("[TrustEngine] Sanitization requested by policy %s but no sanitizer configured", policy.ID)
		return e.blocked(ctx, unit, policy.ID, SanitizeFailedNotice)
	}

	run, err := e.sanitizer.Sanitize(ctx, cfg, SanitizeRequest{
		OrgID:       result.OrgID,
		ToolCallID:  result.ToolCallID,
		UserRequest: result.UserRequest,
		RawResult:   result.Content,
	})
	if run != nil {
		// Partial transcripts are persisted on failure too.
		e.recorder.SaveDualLLMResult(ctx, run)
	}
	if err != nil {
		log.Printf("[TrustEngine] Sanitization failed for %s (policy %s): %v", unit, policy.ID, err)
		processed := e.blocked(ctx, unit, policy.ID, SanitizeFailedNotice)
		if run != nil {
			processed.SanitizationID = run.ID
		}
		return processed
	}

	state, serr := e.states.SetTrusted(ctx, unit, ReasonSanitized)
	if serr != nil {
		// The summary is safe to return either way; the stale untrusted
		// state only tightens future decisions.
		log.Printf("[TrustEngine] Failed to restore trust for %s after sanitization: %v", unit, serr)
	} else {
		e.recorder.AppendTransition(ctx, state)
	}

	processed := &ProcessedResult{
		Content:        run.Summary,
		TrustImpact:    ImpactSanitized,
		PolicyID:       policy.ID,
		SanitizationID: run.ID,
		TrustState:     state,
	}
	e.emit(PathResult, string(ImpactSanitized), policy.ID, unit, ReasonSanitized)
	return processed
}

// blocked builds the fail-closed result: empty content plus a user-visible
// notice.
func (e *Engine) blocked(ctx context.Context, unit, policyID, notice string) *ProcessedResult {
	state, err := e.states.Get(ctx, unit)
	if err != nil {
		log.Printf("[TrustEngine] Failed to read trust state for %s: %v", unit, err)
	}
	e.emit(PathResult, string(ImpactBlocked), policyID, unit, notice)
	return &ProcessedResult{
		Content:     "",
		TrustImpact: ImpactBlocked,
		Notice:      notice,
		PolicyID:    policyID,
		TrustState:  state,
	}
}

func (e *Engine) emit(path DecisionPath, outcome, policyID, unit, reason string) {
	// Sink failures must never reach the decision path.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[TrustEngine] Event sink panicked: %v", r)
		}
	}()
	e.sink.Emit(DecisionEvent{
		Path:     path,
		Outcome:  outcome,
		PolicyID: policyID,
		Unit:     unit,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
}
