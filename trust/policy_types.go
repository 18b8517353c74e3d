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
	"fmt"
	"time"
)

// =============================================================================
// Policy Actions
// =============================================================================

// InvocationAction is the action of a tool-invocation policy. It governs the
// decision to call a tool, never the result.
type InvocationAction string

const (
	// ActionAllowWhenUntrusted allows the call regardless of trust state.
	ActionAllowWhenUntrusted InvocationAction = "allow_when_untrusted"

	// ActionBlockWhenUntrusted blocks the call only while the context is
	// untrusted.
	ActionBlockWhenUntrusted InvocationAction = "block_when_untrusted"

	// ActionBlockAlways blocks the call unconditionally.
	ActionBlockAlways InvocationAction = "block_always"
)

// Valid reports whether the action is a known variant. Consumers must treat
// invalid variants as a configuration error and fail closed.
func (a InvocationAction) Valid() bool {
	switch a {
	case ActionAllowWhenUntrusted, ActionBlockWhenUntrusted, ActionBlockAlways:
		return true
	default:
		return false
	}
}

// DataAction is the action of a trusted-data policy. It governs what happens
// to a tool result before it re-enters the conversation.
type DataAction string

const (
	// DataActionBlockAlways suppresses the result entirely.
	DataActionBlockAlways DataAction = "block_always"

	// DataActionMarkAsTrusted passes the result through and marks the
	// context trusted.
	DataActionMarkAsTrusted DataAction = "mark_as_trusted"

	// DataActionMarkAsUntrusted passes the result through and marks the
	// context untrusted.
	DataActionMarkAsUntrusted DataAction = "mark_as_untrusted"

	// DataActionSanitizeWithDualLLM routes the result through the
	// quarantined dual-LLM protocol; only the summary re-enters the
	// conversation.
	DataActionSanitizeWithDualLLM DataAction = "sanitize_with_dual_llm"
)

// Valid reports whether the action is a known variant.
func (a DataAction) Valid() bool {
	switch a {
	case DataActionBlockAlways, DataActionMarkAsTrusted,
		DataActionMarkAsUntrusted, DataActionSanitizeWithDualLLM:
		return true
	default:
		return false
	}
}

// =============================================================================
// Policies
// =============================================================================

// ToolInvocationPolicy decides whether a tool call may proceed.
type ToolInvocationPolicy struct {
	ID         string           `json:"id" db:"id"`
	Name       string           `json:"name" db:"name"`
	OrgID      string           `json:"org_id" db:"org_id"`
	AgentID    string           `json:"agent_id,omitempty" db:"agent_id"` // empty = org-wide
	Conditions []Condition      `json:"conditions"`
	Action     InvocationAction `json:"action" db:"action"`
	Priority   int              `json:"priority" db:"priority"`
	Enabled    bool             `json:"enabled" db:"enabled"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

// TrustedDataPolicy classifies a tool result before it is handed back to the
// primary LLM.
type TrustedDataPolicy struct {
	ID         string      `json:"id" db:"id"`
	Name       string      `json:"name" db:"name"`
	OrgID      string      `json:"org_id" db:"org_id"`
	AgentID    string      `json:"agent_id,omitempty" db:"agent_id"`
	Conditions []Condition `json:"conditions"`
	Action     DataAction  `json:"action" db:"action"`
	Priority   int         `json:"priority" db:"priority"`
	Enabled    bool        `json:"enabled" db:"enabled"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" db:"updated_at"`
}

// =============================================================================
// Trust State
// =============================================================================

// TrustState records whether one isolation unit's context is currently
// trusted. Exactly one state exists per unit; it is created lazily on first
// tool invocation with IsTrusted=true.
type TrustState struct {
	Unit             string    `json:"unit"`
	IsTrusted        bool      `json:"is_trusted"`
	Reason           string    `json:"reason,omitempty"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// ReasonSanitized is the reason recorded when a successful sanitization run
// restores trust.
const ReasonSanitized = "sanitized"

// =============================================================================
// Dual-LLM Configuration and Results
// =============================================================================

// DualLLMConfig is the per-organization sanitizer configuration. It is read
// once at the start of a sanitization run and treated as immutable for the
// run's duration.
type DualLLMConfig struct {
	OrgID                    string    `json:"org_id" db:"org_id"`
	Enabled                  bool      `json:"enabled" db:"enabled"`
	MainProfilePrompt        string    `json:"main_profile_prompt" db:"main_profile_prompt"`
	QuarantinedProfilePrompt string    `json:"quarantined_profile_prompt" db:"quarantined_profile_prompt"`
	SummaryPrompt            string    `json:"summary_prompt" db:"summary_prompt"`
	MaxRounds                int       `json:"max_rounds" db:"max_rounds"`
	UpdatedAt                time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the configuration invariants.
func (c *DualLLMConfig) Validate() error {
	if c.MaxRounds < 1 {
		return &ConfigError{Detail: fmt.Sprintf("max_rounds must be >= 1, got %d", c.MaxRounds)}
	}
	return nil
}

// MessageRole identifies the author of a transcript message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one entry in a sanitization transcript.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// DualLLMResult is the persisted record of one sanitization run. The
// transcript is append-only while the run is active and immutable after
// completion.
type DualLLMResult struct {
	ID            string    `json:"id" db:"id"`
	OrgID         string    `json:"org_id" db:"org_id"`
	ToolCallID    string    `json:"tool_call_id" db:"tool_call_id"`
	UserRequest   string    `json:"user_request" db:"user_request"`
	RawToolResult string    `json:"raw_tool_result" db:"raw_tool_result"`
	Transcript    []Message `json:"transcript"`
	Summary       string    `json:"summary" db:"summary"`
	RoundsUsed    int       `json:"rounds_used" db:"rounds_used"`
	Failed        bool      `json:"failed" db:"failed"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
