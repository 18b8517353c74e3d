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
	"strconv"
	"strings"
)

// FactRecord is a typed mapping from condition key to extracted string
// value. Records are built by an explicit extraction step per fact source so
// new keys are added in one place.
type FactRecord map[string]string

// Get returns the value for key, or the empty string when absent. Condition
// evaluation against a missing key therefore never raises.
func (f FactRecord) Get(key string) string {
	return f[key]
}

// Condition keys extracted from tool-call context.
const (
	FactToolName   = "tool_name"
	FactServerName = "server_name"
	FactArgPrefix  = "arg."
)

// Condition keys extracted from tool-result context.
const (
	FactContent        = "content"
	FactContentLength  = "content_length"
	FactSourceDomain   = "source_domain"
	FactHasMarkers     = "has_instruction_markers"
	FactToolNameResult = "tool_name" // same key; results carry the originating tool
)

// ToolCallContext is the raw tool-call information supplied by the MCP
// transport layer before execution.
type ToolCallContext struct {
	OrgID          string            `json:"org_id"`
	ConversationID string            `json:"conversation_id"`
	AgentID        string            `json:"agent_id"`
	ToolName       string            `json:"tool_name"`
	ServerName     string            `json:"server_name"`
	Arguments      map[string]string `json:"arguments,omitempty"`
}

// ToolResultContext is the raw tool output supplied by the MCP transport
// layer after execution, before the result is handed back to the primary LLM.
type ToolResultContext struct {
	OrgID          string `json:"org_id"`
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	ToolCallID     string `json:"tool_call_id"`
	ToolName       string `json:"tool_name"`
	SourceDomain   string `json:"source_domain,omitempty"`
	UserRequest    string `json:"user_request"`
	Content        string `json:"content"`
}

// instructionMarkers are phrases that commonly carry prompt-injection
// payloads in tool outputs. Their presence is exposed as a fact, not a
// decision; policies decide what to do about it.
var instructionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard your instructions",
	"you are now",
	"system prompt",
	"<|im_start|>",
}

// BuildToolCallFacts extracts the fact record for invocation-policy
// evaluation. Argument values are exposed under "arg.<name>".
func BuildToolCallFacts(call ToolCallContext) FactRecord {
	facts := FactRecord{
		FactToolName:   call.ToolName,
		FactServerName: call.ServerName,
	}
	for name, value := range call.Arguments {
		facts[FactArgPrefix+name] = value
	}
	return facts
}

// BuildToolResultFacts extracts the fact record for trusted-data policy
// evaluation.
func BuildToolResultFacts(result ToolResultContext) FactRecord {
	return FactRecord{
		FactContent:       result.Content,
		FactContentLength: strconv.Itoa(len(result.Content)),
		FactSourceDomain:  result.SourceDomain,
		FactToolName:      result.ToolName,
		FactHasMarkers:    strconv.FormatBool(containsInstructionMarkers(result.Content)),
	}
}

// containsInstructionMarkers scans content for known injection phrasing.
func containsInstructionMarkers(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range instructionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsolationKey builds the trust-state isolation unit key. Trust state is
// tracked per conversation, per agent, per organization.
func IsolationKey(orgID, conversationID, agentID string) string {
	return orgID + "/" + conversationID + "/" + agentID
}

// Unit returns the isolation key for a tool call.
func (c ToolCallContext) Unit() string {
	return IsolationKey(c.OrgID, c.ConversationID, c.AgentID)
}

// Unit returns the isolation key for a tool result.
func (r ToolResultContext) Unit() string {
	return IsolationKey(r.OrgID, r.ConversationID, r.AgentID)
}
