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

/*
Package trust implements the Trust Gate engine - policy-driven mediation of
AI agent tool use with per-conversation trust propagation.

# Overview

The engine sits between an agent's turn-processing pipeline and its tools.
It answers two questions:

  - AuthorizeToolCall: may this tool call proceed, given the invocation
    policies and the conversation's current trust state?
  - ProcessToolResult: what may the primary LLM see of this tool result -
    the raw content, a sanitized summary, or nothing?

Trust state is tracked per isolation unit (organization/conversation/agent).
A unit starts trusted; tool results classified untrusted taint it, and
subsequent tool calls can be blocked while the taint holds. The
dual-LLM sanitizer lifts the taint: a quarantined model reads the untrusted
content and answers questions from the main model, which never sees the raw
bytes; only the final summary crosses back into the conversation.

# Components

  - ConditionEvaluator: bounded, fail-closed condition matching
  - PolicyMatcher: deterministic highest-priority policy selection
  - StateStore: per-unit trust state (in-process or Redis)
  - Sanitizer: the bounded dual-LLM quarantine protocol
  - Engine: the decision tables of the invocation and result paths
  - SnapshotCache: immutable per-evaluation policy snapshots
  - AuditRecorder: best-effort persistence of runs and transitions
  - API/Run: the HTTP surface consumed by the MCP transport layer

Decisions never depend on persistence or metrics: those are best-effort
side channels, and any failure inside the decision path resolves closed
(deny or block), never open.
*/
package trust
