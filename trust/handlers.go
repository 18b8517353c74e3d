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
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// =============================================================================
// HTTP API
// =============================================================================

// The gateway API is the narrow contract with the MCP transport layer: it
// asks before invoking a tool and hands results back before they re-enter
// the conversation. Policy administration is a separate surface and not
// served here.

// API serves the trust engine over HTTP.
type API struct {
	engine   *Engine
	recorder *AuditRecorder
}

// NewAPI creates the HTTP API over engine.
func NewAPI(engine *Engine, recorder *AuditRecorder) *API {
	return &API{engine: engine, recorder: recorder}
}

// Register mounts the engine routes on router. Auth is applied by the
// caller so /health and /metrics stay open.
func (a *API) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/tool-calls/authorize", a.handleAuthorize).Methods("POST")
	router.HandleFunc("/api/v1/tool-results/process", a.handleProcessResult).Methods("POST")
}

// handleAuthorize decides whether a tool call may proceed.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var call ToolCallContext
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if call.OrgID == "" || call.ConversationID == "" || call.ToolName == "" {
		writeJSONError(w, http.StatusBadRequest, "org_id, conversation_id and tool_name are required")
		return
	}
	if caller, ok := CallerFromContext(r.Context()); ok && caller.OrgID != call.OrgID {
		writeJSONError(w, http.StatusForbidden, "org_id does not match token scope")
		return
	}

	decision, err := a.engine.AuthorizeToolCall(r.Context(), call)
	if err != nil {
		// The decision is still valid (fail closed); the error explains why.
		log.Printf("[API] Authorize degraded for %s: %v", call.Unit(), err)
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleProcessResult classifies a tool result before it re-enters the
// conversation.
func (a *API) handleProcessResult(w http.ResponseWriter, r *http.Request) {
	var result ToolResultContext
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if result.OrgID == "" || result.ConversationID == "" {
		writeJSONError(w, http.StatusBadRequest, "org_id and conversation_id are required")
		return
	}
	if caller, ok := CallerFromContext(r.Context()); ok && caller.OrgID != result.OrgID {
		writeJSONError(w, http.StatusForbidden, "org_id does not match token scope")
		return
	}

	processed, err := a.engine.ProcessToolResult(r.Context(), result)
	if err != nil {
		log.Printf("[API] Result processing degraded for %s: %v", result.Unit(), err)
	}
	writeJSON(w, http.StatusOK, processed)
}

// HealthHandler reports service liveness plus recorder statistics.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status":    "healthy",
		"service":   "trustgate",
		"timestamp": time.Now().UTC(),
	}
	if a.recorder != nil {
		payload["audit"] = a.recorder.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[API] Error encoding response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
