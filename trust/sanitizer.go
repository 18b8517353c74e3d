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
	"strings"
	"time"

	"github.com/google/uuid"

	"axonflow/trustgate/llm"
)

// =============================================================================
// Dual-LLM Sanitizer
// =============================================================================

// The sanitizer runs the bounded quarantine protocol:
//
//	Init → Questioning ⇄ Answering (up to MaxRounds) → Summarizing → Done
//
// with Failed reachable from any state. The main model is seeded with the
// user's request but never sees the raw tool result. The quarantined model
// sees the raw result but its output only ever reaches the main model's
// interrogation and the final summary step, never the primary conversation.

// DoneMarker is the line the main model emits when it has enough
// information to stop interrogating. The stop predicate is configurable;
// this is the default wire signal.
const DoneMarker = "DONE"

// StopPredicate decides whether the main model's output signals that
// interrogation can stop.
type StopPredicate func(mainOutput string) bool

// DefaultStopPredicate reports true when the output's last non-empty line is
// the DONE marker.
func DefaultStopPredicate(mainOutput string) bool {
	lines := strings.Split(strings.TrimSpace(mainOutput), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return line == DoneMarker
	}
	return false
}

// stripDoneMarker removes a trailing DONE marker line, leaving the question
// text (possibly empty).
func stripDoneMarker(mainOutput string) string {
	trimmed := strings.TrimSpace(mainOutput)
	if trimmed == DoneMarker {
		return ""
	}
	if idx := strings.LastIndex(trimmed, "\n"); idx >= 0 &&
		strings.TrimSpace(trimmed[idx+1:]) == DoneMarker {
		return strings.TrimSpace(trimmed[:idx])
	}
	return trimmed
}

// DefaultCallTimeout bounds one LLM call inside the protocol.
const DefaultCallTimeout = 30 * time.Second

// SanitizeRequest carries the inputs for one sanitization run.
type SanitizeRequest struct {
	OrgID       string
	ToolCallID  string
	UserRequest string
	RawResult   string
}

// Sanitizer runs the dual-LLM quarantine protocol. Safe for concurrent use;
// independent tool results may sanitize concurrently, but a single run is
// strictly sequential (each round depends on the previous).
type Sanitizer struct {
	main        llm.Provider
	quarantined llm.Provider
	callTimeout time.Duration
	stop        StopPredicate
}

// SanitizerOptions configures a Sanitizer.
type SanitizerOptions struct {
	// Main serves the questioning and summarizing roles.
	Main llm.Provider

	// Quarantined serves the answering role. May be the same provider
	// instance as Main; isolation comes from what each call is shown, not
	// from the provider.
	Quarantined llm.Provider

	// CallTimeout bounds each LLM call. Default DefaultCallTimeout.
	CallTimeout time.Duration

	// Stop overrides the round-termination predicate. Default
	// DefaultStopPredicate.
	Stop StopPredicate
}

// NewSanitizer creates a sanitizer.
func NewSanitizer(opts SanitizerOptions) *Sanitizer {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Stop == nil {
		opts.Stop = DefaultStopPredicate
	}
	return &Sanitizer{
		main:        opts.Main,
		quarantined: opts.Quarantined,
		callTimeout: opts.CallTimeout,
		stop:        opts.Stop,
	}
}

// Sanitize executes one run. On success the returned result carries the
// summary that replaces the raw content. On failure the partial result
// (transcript included) is returned alongside the error so it can still be
// persisted for audit; the caller must treat the failure as a blocked
// outcome, never as permission to pass raw content through.
func (s *Sanitizer) Sanitize(ctx context.Context, cfg *DualLLMConfig, req SanitizeRequest) (*DualLLMResult, error) {
	result := &DualLLMResult{
		ID:            uuid.New().String(),
		OrgID:         req.OrgID,
		ToolCallID:    req.ToolCallID,
		UserRequest:   req.UserRequest,
		RawToolResult: req.RawResult,
		CreatedAt:     time.Now().UTC(),
	}

	// Init: config is read once here and immutable for the run.
	if cfg == nil || !cfg.Enabled {
		result.Failed = true
		return result, ErrSanitizerUnavailable
	}
	if err := cfg.Validate(); err != nil {
		result.Failed = true
		return result, err
	}

	for round := 1; round <= cfg.MaxRounds; round++ {
		// Cooperative cancellation at round boundaries.
		if err := ctx.Err(); err != nil {
			result.Failed = true
			return result, fmt.Errorf("sanitization cancelled: %w", err)
		}

		// Questioning: the main model sees the request and transcript, not
		// the raw result.
		question, err := s.completeWithRetry(ctx, s.main, cfg.MainProfilePrompt,
			buildQuestioningPrompt(req.UserRequest, result.Transcript, round, cfg.MaxRounds))
		if err != nil {
			result.Failed = true
			return result, fmt.Errorf("questioning round %d: %w", round, err)
		}

		done := s.stop(question)
		questionText := stripDoneMarker(question)

		if questionText != "" {
			result.Transcript = append(result.Transcript, Message{Role: RoleUser, Content: questionText})
		}
		if done {
			break
		}
		if questionText == "" {
			// No question and no stop signal; nothing to ask the
			// quarantined model, end interrogation.
			break
		}

		// Answering: the quarantined model sees the raw result and only the
		// current question.
		answer, err := s.completeWithRetry(ctx, s.quarantined, cfg.QuarantinedProfilePrompt,
			buildAnsweringPrompt(req.RawResult, questionText))
		if err != nil {
			result.Failed = true
			return result, fmt.Errorf("answering round %d: %w", round, err)
		}
		result.Transcript = append(result.Transcript, Message{Role: RoleAssistant, Content: answer})
		result.RoundsUsed = round

		if result.RoundsUsed > cfg.MaxRounds {
			// Cannot happen with the loop bound; treated as fatal to this
			// run only, forcing an immediate summary.
			log.Printf("[Sanitizer] rounds_used %d exceeds max_rounds %d for run %s",
				result.RoundsUsed, cfg.MaxRounds, result.ID)
			break
		}
	}

	// Summarizing: only the transcript crosses back, never the raw result
	// or the quarantined model's answers directly.
	summary, err := s.completeWithRetry(ctx, s.main, cfg.SummaryPrompt,
		buildSummaryPrompt(req.UserRequest, result.Transcript))
	if err != nil {
		result.Failed = true
		return result, fmt.Errorf("summarizing: %w", err)
	}

	result.Summary = summary
	sanitizerRounds.Observe(float64(result.RoundsUsed))
	return result, nil
}

// completeWithRetry performs one LLM call with the per-call timeout,
// retrying exactly once on failure before failing closed.
func (s *Sanitizer) completeWithRetry(ctx context.Context, provider llm.Provider, systemPrompt, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		resp, err := provider.Complete(callCtx, llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Prompt:       prompt,
		})
		cancel()
		if err == nil {
			return resp.Content, nil
		}

		sanitizerLLMFailures.Inc()
		lastErr = err

		// The owning conversation was cancelled; do not retry.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt == 0 {
			log.Printf("[Sanitizer] %s call failed, retrying once: %v", provider.Name(), err)
		}
	}
	return "", lastErr
}

// buildQuestioningPrompt renders the main model's view of the run.
func buildQuestioningPrompt(userRequest string, transcript []Message, round, maxRounds int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The user asked: %s\n\n", userRequest)
	sb.WriteString("A tool returned a result you cannot read directly. You may ask a helper that has read it.\n")
	if len(transcript) > 0 {
		sb.WriteString("\nExchange so far:\n")
		for _, msg := range transcript {
			if msg.Role == RoleUser {
				fmt.Fprintf(&sb, "Q: %s\n", msg.Content)
			} else {
				fmt.Fprintf(&sb, "A: %s\n", msg.Content)
			}
		}
	}
	fmt.Fprintf(&sb, "\nRound %d of %d. Ask one question about the tool result, or reply with the single line %s if you have enough information.\n",
		round, maxRounds, DoneMarker)
	return sb.String()
}

// buildAnsweringPrompt renders the quarantined model's view: the raw
// untrusted payload plus one question, nothing else.
func buildAnsweringPrompt(rawResult, question string) string {
	var sb strings.Builder
	sb.WriteString("Tool result:\n---\n")
	sb.WriteString(rawResult)
	sb.WriteString("\n---\n\nAnswer this question about the tool result using only the text above:\n")
	sb.WriteString(question)
	sb.WriteString("\n")
	return sb.String()
}

// buildSummaryPrompt renders the summarizing step's input: the request and
// the accumulated transcript.
func buildSummaryPrompt(userRequest string, transcript []Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The user asked: %s\n\n", userRequest)
	sb.WriteString("Question-and-answer exchange about the tool result:\n")
	if len(transcript) == 0 {
		sb.WriteString("(no questions were needed)\n")
	}
	for _, msg := range transcript {
		if msg.Role == RoleUser {
			fmt.Fprintf(&sb, "Q: %s\n", msg.Content)
		} else {
			fmt.Fprintf(&sb, "A: %s\n", msg.Content)
		}
	}
	sb.WriteString("\nWrite the final answer for the user based only on this exchange.\n")
	return sb.String()
}
