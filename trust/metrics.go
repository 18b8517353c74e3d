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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the trust engine decision paths.
var (
	decisionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trustgate_decisions_total",
			Help: "Trust engine decisions by path and outcome",
		},
		[]string{"path", "outcome"},
	)
	decisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trustgate_decision_duration_seconds",
			Help:    "Trust engine decision latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
	sanitizerRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trustgate_sanitizer_rounds",
			Help:    "Rounds used per dual-LLM sanitization run",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)
	sanitizerLLMFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustgate_sanitizer_llm_failures_total",
			Help: "LLM call failures inside the sanitizer (including retries)",
		},
	)
	policyConfigErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trustgate_policy_config_errors_total",
			Help: "Policy configuration errors encountered during evaluation",
		},
	)
)

var metricsOnce sync.Once

// registerMetrics registers all trust metrics once (duplicate registration
// is ignored, matching how the gateway registers its metric sets).
func registerMetrics() {
	metricsOnce.Do(func() {
		_ = prometheus.Register(decisionTotal)
		_ = prometheus.Register(decisionDuration)
		_ = prometheus.Register(sanitizerRounds)
		_ = prometheus.Register(sanitizerLLMFailures)
		_ = prometheus.Register(policyConfigErrors)
	})
}

func init() {
	registerMetrics()
}

func recordConfigError() {
	policyConfigErrors.Inc()
}

// DecisionPath labels which engine operation produced an event.
type DecisionPath string

const (
	PathInvocation DecisionPath = "invocation"
	PathResult     DecisionPath = "result"
)

// DecisionEvent is the structured event emitted for every engine decision.
type DecisionEvent struct {
	Path     DecisionPath `json:"path"`
	Outcome  string       `json:"outcome"`
	PolicyID string       `json:"policy_id,omitempty"`
	Unit     string       `json:"unit"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

// EventSink receives decision events for metrics/tracing. Emission failures
// must never affect the decision path; implementations should be
// non-blocking and swallow their own errors.
type EventSink interface {
	Emit(event DecisionEvent)
}

// logSink is the default sink: a structured log line plus Prometheus
// counters.
type logSink struct{}

// NewLogSink returns the default EventSink.
func NewLogSink() EventSink {
	return logSink{}
}

// Emit implements EventSink.
func (logSink) Emit(event DecisionEvent) {
	decisionTotal.WithLabelValues(string(event.Path), event.Outcome).Inc()
	log.Printf("[TrustEngine] decision path=%s outcome=%s policy=%s unit=%s reason=%q",
		event.Path, event.Outcome, event.PolicyID, event.Unit, event.Reason)
}
