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
	"regexp"
	"strings"
	"sync"
	"time"
)

// Operator identifies how a condition compares its value against a fact.
type Operator string

const (
	OperatorEqual       Operator = "equal"
	OperatorNotEqual    Operator = "not_equal"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorStartsWith  Operator = "starts_with"
	OperatorEndsWith    Operator = "ends_with"
	OperatorRegex       Operator = "regex"
)

// Valid reports whether the operator is a known variant.
func (o Operator) Valid() bool {
	switch o {
	case OperatorEqual, OperatorNotEqual, OperatorContains, OperatorNotContains,
		OperatorStartsWith, OperatorEndsWith, OperatorRegex:
		return true
	default:
		return false
	}
}

// Condition is one comparison against a single fact value. All comparisons
// are case-sensitive. A policy matches only if every condition matches.
type Condition struct {
	Key      string   `json:"key"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

const (
	// DefaultRegexTimeout bounds a single regex evaluation. Go's regexp is
	// linear-time (RE2), so this is a backstop against pathologically large
	// inputs, not backtracking blowup.
	DefaultRegexTimeout = 5 * time.Millisecond

	// maxCompiledPatterns bounds the compiled pattern cache.
	maxCompiledPatterns = 1000
)

// ConditionEvaluator evaluates conditions against fact values. It is a pure
// evaluator: no state beyond a compiled-pattern cache, no I/O. Safe for
// concurrent use.
type ConditionEvaluator struct {
	regexTimeout time.Duration

	patternMutex sync.RWMutex
	compiled     map[string]*regexp.Regexp
}

// NewConditionEvaluator creates an evaluator. A zero regexTimeout selects
// DefaultRegexTimeout.
func NewConditionEvaluator(regexTimeout time.Duration) *ConditionEvaluator {
	if regexTimeout <= 0 {
		regexTimeout = DefaultRegexTimeout
	}
	return &ConditionEvaluator{
		regexTimeout: regexTimeout,
		compiled:     make(map[string]*regexp.Regexp),
	}
}

// Evaluate evaluates one condition against a fact value. A missing fact key
// is evaluated as the empty string by the caller; this function never sees a
// "missing" marker. An invalid regex or unknown operator fails closed: the
// result is false and the returned ConfigError describes the problem.
func (e *ConditionEvaluator) Evaluate(cond Condition, factValue string) (bool, error) {
	switch cond.Operator {
	case OperatorEqual:
		return factValue == cond.Value, nil
	case OperatorNotEqual:
		return factValue != cond.Value, nil
	case OperatorContains:
		return strings.Contains(factValue, cond.Value), nil
	case OperatorNotContains:
		return !strings.Contains(factValue, cond.Value), nil
	case OperatorStartsWith:
		return strings.HasPrefix(factValue, cond.Value), nil
	case OperatorEndsWith:
		return strings.HasSuffix(factValue, cond.Value), nil
	case OperatorRegex:
		return e.evaluateRegex(cond.Value, factValue)
	default:
		return false, &ConfigError{Detail: fmt.Sprintf("unknown operator %q", cond.Operator)}
	}
}

// evaluateRegex matches pattern anywhere in the fact value, bounded by the
// evaluator's timeout. Timeout counts as non-match.
func (e *ConditionEvaluator) evaluateRegex(pattern, factValue string) (bool, error) {
	re, err := e.compile(pattern)
	if err != nil {
		return false, &ConfigError{
			Detail: fmt.Sprintf("invalid regex %q: %v", pattern, err),
			Cause:  err,
		}
	}

	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(factValue)
	}()

	select {
	case matched := <-done:
		return matched, nil
	case <-time.After(e.regexTimeout):
		return false, nil
	}
}

// compile returns a cached compiled pattern, compiling on first use. The
// cache is dropped wholesale when it reaches maxCompiledPatterns.
func (e *ConditionEvaluator) compile(pattern string) (*regexp.Regexp, error) {
	e.patternMutex.RLock()
	re, ok := e.compiled[pattern]
	e.patternMutex.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	e.patternMutex.Lock()
	if len(e.compiled) >= maxCompiledPatterns {
		e.compiled = make(map[string]*regexp.Regexp)
	}
	e.compiled[pattern] = re
	e.patternMutex.Unlock()

	return re, nil
}

// EvaluateAll reports whether every condition matches the fact record.
// An empty condition list always matches (the policy applies
// unconditionally). The first configuration error encountered is returned
// alongside the fail-closed result.
func (e *ConditionEvaluator) EvaluateAll(conditions []Condition, facts FactRecord) (bool, error) {
	for _, cond := range conditions {
		matched, err := e.Evaluate(cond, facts.Get(cond.Key))
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}
