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
	"errors"
	"fmt"
)

// ConfigError marks a policy or dual-LLM configuration problem. Evaluation
// fails closed when one is encountered; it is logged with enough context to
// fix the configuration, never surfaced as a crash of the calling turn.
type ConfigError struct {
	// PolicyID identifies the offending policy, when known.
	PolicyID string

	// Detail describes what is misconfigured.
	Detail string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.PolicyID != "" {
		return fmt.Sprintf("policy %s misconfigured: %s", e.PolicyID, e.Detail)
	}
	return fmt.Sprintf("configuration error: %s", e.Detail)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ErrSanitizerUnavailable is returned when sanitization is requested but the
// dual-LLM configuration is missing or disabled. Callers must treat this as
// a blocked result, never as permission to pass raw content through.
var ErrSanitizerUnavailable = errors.New("dual-LLM sanitizer unavailable")
