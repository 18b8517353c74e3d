// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"context"
)

// Provider is the unified interface for LLM providers.
// Implementations must be safe for concurrent use.
//
// The trust engine's sanitizer drives every call through this interface and
// applies its own per-call timeout via the context; implementations must
// honor cancellation and not leave requests running in the background.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// Used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type (e.g. "bedrock").
	Type() ProviderType

	// Complete generates a completion for the given request.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck verifies the provider is operational.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}
