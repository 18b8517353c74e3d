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
	"sync"
	"time"
)

// MockProvider is a scripted Provider for tests and local development. Each
// Complete call consumes the next scripted step; when the script is
// exhausted the last step repeats.
type MockProvider struct {
	name string

	mu    sync.Mutex
	steps []MockStep
	next  int

	// Requests records every request received, in order.
	Requests []CompletionRequest
}

// MockStep is one scripted response (or error).
type MockStep struct {
	Content string
	Err     error
}

// NewMockProvider creates a mock that replies with the given steps.
func NewMockProvider(name string, steps ...MockStep) *MockProvider {
	if name == "" {
		name = "mock"
	}
	return &MockProvider{name: name, steps: steps}
}

// Name implements Provider.
func (p *MockProvider) Name() string {
	return p.name
}

// Type implements Provider.
func (p *MockProvider) Type() ProviderType {
	return ProviderTypeMock
}

// Complete implements Provider.
func (p *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)

	if len(p.steps) == 0 {
		return &CompletionResponse{Content: "", Model: p.name}, nil
	}
	step := p.steps[p.next]
	if p.next < len(p.steps)-1 {
		p.next++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &CompletionResponse{
		Content:      step.Content,
		Model:        p.name,
		FinishReason: "stop",
	}, nil
}

// HealthCheck implements Provider.
func (p *MockProvider) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return &HealthCheckResult{Status: HealthStatusHealthy, LastChecked: time.Now().UTC()}, nil
}

// CallCount returns how many Complete calls were made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
