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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	// Name is the provider instance name (default "bedrock").
	Name string

	// Region is the AWS region hosting the models.
	Region string

	// Model is the default model ID (e.g. "anthropic.claude-3-haiku-20240307-v1:0").
	Model string

	// MaxTokens is the default response cap when the request leaves it unset.
	MaxTokens int
}

// BedrockProvider invokes models through AWS Bedrock with IAM authentication.
type BedrockProvider struct {
	name      string
	client    *bedrockruntime.Client
	model     string
	region    string
	maxTokens int
	healthy   atomic.Bool
}

// NewBedrockProvider creates a Bedrock provider using the default AWS
// credential chain for the configured region.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock: region is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("bedrock: model is required")
	}
	if cfg.Name == "" {
		cfg.Name = "bedrock"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	p := &BedrockProvider{
		name:      cfg.Name,
		client:    bedrockruntime.NewFromConfig(awsCfg),
		model:     cfg.Model,
		region:    cfg.Region,
		maxTokens: cfg.MaxTokens,
	}
	p.healthy.Store(true)
	log.Printf("[Bedrock] Provider %q initialized (region=%s, model=%s)", cfg.Name, cfg.Region, cfg.Model)
	return p, nil
}

// Name implements Provider.
func (p *BedrockProvider) Name() string {
	return p.name
}

// Type implements Provider.
func (p *BedrockProvider) Type() ProviderType {
	return ProviderTypeBedrock
}

// Complete implements Provider by invoking the model with a family-specific
// request body.
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	body, err := buildBedrockRequestBody(model, req, maxTokens)
	if err != nil {
		return nil, &ProviderError{
			Provider: p.name,
			Code:     ErrCodeInvalidRequest,
			Message:  err.Error(),
			Cause:    err,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.healthy.Store(false)
		log.Printf("[Bedrock] API call failed: %v", err)
		return nil, p.wrapInvokeError(err)
	}
	p.healthy.Store(true)

	resp, err := parseBedrockResponseBody(model, output.Body)
	if err != nil {
		return nil, &ProviderError{
			Provider:  p.name,
			Code:      ErrCodeMalformedResponse,
			Message:   err.Error(),
			Retryable: false,
			Cause:     err,
		}
	}

	resp.Model = model
	resp.Latency = time.Since(start)
	return resp, nil
}

// HealthCheck implements Provider. Bedrock has no cheap ping; health reflects
// the outcome of the most recent invocation.
func (p *BedrockProvider) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	status := HealthStatusHealthy
	msg := ""
	if !p.healthy.Load() {
		status = HealthStatusUnhealthy
		msg = "last model invocation failed"
	}
	return &HealthCheckResult{
		Status:      status,
		Message:     msg,
		LastChecked: time.Now().UTC(),
	}, nil
}

// wrapInvokeError maps AWS SDK errors onto the provider error taxonomy.
func (p *BedrockProvider) wrapInvokeError(err error) error {
	code := ErrCodeServerError
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		code = ErrCodeTimeout
	}
	return &ProviderError{
		Provider:  p.name,
		Code:      code,
		Message:   err.Error(),
		Retryable: isRetryableCode(code),
		Cause:     err,
	}
}

// bedrockModelFamily returns the vendor prefix of a Bedrock model ID.
func bedrockModelFamily(model string) string {
	if idx := strings.Index(model, "."); idx > 0 {
		return model[:idx]
	}
	return model
}

// buildBedrockRequestBody builds the request body for the model's family.
func buildBedrockRequestBody(model string, req CompletionRequest, maxTokens int) (map[string]interface{}, error) {
	switch family := bedrockModelFamily(model); family {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       req.Temperature,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		if len(req.StopSequences) > 0 {
			body["stop_sequences"] = req.StopSequences
		}
		return body, nil
	case "amazon":
		prompt := req.Prompt
		if req.SystemPrompt != "" {
			prompt = req.SystemPrompt + "\n\n" + prompt
		}
		return map[string]interface{}{
			"inputText": prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
				"topP":          0.9,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

// parseBedrockResponseBody parses the response body for the model's family.
func parseBedrockResponseBody(model string, body []byte) (*CompletionResponse, error) {
	switch family := bedrockModelFamily(model); family {
	case "anthropic":
		var parsed struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse anthropic response: %w", err)
		}
		var sb strings.Builder
		for _, block := range parsed.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		return &CompletionResponse{
			Content:      sb.String(),
			FinishReason: parsed.StopReason,
			Usage: UsageStats{
				PromptTokens:     parsed.Usage.InputTokens,
				CompletionTokens: parsed.Usage.OutputTokens,
				TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			},
		}, nil
	case "amazon":
		var parsed struct {
			InputTextTokenCount int `json:"inputTextTokenCount"`
			Results             []struct {
				TokenCount       int    `json:"tokenCount"`
				OutputText       string `json:"outputText"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse titan response: %w", err)
		}
		if len(parsed.Results) == 0 {
			return nil, fmt.Errorf("titan response contained no results")
		}
		return &CompletionResponse{
			Content:      parsed.Results[0].OutputText,
			FinishReason: parsed.Results[0].CompletionReason,
			Usage: UsageStats{
				PromptTokens:     parsed.InputTextTokenCount,
				CompletionTokens: parsed.Results[0].TokenCount,
				TotalTokens:      parsed.InputTextTokenCount + parsed.Results[0].TokenCount,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family: %s", bedrockModelFamily(model))
	}
}
