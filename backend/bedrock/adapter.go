// Copyright 2025 MPCGate
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

// Package bedrock adapts AWS Bedrock to the backend Adapter interface
// using the AWS SDK v2 runtime client. Requests authenticate with AWS
// Signature V4 via the ambient credential chain, so deployments run on
// IAM roles with no API keys to manage.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"mpcgate/gateway/backend"
)

const (
	// DefaultRegion is used when the config names none.
	DefaultRegion = "us-east-1"

	// DefaultModel is the default Bedrock model id.
	DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

	// anthropicVersion is the Bedrock-side Anthropic API version marker.
	anthropicVersion = "bedrock-2023-05-31"

	// DefaultMaxTokens is used when the request does not set a budget.
	DefaultMaxTokens = 1024
)

// InvokeAPI is the slice of the Bedrock runtime client the adapter uses
// (enables testing with a stub).
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config configures one Bedrock adapter instance.
type Config struct {
	// Region is the AWS region (default: us-east-1).
	Region string

	// Model is the default Bedrock model id when the request does not
	// name one.
	Model string

	// CostPer1KTokens prices usage for result cost reporting.
	CostPer1KTokens float64
}

// Adapter invokes Bedrock models for a single backend id.
type Adapter struct {
	backendID string
	region    string
	model     string
	cost      float64
	client    InvokeAPI
}

// New builds an adapter with a real Bedrock runtime client from the
// ambient AWS credential chain.
func New(ctx context.Context, backendID string, cfg Config) (*Adapter, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config for region %s: %w", cfg.Region, err)
	}
	return NewWithClient(backendID, cfg, bedrockruntime.NewFromConfig(awsCfg)), nil
}

// NewWithClient builds an adapter over an existing client.
func NewWithClient(backendID string, cfg Config, client InvokeAPI) *Adapter {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Adapter{
		backendID: backendID,
		region:    cfg.Region,
		model:     cfg.Model,
		cost:      cfg.CostPer1KTokens,
		client:    client,
	}
}

// Execute implements backend.Adapter.
func (a *Adapter) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	body, err := buildRequestBody(model, req)
	if err != nil {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeInvalidRequest, err.Error())
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, a.classifyError(err)
	}

	parsed, err := parseResponseBody(model, output.Body)
	if err != nil {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeBadResponse, err.Error())
	}

	total := parsed.promptTokens + parsed.completionTokens
	return &backend.Result{
		Output:           parsed.output,
		TokensUsed:       total,
		PromptTokens:     parsed.promptTokens,
		CompletionTokens: parsed.completionTokens,
		CostUSD:          float64(total) / 1000 * a.cost,
		Confidence:       confidenceFor(parsed.finishReason),
		Model:            model,
	}, nil
}

// classifyError maps AWS API failures onto adapter error codes. Anything
// without an API error code is a transport problem.
func (a *Adapter) classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := backend.ErrCodeServerError
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			code = backend.ErrCodeRateLimit
		case "AccessDeniedException", "UnrecognizedClientException":
			code = backend.ErrCodeAuth
		case "ValidationException":
			code = backend.ErrCodeInvalidRequest
		case "ResourceNotFoundException":
			code = backend.ErrCodeModelNotFound
		case "ModelTimeoutException":
			code = backend.ErrCodeTimeout
		case "ServiceUnavailableException", "ModelNotReadyException":
			code = backend.ErrCodeUnavailable
		}
		ae := backend.NewAdapterError(a.backendID, code, apiErr.ErrorMessage())
		ae.Cause = err
		return ae
	}
	return backend.TransportError(a.backendID, err)
}

// parsedResponse is the family-independent view of a model response.
type parsedResponse struct {
	output           string
	promptTokens     int
	completionTokens int
	finishReason     string
}

// confidenceFor normalizes the per-family finish markers. A clean stop is
// the model's own claim of completeness; a token-limit cut is not.
func confidenceFor(finishReason string) float64 {
	switch finishReason {
	case "end_turn", "stop", "FINISH":
		return 0.9
	case "max_tokens", "length", "LENGTH":
		return 0.7
	default:
		return 0.6
	}
}

// buildRequestBody builds the request body for the model's family.
func buildRequestBody(model string, req backend.Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	switch family := modelFamily(model); family {
	case "anthropic":
		body := anthropicRequest{
			AnthropicVersion: anthropicVersion,
			MaxTokens:        maxTokens,
			Messages: []anthropicMessage{
				{Role: "user", Content: req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body.System = req.SystemPrompt
		}
		if req.Temperature > 0 {
			body.Temperature = &req.Temperature
		}
		return json.Marshal(body)
	case "amazon":
		return json.Marshal(map[string]interface{}{
			"inputText": req.Prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
			},
		})
	case "meta":
		return json.Marshal(map[string]interface{}{
			"prompt":      req.Prompt,
			"max_gen_len": maxTokens,
			"temperature": req.Temperature,
		})
	case "mistral":
		return json.Marshal(map[string]interface{}{
			"prompt":      req.Prompt,
			"max_tokens":  maxTokens,
			"temperature": req.Temperature,
		})
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

// parseResponseBody parses the response body for the model's family.
func parseResponseBody(model string, body []byte) (*parsedResponse, error) {
	switch family := modelFamily(model); family {
	case "anthropic":
		var resp anthropicResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal anthropic response: %w", err)
		}
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return &parsedResponse{
			output:           text.String(),
			promptTokens:     resp.Usage.InputTokens,
			completionTokens: resp.Usage.OutputTokens,
			finishReason:     resp.StopReason,
		}, nil
	case "amazon":
		var resp struct {
			InputTextTokenCount int `json:"inputTextTokenCount"`
			Results             []struct {
				OutputText       string `json:"outputText"`
				TokenCount       int    `json:"tokenCount"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal titan response: %w", err)
		}
		out := &parsedResponse{promptTokens: resp.InputTextTokenCount}
		if len(resp.Results) > 0 {
			out.output = resp.Results[0].OutputText
			out.completionTokens = resp.Results[0].TokenCount
			out.finishReason = resp.Results[0].CompletionReason
		}
		return out, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
			StopReason       string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal llama response: %w", err)
		}
		return &parsedResponse{
			output:           resp.Generation,
			promptTokens:     resp.PromptTokenCount,
			completionTokens: resp.GenTokenCount,
			finishReason:     resp.StopReason,
		}, nil
	case "mistral":
		var resp struct {
			Outputs []struct {
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal mistral response: %w", err)
		}
		out := &parsedResponse{}
		if len(resp.Outputs) > 0 {
			out.output = resp.Outputs[0].Text
			out.finishReason = resp.Outputs[0].StopReason
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported model family for %q", model)
	}
}

// inferenceProfilePrefixes are the regional prefixes Bedrock prepends to
// inference profile ids.
var inferenceProfilePrefixes = map[string]bool{
	"us": true, "eu": true, "apac": true, "global": true,
}

var supportedFamilies = map[string]bool{
	"anthropic": true, "amazon": true, "meta": true, "mistral": true,
}

// modelFamily extracts the model family from a Bedrock model id, peeling
// an inference-profile prefix when present.
//
//	anthropic.claude-3-5-sonnet-20240620-v1:0 -> anthropic
//	us.anthropic.claude-sonnet-4-20250514-v1:0 -> anthropic
//	amazon.titan-text-express-v1 -> amazon
func modelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}
	family := segments[0]
	if inferenceProfilePrefixes[family] && len(segments) > 2 {
		family = segments[1]
	}
	if !supportedFamilies[family] {
		return ""
	}
	return family
}

// Wire types for the Anthropic family, the primary path.

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	System           string             `json:"system,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
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
