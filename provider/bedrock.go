// Copyright 2025 AgentGate
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

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockInvoker is the slice of the Bedrock runtime client the adapter
// uses; an interface so tests can substitute it.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockAdapter implements Adapter for AWS Bedrock. Authentication is AWS
// Signature V4 via the ambient IAM identity, so there is no API key; the
// request body shape depends on the model family encoded in the model id.
type BedrockAdapter struct {
	client bedrockInvoker
	region string
}

// NewBedrockAdapter builds an adapter using the default AWS credential
// chain for the given region.
func NewBedrockAdapter(ctx context.Context, region string) (*BedrockAdapter, error) {
	if region == "" {
		return nil, fmt.Errorf("bedrock region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockAdapter{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
	}, nil
}

// Name implements Adapter.
func (b *BedrockAdapter) Name() string {
	return "bedrock"
}

// inferenceProfilePrefixes are the known Bedrock inference profile
// prefixes; a model id may carry one ahead of the family segment.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

var supportedBedrockFamilies = []string{"anthropic", "amazon", "meta", "mistral"}

// bedrockModelFamily extracts the model family from a model id such as
// "anthropic.claude-3-haiku-20240307-v1:0" or an inference profile id such
// as "us.anthropic.claude-sonnet-4-20250514-v1:0".
func bedrockModelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}

	first := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if first == prefix {
			return validateBedrockFamily(segments[1])
		}
	}
	return validateBedrockFamily(first)
}

func validateBedrockFamily(family string) string {
	for _, supported := range supportedBedrockFamilies {
		if family == supported {
			return family
		}
	}
	return ""
}

// flattenMessages renders a message list as a single prompt for the model
// families whose native API takes bare text.
func flattenMessages(messages []Message) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

func (b *BedrockAdapter) buildRequestBody(req Request, family string) (map[string]interface{}, error) {
	switch family {
	case "anthropic":
		var msgs []map[string]string
		system := ""
		for _, m := range req.Messages {
			if m.Role == "system" {
				system = m.Content
				continue
			}
			msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
		}
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        req.MaxOutputTokens,
			"temperature":       req.Temperature,
			"messages":          msgs,
		}
		if system != "" {
			body["system"] = system
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": flattenMessages(req.Messages),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": req.MaxOutputTokens,
				"temperature":   req.Temperature,
			},
		}, nil
	case "meta":
		return map[string]interface{}{
			"prompt":      flattenMessages(req.Messages),
			"max_gen_len": req.MaxOutputTokens,
			"temperature": req.Temperature,
		}, nil
	case "mistral":
		return map[string]interface{}{
			"prompt":      flattenMessages(req.Messages),
			"max_tokens":  req.MaxOutputTokens,
			"temperature": req.Temperature,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bedrock model family in %q", req.Model)
	}
}

func parseBedrockResponse(body []byte, family string) (*Result, error) {
	switch family {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		text := ""
		if len(resp.Content) > 0 {
			text = resp.Content[0].Text
		}
		return &Result{
			Text:         text,
			Raw:          body,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}, nil
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		text := ""
		outputTokens := 0
		if len(resp.Results) > 0 {
			text = resp.Results[0].OutputText
			outputTokens = resp.Results[0].TokenCount
		}
		return &Result{
			Text:         text,
			Raw:          body,
			InputTokens:  resp.InputTextTokenCount,
			OutputTokens: outputTokens,
		}, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return &Result{
			Text:         resp.Generation,
			Raw:          body,
			InputTokens:  resp.PromptTokenCount,
			OutputTokens: resp.GenTokenCount,
		}, nil
	case "mistral":
		// Mistral on Bedrock reports no token counts.
		var resp struct {
			Outputs []struct {
				Text string `json:"text"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		text := ""
		if len(resp.Outputs) > 0 {
			text = resp.Outputs[0].Text
		}
		return &Result{Text: text, Raw: body}, nil
	default:
		return nil, fmt.Errorf("unsupported bedrock model family")
	}
}

// Complete implements Adapter.
func (b *BedrockAdapter) Complete(ctx context.Context, req Request) (*Result, error) {
	family := bedrockModelFamily(req.Model)
	if family == "" {
		return nil, fmt.Errorf("unsupported bedrock model family in %q", req.Model)
	}

	requestBody, err := b.buildRequestBody(req, family)
	if err != nil {
		return nil, err
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock API error: %w", err)
	}

	return parseBedrockResponse(output.Body, family)
}

var _ Adapter = (*BedrockAdapter)(nil)
