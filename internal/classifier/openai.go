package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/daviddao/smail/internal/types"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const systemPrompt = "You are a phishing detection system. Respond only with JSON."

const promptFormat = `Analyze the following email text and estimate the probability that it is a phishing attempt
(credential harvesting, fake invoices, impersonation, malicious links).
Respond with a JSON object containing:
- phishing_probability: number between 0 and 1
- reason: one short sentence explaining the main signal

Email:
%s

Respond only with the JSON object and nothing else.`

// llmReply is the JSON object the LLM backends are asked to produce.
type llmReply struct {
	Probability float64 `json:"phishing_probability"`
	Reason      string  `json:"reason"`
}

func parseReply(text string, threshold float64) (*types.Classification, error) {
	var reply llmReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		span, xerr := extractJSON(text)
		if xerr != nil {
			return nil, xerr
		}
		if err := json.Unmarshal([]byte(span), &reply); err != nil {
			return nil, fmt.Errorf("%w: parse reply: %w", ErrInvalidResponse, err)
		}
	}
	return FromProbability(reply.Probability, threshold, reply.Reason)
}

// OpenAIClient classifies with an OpenAI chat model.
type OpenAIClient struct {
	client      *openai.Client
	modelName   string
	maxTokens   int
	temperature float32
	topP        float32
	maxBodySize int
	threshold   float64
	logger      *zap.Logger
}

// NewOpenAIClient creates a new OpenAI client. baseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIClient(apiKey, baseURL, modelName string, maxTokens int, temperature, topP float32, maxBodySize int, threshold float64, logger *zap.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		modelName:   modelName,
		maxTokens:   maxTokens,
		temperature: temperature,
		topP:        topP,
		maxBodySize: maxBodySize,
		threshold:   threshold,
		logger:      logger,
	}
}

// Classify asks the model for a phishing probability.
func (c *OpenAIClient) Classify(ctx context.Context, text string) (*types.Classification, error) {
	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(promptFormat, truncate(text, c.maxBodySize))},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
			apiErr.HTTPStatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: openai: %w", ErrInvalidResponse, err)
		}
		return nil, fmt.Errorf("%w: openai: %w", ErrServiceUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response from OpenAI", ErrInvalidResponse)
	}

	content := resp.Choices[0].Message.Content
	c.logger.Debug("openai reply", zap.String("id", resp.ID), zap.Int("length", len(content)))
	return parseReply(content, c.threshold)
}
