package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/daviddao/smail/internal/types"
	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient classifies with a Google Gemini model.
type GeminiClient struct {
	client      *genai.Client
	model       *genai.GenerativeModel
	modelName   string
	maxBodySize int
	threshold   float64
	logger      *zap.Logger
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(ctx context.Context, apiKey, modelName string, maxTokens int, temperature, topP float32, maxBodySize int, threshold float64, logger *zap.Logger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(temperature)
	model.SetTopP(topP)
	model.SetMaxOutputTokens(int32(maxTokens))
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))

	return &GeminiClient{
		client:      client,
		model:       model,
		modelName:   modelName,
		maxBodySize: maxBodySize,
		threshold:   threshold,
		logger:      logger,
	}, nil
}

// Close closes the Gemini client.
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Classify asks the model for a phishing probability.
func (c *GeminiClient) Classify(ctx context.Context, text string) (*types.Classification, error) {
	prompt := fmt.Sprintf(promptFormat, truncate(text, c.maxBodySize))

	resp, err := c.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: %w", ErrServiceUnavailable, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty response from Gemini", ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	c.logger.Debug("gemini reply", zap.String("model", c.modelName), zap.Int("length", sb.Len()))
	return parseReply(sb.String(), c.threshold)
}
