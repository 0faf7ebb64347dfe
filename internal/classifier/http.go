package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/daviddao/smail/internal/types"
	"go.uber.org/zap"
)

// HTTPClient calls a JSON classification service.
//
// Request:  {"text": "..."}
// Response: {"verdict": "phishing"|"safe", "confidence": 0..100, "reason": "..."}
// or:       {"phishing_probability": 0..1, "reason": "..."}
type HTTPClient struct {
	url         string
	apiKey      string
	threshold   float64
	maxBodySize int
	httpClient  *http.Client
	logger      *zap.Logger
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Verdict     string   `json:"verdict"`
	Confidence  *float64 `json:"confidence"`
	Probability *float64 `json:"phishing_probability"`
	Reason      string   `json:"reason"`
}

// NewHTTPClient creates a client for the service at url.
func NewHTTPClient(url, apiKey string, timeout time.Duration, threshold float64, maxBodySize int, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		url:         url,
		apiKey:      apiKey,
		threshold:   threshold,
		maxBodySize: maxBodySize,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// Classify sends text to the service.
func (c *HTTPClient) Classify(ctx context.Context, text string) (*types.Classification, error) {
	b, err := json.Marshal(classifyRequest{Text: truncate(text, c.maxBodySize)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, bytes.TrimSpace(body))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidResponse, err)
	}

	if out.Verdict == "" && out.Probability != nil {
		return FromProbability(*out.Probability, c.threshold, out.Reason)
	}
	if out.Confidence == nil {
		return nil, fmt.Errorf("%w: missing confidence", ErrInvalidResponse)
	}

	result := &types.Classification{
		Verdict:    types.Verdict(out.Verdict),
		Confidence: int(*out.Confidence + 0.5),
		Reason:     out.Reason,
	}
	if err := Validate(result); err != nil {
		c.logger.Debug("rejected classification", zap.String("verdict", out.Verdict), zap.Error(err))
		return nil, err
	}
	return result, nil
}
