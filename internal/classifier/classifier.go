// Package classifier scores message text as phishing or safe using an
// external AI service.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/daviddao/smail/internal/types"
	"golang.org/x/time/rate"
)

// DefaultThreshold is the phishing probability at or above which a message
// is flagged.
const DefaultThreshold = 0.70

var (
	// ErrServiceUnavailable means the service could not be reached or
	// failed server-side. The message should be retried on a later pass.
	ErrServiceUnavailable = errors.New("classification service unavailable")

	// ErrInvalidResponse means the service answered with something that is
	// not a usable verdict.
	ErrInvalidResponse = errors.New("invalid classification response")
)

// Client classifies message text.
type Client interface {
	Classify(ctx context.Context, text string) (*types.Classification, error)
}

// FromProbability converts a phishing probability into a classification.
// Confidence is the probability of the predicted class as a percentage.
func FromProbability(p, threshold float64, reason string) (*types.Classification, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return nil, fmt.Errorf("%w: probability %v out of range", ErrInvalidResponse, p)
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}

	c := &types.Classification{Verdict: types.VerdictSafe, Reason: reason}
	conf := 1 - p
	if p >= threshold {
		c.Verdict = types.VerdictPhishing
		conf = p
	}
	c.Confidence = int(math.Round(conf * 100))
	return c, nil
}

// Validate checks a classification returned by a service.
func Validate(c *types.Classification) error {
	if c == nil {
		return fmt.Errorf("%w: empty result", ErrInvalidResponse)
	}
	if !c.Verdict.IsValid() {
		return fmt.Errorf("%w: unknown verdict %q", ErrInvalidResponse, c.Verdict)
	}
	if c.Confidence < 0 || c.Confidence > 100 {
		return fmt.Errorf("%w: confidence %d out of range", ErrInvalidResponse, c.Confidence)
	}
	return nil
}

// extractJSON returns the outermost {...} span of an LLM reply.
func extractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrInvalidResponse)
	}
	return text[start : end+1], nil
}

func truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n[... truncated ...]"
}

// Limited throttles calls to another client.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

// NewLimited wraps next with a token-bucket limiter.
func NewLimited(next Client, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Classify waits for a token and then delegates.
func (l *Limited) Classify(ctx context.Context, text string) (*types.Classification, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %w", ErrServiceUnavailable, err)
	}
	return l.next.Classify(ctx, text)
}

// Close closes the wrapped client.
func (l *Limited) Close() error {
	return Close(l.next)
}

// Close releases c if it holds resources, as the Gemini client does.
func Close(c Client) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
