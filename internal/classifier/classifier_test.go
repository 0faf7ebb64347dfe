package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/daviddao/smail/internal/config"
	"github.com/daviddao/smail/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFromProbability(t *testing.T) {
	tests := []struct {
		p       float64
		verdict types.Verdict
		conf    int
	}{
		{0.92, types.VerdictPhishing, 92},
		{0.70, types.VerdictPhishing, 70},
		{0.69, types.VerdictSafe, 31},
		{0.12, types.VerdictSafe, 88},
		{0, types.VerdictSafe, 100},
		{1, types.VerdictPhishing, 100},
	}
	for _, tt := range tests {
		c, err := FromProbability(tt.p, DefaultThreshold, "r")
		require.NoError(t, err)
		assert.Equal(t, tt.verdict, c.Verdict, "p=%v", tt.p)
		assert.Equal(t, tt.conf, c.Confidence, "p=%v", tt.p)
	}

	_, err := FromProbability(1.2, DefaultThreshold, "")
	assert.ErrorIs(t, err, ErrInvalidResponse)
	_, err = FromProbability(-0.1, DefaultThreshold, "")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestParseReply(t *testing.T) {
	c, err := parseReply(`{"phishing_probability": 0.9, "reason": "spoofed bank domain"}`, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPhishing, c.Verdict)
	assert.Equal(t, "spoofed bank domain", c.Reason)

	c, err = parseReply("Sure! ```json\n{\"phishing_probability\": 0.05, \"reason\": \"newsletter\"}\n```", DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictSafe, c.Verdict)
	assert.Equal(t, 95, c.Confidence)

	_, err = parseReply("I cannot help with that.", DefaultThreshold)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestHTTPClient_Verdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "verify your account now", req.Text)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"verdict":"phishing","confidence":92,"reason":"urgent credential request"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", time.Second, DefaultThreshold, 0, zap.NewNop())
	got, err := c.Classify(context.Background(), "verify your account now")
	require.NoError(t, err)
	assert.Equal(t, &types.Classification{Verdict: types.VerdictPhishing, Confidence: 92, Reason: "urgent credential request"}, got)
}

func TestHTTPClient_Probability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"phishing_probability":0.12}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second, DefaultThreshold, 0, zap.NewNop())
	got, err := c.Classify(context.Background(), "lunch tomorrow?")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictSafe, got.Verdict)
	assert.Equal(t, 88, got.Confidence)
}

func TestHTTPClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusBadGateway, "", ErrServiceUnavailable},
		{"throttled", http.StatusTooManyRequests, "", ErrServiceUnavailable},
		{"bad request", http.StatusBadRequest, "text too long", ErrInvalidResponse},
		{"garbage", http.StatusOK, "<html>", ErrInvalidResponse},
		{"unknown verdict", http.StatusOK, `{"verdict":"spam","confidence":50}`, ErrInvalidResponse},
		{"confidence out of range", http.StatusOK, `{"verdict":"safe","confidence":140}`, ErrInvalidResponse},
		{"missing confidence", http.StatusOK, `{"verdict":"safe"}`, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", time.Second, DefaultThreshold, 0, zap.NewNop())
			_, err := c.Classify(context.Background(), "x")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(url, "", time.Second, DefaultThreshold, 0, zap.NewNop())
	_, err := c.Classify(context.Background(), "x")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestOpenAIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"phishing_probability\":0.95,\"reason\":\"lookalike domain\"}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("key", srv.URL+"/v1", "gpt-4o-mini", 100, 0.1, 0.9, 4096, DefaultThreshold, zap.NewNop())
	got, err := c.Classify(context.Background(), "reset your password here")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPhishing, got.Verdict)
	assert.Equal(t, 95, got.Confidence)
	assert.Equal(t, "lookalike domain", got.Reason)
}

func TestOpenAIClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("key", srv.URL+"/v1", "gpt-4o-mini", 100, 0.1, 0.9, 4096, DefaultThreshold, zap.NewNop())
	_, err := c.Classify(context.Background(), "x")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

type countingClient struct {
	calls atomic.Int32
}

func (c *countingClient) Classify(ctx context.Context, text string) (*types.Classification, error) {
	c.calls.Add(1)
	return &types.Classification{Verdict: types.VerdictSafe, Confidence: 90}, nil
}

func TestLimited(t *testing.T) {
	next := &countingClient{}
	l := NewLimited(next, 0.001, 1)

	_, err := l.Classify(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Classify(ctx, "second")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, int32(1), next.calls.Load())
}

type closingClient struct {
	countingClient
	closed bool
}

func (c *closingClient) Close() error {
	c.closed = true
	return nil
}

func TestClose(t *testing.T) {
	inner := &closingClient{}
	require.NoError(t, Close(NewLimited(inner, 1, 1)))
	assert.True(t, inner.closed)

	assert.NoError(t, Close(&countingClient{}))
}

func TestNew(t *testing.T) {
	cfg := config.NewFromViper(config.NewEmptyViper()).Classifier()

	c, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Limited{}, c)

	cfg.RateLimit = 0
	c, err = New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, c)

	cfg.Provider = "openai"
	_, err = New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)

	cfg.Provider = "bedrock"
	_, err = New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc\n[... truncated ...]", truncate("abcdef", 3))

	// "é" is two bytes; a cut inside it backs up to the rune start.
	got := truncate("aébc", 2)
	assert.Equal(t, "a\n[... truncated ...]", got)
	assert.True(t, utf8.ValidString(truncate("héllo wörld", 7)))
}
