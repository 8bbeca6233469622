package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider returns a fraud probability in [0, 1] for a feature vector.
// Implementations must return promptly once ctx is done.
type Provider interface {
	Predict(ctx context.Context, features []float64) (float64, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, features []float64) (float64, error)

func (f ProviderFunc) Predict(ctx context.Context, features []float64) (float64, error) {
	return f(ctx, features)
}

// StaticProvider always returns Score, or Err when set.
type StaticProvider struct {
	Score float64
	Err   error
}

func (p StaticProvider) Predict(context.Context, []float64) (float64, error) {
	if p.Err != nil {
		return 0, p.Err
	}
	return p.Score, nil
}

// HTTPProvider calls a model server that accepts
// {"features": [...]} and answers {"score": 0.42}.
type HTTPProvider struct {
	url    string
	client *http.Client
}

// NewHTTPProvider creates a provider posting to url.
func NewHTTPProvider(url string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Score *float64 `json:"score"`
}

func (p *HTTPProvider) Predict(ctx context.Context, features []float64) (float64, error) {
	body, err := json.Marshal(predictRequest{Features: features})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("model returned status %d", resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode model response: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("model response missing score")
	}
	if *out.Score < 0 || *out.Score > 1 {
		return 0, fmt.Errorf("model score %v out of range", *out.Score)
	}
	return *out.Score, nil
}
