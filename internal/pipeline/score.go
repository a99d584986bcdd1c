package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ScoreRequest asks the recognition service to check a photo against keywords.
type ScoreRequest struct {
	ImageURL  string   `json:"imageUrl"`
	Keywords  []string `json:"keywords"`
	Threshold float64  `json:"threshold"`
}

// ScoreResponse is the recognition service's verdict.
type ScoreResponse struct {
	Success         bool     `json:"success"`
	MatchedKeywords []string `json:"matchedKeywords"`
	Description     string   `json:"description"`
	Suggestions     []string `json:"suggestions,omitempty"`
}

// Scorer is the image recognition client.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error)
}

// HTTPScorer calls a recognition service over JSON/HTTP.
type HTTPScorer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPScorer creates a scorer for baseURL. The per-call deadline comes from
// the caller's context, so the client itself has only a generous safety timeout.
func NewHTTPScorer(baseURL, apiKey string) *HTTPScorer {
	return &HTTPScorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: time.Minute},
	}
}

func (s *HTTPScorer) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ScoreError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(msg)))}
	}

	var out ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ScoreError{Err: fmt.Errorf("decode score response: %w", err)}
	}
	return &out, nil
}
