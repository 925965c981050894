// Package websearch runs web_search jobs against a SearxNG-compatible JSON
// search endpoint.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskcore/internal/handlers"
)

const (
	JobType      = "web_search"
	defaultLimit = 5
	maxLimit     = 10
)

type Searcher struct {
	Endpoint string
	Client   *http.Client
}

func New(endpoint string, timeout time.Duration) *Searcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Searcher{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *Searcher) Validate(payload map[string]any) error {
	if strings.TrimSpace(handlers.StringParam(payload, "query")) == "" {
		return errors.New("web_search job requires query")
	}
	return nil
}

func (s *Searcher) Execute(ctx context.Context, payload map[string]any) handlers.Outcome {
	if err := s.Validate(payload); err != nil {
		return handlers.Fatal(err)
	}
	query := strings.TrimSpace(handlers.StringParam(payload, "query"))
	limit := handlers.IntParam(payload, "limit", defaultLimit)
	limit = max(1, min(limit, maxLimit))

	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return handlers.Fatal(fmt.Errorf("invalid search endpoint: %w", err))
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return handlers.Fatal(fmt.Errorf("failed to create search request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return handlers.Retryable(fmt.Errorf("search request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return handlers.Retryable(fmt.Errorf("search endpoint returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return handlers.Fatal(fmt.Errorf("search endpoint returned HTTP %d", resp.StatusCode))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return handlers.Retryable(fmt.Errorf("decode search response: %w", err))
	}

	results := make([]any, 0, limit)
	for _, r := range sr.Results {
		if len(results) == limit {
			break
		}
		results = append(results, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"snippet": r.Content,
		})
	}
	return handlers.Success(map[string]any{
		"query":   query,
		"results": results,
	})
}
