package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"taskcore/internal/handlers"
)

const (
	JobType         = "web_fetch"
	defaultMaxChars = 12000
	minChars        = 1000
	maxChars        = 50000
	maxBodyBytes    = 2 << 20
	maxRedirects    = 5
)

// Fetcher retrieves a page and returns its (truncated) text body. HTML is
// reduced to its visible text.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	policy    Policy
}

func New(timeout time.Duration) *Fetcher {
	return NewWithPolicy(timeout, DefaultPolicy())
}

func NewWithPolicy(timeout time.Duration, policy Policy) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: policy.control}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	f := &Fetcher{UserAgent: "taskcore-worker/1.0", policy: policy}
	f.Client = &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return policy.checkURL(req.URL)
		},
	}
	return f
}

func (f *Fetcher) Validate(payload map[string]any) error {
	_, err := f.targetURL(payload)
	return err
}

func (f *Fetcher) Execute(ctx context.Context, payload map[string]any) handlers.Outcome {
	target, err := f.targetURL(payload)
	if err != nil {
		return handlers.Fatal(err)
	}
	limit := handlers.IntParam(payload, "max_chars", defaultMaxChars)
	limit = max(minChars, min(limit, maxChars))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return handlers.Fatal(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if errors.Is(err, ErrEgressBlocked) {
		return handlers.Fatal(err)
	}
	if err != nil {
		return handlers.Retryable(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return handlers.Retryable(fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return handlers.Retryable(fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host))
	case resp.StatusCode >= 400:
		return handlers.Fatal(fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host))
	}

	contentType := resp.Header.Get("Content-Type")
	text, title := string(body), ""
	if strings.Contains(strings.ToLower(contentType), "html") || strings.Contains(strings.ToLower(text), "<html") {
		text, title = extractText(text)
	}
	content, truncated := truncateRunes(dropBlankLines(text), limit)
	return handlers.Success(map[string]any{
		"url":          resp.Request.URL.String(),
		"status_code":  resp.StatusCode,
		"title":        title,
		"content_type": contentType,
		"content":      content,
		"truncated":    truncated,
	})
}

func (f *Fetcher) targetURL(payload map[string]any) (string, error) {
	raw := strings.TrimSpace(handlers.StringParam(payload, "url"))
	if raw == "" {
		return "", errors.New("web_fetch job requires url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("url has no host")
	}
	if err := f.policy.checkURL(u); err != nil {
		return "", err
	}
	return u.String(), nil
}

func dropBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func truncateRunes(s string, limit int) (string, bool) {
	if utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:limit]), true
}
