// Package publish pushes accepted candidates to the social platform and
// owns the final gate: nothing goes out that the memory store or history
// sweep would call a repeat.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"herald/pkg/clients"
	"herald/pkg/config"
	"herald/pkg/logging"
)

// Sentinel outcomes the publisher branches on. Everything else is either
// transient (retried) or terminal for the cycle.
var (
	ErrRateLimited = errors.New("platform rate limit hit")
	ErrDuplicate   = errors.New("platform rejected duplicate content")
)

// Post is a published post as acknowledged by the platform.
type Post struct {
	ID   string
	Text string
}

// Client is the platform surface the publisher needs.
type Client interface {
	CreatePost(ctx context.Context, text string) (Post, error)
	RecentTimeline(ctx context.Context, limit int) ([]string, error)
}

// ClientConfig locates the platform API.
type ClientConfig struct {
	BaseURL     string
	BearerToken string
	UserID      string
}

// LoadClientConfig reads the platform configuration from the environment.
func LoadClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:     config.GetEnv("PLATFORM_API_URL", "https://api.twitter.com"),
		BearerToken: config.GetEnv("PLATFORM_BEARER_TOKEN", ""),
		UserID:      config.GetEnv("PLATFORM_USER_ID", ""),
	}
}

// Configured reports whether enough is present to talk to the platform.
func (c ClientConfig) Configured() bool {
	return c.BearerToken != ""
}

// HTTPClient talks to a v2-tweets-shaped JSON API with a bearer token.
type HTTPClient struct {
	cfg    ClientConfig
	http   *http.Client
	retry  clients.RetryConfig
	logger logging.Logger
}

func NewHTTPClient(cfg ClientConfig, logger logging.Logger) *HTTPClient {
	retry := clients.DefaultRetryConfig()
	// Rate limits and duplicate rejections must surface immediately; only
	// transport failures and server errors are worth retrying here.
	retry.RetryFunc = func(resp *http.Response, err error) bool {
		if err != nil {
			return true
		}
		return resp != nil && resp.StatusCode >= 500
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		retry:  retry,
		logger: logger,
	}
}

type createPostRequest struct {
	Text string `json:"text"`
}

type postData struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type createPostResponse struct {
	Data postData `json:"data"`
}

type timelineResponse struct {
	Data []postData `json:"data"`
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type apiErrorResponse struct {
	Errors []apiError `json:"errors"`
	Title  string     `json:"title"`
	Detail string     `json:"detail"`
}

// CreatePost submits text and classifies the platform's answer: 429 maps
// to ErrRateLimited, a duplicate-content 403 to ErrDuplicate, any other
// non-2xx to a plain error.
func (c *HTTPClient) CreatePost(ctx context.Context, text string) (Post, error) {
	body, err := json.Marshal(createPostRequest{Text: text})
	if err != nil {
		return Post{}, fmt.Errorf("encode post request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return Post{}, fmt.Errorf("build post request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := clients.DoWithRetry(ctx, c.http, req, c.retry)
	if err != nil {
		return Post{}, fmt.Errorf("create post: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var out createPostResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return Post{}, fmt.Errorf("decode post response: %w", err)
		}
		return Post{ID: out.Data.ID, Text: out.Data.Text}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Post{}, ErrRateLimited
	case resp.StatusCode == http.StatusForbidden && isDuplicateError(respBody):
		return Post{}, ErrDuplicate
	default:
		return Post{}, fmt.Errorf("create post: platform returned status %d: %s", resp.StatusCode, summarizeError(respBody))
	}
}

// RecentTimeline fetches the account's latest published texts, used to seed
// the memory store on startup.
func (c *HTTPClient) RecentTimeline(ctx context.Context, limit int) ([]string, error) {
	if c.cfg.UserID == "" {
		return nil, fmt.Errorf("platform user id not configured")
	}

	url := fmt.Sprintf("%s/2/users/%s/tweets?max_results=%d", c.cfg.BaseURL, c.cfg.UserID, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build timeline request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)

	resp, err := clients.DoWithRetry(ctx, c.http, req, c.retry)
	if err != nil {
		return nil, fmt.Errorf("fetch timeline: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch timeline: platform returned status %d", resp.StatusCode)
	}

	var out timelineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	texts := make([]string, 0, len(out.Data))
	for _, p := range out.Data {
		texts = append(texts, p.Text)
	}
	return texts, nil
}

func isDuplicateError(body []byte) bool {
	var out apiErrorResponse
	if err := json.Unmarshal(body, &out); err == nil {
		if containsDuplicate(out.Title) || containsDuplicate(out.Detail) {
			return true
		}
		for _, e := range out.Errors {
			if containsDuplicate(e.Title) || containsDuplicate(e.Detail) {
				return true
			}
		}
	}
	return containsDuplicate(string(body))
}

func containsDuplicate(s string) bool {
	return strings.Contains(strings.ToLower(s), "duplicate")
}

func summarizeError(body []byte) string {
	var out apiErrorResponse
	if err := json.Unmarshal(body, &out); err == nil {
		if out.Detail != "" {
			return out.Detail
		}
		if len(out.Errors) > 0 && out.Errors[0].Detail != "" {
			return out.Errors[0].Detail
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
