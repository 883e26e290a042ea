// Package docs supplies the background context the composer grounds posts
// in. Primary source is the protocol documentation page fetched over HTTP
// and cached; when that is not configured or not reachable the built-in
// fact sheet serves instead. A cycle never fails for lack of docs.
package docs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"herald/pkg/cache"
	"herald/pkg/config"
	"herald/pkg/logging"
)

// maxDocBytes caps how much of a fetched page is kept. Prompts do not need
// a whole manual.
const maxDocBytes = 16 * 1024

// builtinFacts is the offline fact sheet. Kept current by hand; it is the
// floor of what the bot knows, not the ceiling.
var builtinFacts = []string{
	"The protocol lets holders lock tokens permanently in exchange for a liquid staked token.",
	"The liquid token trades freely while the locked position keeps earning protocol rewards.",
	"Rewards are harvested and compounded automatically, no user action needed.",
	"The peg between the liquid token and the native token is supported by protocol-owned liquidity.",
	"Staking yield comes from real protocol fee revenue, not emissions.",
	"Locked tokens vote in governance through the protocol's own voter.",
}

type Source struct {
	url    string
	client *http.Client
	cache  *cache.Cache
	logger logging.Logger
}

func NewSource(logger logging.Logger) *Source {
	return NewSourceWithURL(config.GetEnv("DOCS_URL", ""), logger)
}

func NewSourceWithURL(url string, logger logging.Logger) *Source {
	return &Source{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		cache: cache.New(cache.Options{
			TTL:                  config.GetEnvDuration("DOCS_CACHE_TTL", 6*time.Hour),
			StaleWhileRevalidate: time.Hour,
			MaxEntries:           2,
		}, cache.MetricsHooks{}),
		logger: logger,
	}
}

// Context returns the grounding text for prompts: the fetched docs page if
// available, otherwise the built-in facts. Never returns empty.
func (s *Source) Context(ctx context.Context) string {
	if s.url == "" {
		return Facts()
	}

	val, ok, err := s.cache.Get(ctx, s.url, func(ctx context.Context, key string) (interface{}, bool, error) {
		text, err := s.fetch(ctx, key)
		if err != nil {
			return nil, false, err
		}
		return text, true, nil
	})
	if err != nil || !ok {
		s.logger.WithError(err).Debug("Docs fetch unavailable, using built-in facts")
		return Facts()
	}
	return val.(string)
}

func (s *Source) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build docs request: %w", err)
	}
	req.Header.Set("Accept", "text/plain, text/markdown, text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch docs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("docs fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocBytes))
	if err != nil {
		return "", fmt.Errorf("read docs body: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "", fmt.Errorf("docs page is empty")
	}
	return text, nil
}

// Facts returns the built-in fact sheet as one prompt-ready block.
func Facts() string {
	return "- " + strings.Join(builtinFacts, "\n- ")
}
