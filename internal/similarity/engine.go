// Package similarity decides whether a candidate post is too close to what
// has already been published. Three deterministic signals (structural
// patterns, word overlap, near-duplicate signature distance) plus an
// optional LLM judgment that is advisory only.
package similarity

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"herald/pkg/config"
	"herald/pkg/llm"
	"herald/pkg/logging"

	"herald/internal/textnorm"
)

// Config carries the similarity thresholds. The defaults are empirically
// tuned against real output samples; treat them as starting points.
type Config struct {
	// RecentJaccard is the word-overlap rejection threshold against the
	// recent window for informal content.
	RecentJaccard float64
	// RecentJaccardLoose is the (more tolerant) threshold for
	// informational content, which legitimately reuses stat vocabulary.
	RecentJaccardLoose float64
	// HistoryUnigram and HistoryBigram are the Jaccard thresholds for the
	// full-log sweep.
	HistoryUnigram float64
	HistoryBigram  float64
	// HistoryHamming is the maximum signature distance (out of 32 bits)
	// still considered a near-duplicate.
	HistoryHamming int
	// Lookback caps how many log entries the history sweep visits.
	Lookback int
}

// DefaultConfig returns the tuned default thresholds.
func DefaultConfig() Config {
	return Config{
		RecentJaccard:      0.32,
		RecentJaccardLoose: 0.38,
		HistoryUnigram:     0.82,
		HistoryBigram:      0.72,
		HistoryHamming:     6,
		Lookback:           120,
	}
}

// LoadConfig reads threshold overrides from the environment, falling back
// to the defaults.
func LoadConfig() Config {
	def := DefaultConfig()
	return Config{
		RecentJaccard:      config.GetEnvFloat("SIMILARITY_RECENT_JACCARD", def.RecentJaccard),
		RecentJaccardLoose: config.GetEnvFloat("SIMILARITY_RECENT_JACCARD_LOOSE", def.RecentJaccardLoose),
		HistoryUnigram:     config.GetEnvFloat("SIMILARITY_HISTORY_UNIGRAM", def.HistoryUnigram),
		HistoryBigram:      config.GetEnvFloat("SIMILARITY_HISTORY_BIGRAM", def.HistoryBigram),
		HistoryHamming:     config.GetEnvInt("SIMILARITY_HISTORY_HAMMING", def.HistoryHamming),
		Lookback:           config.GetEnvInt("SIMILARITY_LOOKBACK", def.Lookback),
	}
}

// structuralPatterns encode formulaic constructions the generator falls
// into. Two or more shared matches between candidate and a prior post means
// the same template, regardless of literal word overlap.
var structuralPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\d[\d.,]*\s*[km]?\s*(tokens?|aero)?\s*(locked|staked)\b`),
	regexp.MustCompile(`(?i)\b(apy|apr|yield)\b.*\b\d[\d.]*\s*%`),
	regexp.MustCompile(`(?i)\b(tvl|total value locked)\b`),
	regexp.MustCompile(`(?i)\b(join|check|visit|try|see)\b.*\b(now|today|out)\b`),
	regexp.MustCompile(`(?i)\bpeg\b.*\b(hold|strong|stable|tight)`),
	regexp.MustCompile(`(?i)\b(gm|ser|anon|wagmi|lfg|fren)\b`),
	regexp.MustCompile(`(?i)(still|keeps?|continues?)\s+(growing|climbing|building|earning)`),
}

const minComparableTokens = 3

type Engine struct {
	cfg    Config
	llm    llm.Provider
	logger logging.Logger
}

// New builds an engine. provider may be nil; the deep check is then skipped.
func New(cfg Config, provider llm.Provider, logger logging.Logger) *Engine {
	return &Engine{cfg: cfg, llm: provider, logger: logger}
}

// TooSimilar reports whether candidate is too close to any text in the
// recent window, using the structural and word-overlap signals. loose
// selects the informational-mode overlap threshold.
func (e *Engine) TooSimilar(candidate string, recent []string, loose bool) bool {
	threshold := e.cfg.RecentJaccard
	if loose {
		threshold = e.cfg.RecentJaccardLoose
	}

	candTokens := tokenSet(textnorm.Tokens(candidate))
	candPatterns := matchedPatterns(candidate)

	for _, prior := range recent {
		if sharedPatterns(candPatterns, matchedPatterns(prior)) >= 2 {
			return true
		}
		if len(candTokens) < minComparableTokens {
			continue
		}
		priorTokens := tokenSet(textnorm.Tokens(prior))
		if len(priorTokens) < minComparableTokens {
			continue
		}
		if jaccard(candTokens, priorTokens) > threshold {
			return true
		}
	}
	return false
}

// TooSimilarToHistory sweeps the full published log (bounded by Lookback)
// with the stronger signals: unigram Jaccard, bigram Jaccard, and signature
// Hamming distance. Any one tripping rejects the candidate. This is what
// catches restatements that only change a statistic.
func (e *Engine) TooSimilarToHistory(candidate string, log []string) bool {
	candUni := tokenSet(textnorm.Tokens(candidate))
	candBi := tokenSet(textnorm.Bigrams(candidate))
	candSig := textnorm.Signature(candidate)

	window := log
	if e.cfg.Lookback > 0 && len(window) > e.cfg.Lookback {
		window = window[len(window)-e.cfg.Lookback:]
	}

	for _, prior := range window {
		if len(candUni) >= minComparableTokens {
			priorUni := tokenSet(textnorm.Tokens(prior))
			if len(priorUni) >= minComparableTokens && jaccard(candUni, priorUni) >= e.cfg.HistoryUnigram {
				return true
			}
		}
		if len(candBi) > 0 {
			priorBi := tokenSet(textnorm.Bigrams(prior))
			if len(priorBi) > 0 && jaccard(candBi, priorBi) >= e.cfg.HistoryBigram {
				return true
			}
		}
		if textnorm.HammingDistance(candSig, textnorm.Signature(prior)) <= e.cfg.HistoryHamming {
			return true
		}
	}
	return false
}

const deepCheckPrompt = `You review social media drafts for repetitiveness.
Given a draft and recent posts, answer with exactly YES if the draft says
essentially the same thing as any recent post, or NO otherwise.`

// DeepCheck asks the LLM whether candidate repeats any of the samples. It
// is layered on top of the deterministic checks and fails open: any backend
// error, absence, or unparseable answer reports "not similar" so a transient
// outage never blocks publishing.
func (e *Engine) DeepCheck(ctx context.Context, candidate string, samples []string) bool {
	if e.llm == nil {
		return false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Draft:\n%s\n\nRecent posts:\n", candidate)
	for _, s := range samples {
		fmt.Fprintf(&b, "- %s\n", s)
	}

	stream, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: deepCheckPrompt},
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		e.logger.WithError(err).Debug("Similarity deep check unavailable, failing open")
		return false
	}
	answer, err := llm.Collect(stream)
	if err != nil {
		e.logger.WithError(err).Debug("Similarity deep check failed mid-stream, failing open")
		return false
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "YES")
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func matchedPatterns(text string) []int {
	var matched []int
	for i, p := range structuralPatterns {
		if p.MatchString(text) {
			matched = append(matched, i)
		}
	}
	return matched
}

func sharedPatterns(a, b []int) int {
	set := make(map[int]struct{}, len(a))
	for _, i := range a {
		set[i] = struct{}{}
	}
	shared := 0
	for _, i := range b {
		if _, ok := set[i]; ok {
			shared++
		}
	}
	return shared
}
