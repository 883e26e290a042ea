// Package bot ties the pipeline together: the per-cycle candidate
// selection loop and the long-running scheduler around it.
package bot

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"herald/pkg/logging"

	"herald/internal/compose"
	"herald/internal/memory"
	"herald/internal/publish"
	"herald/internal/similarity"
	"herald/internal/stats"
)

// cycleState is one step of the candidate selection machine. Each cycle
// walks SELECT -> GENERATE -> CHECK_HASH -> CHECK_SIMILARITY and ends in
// ACCEPT, another attempt via RETRY, or EXHAUSTED once the budget is spent.
type cycleState int

const (
	stateSelect cycleState = iota
	stateGenerate
	stateCheckHash
	stateCheckSimilarity
	stateAccept
	stateRetry
	stateExhausted
)

// Attempt budgets per mode. Informational gets one more try because its
// vocabulary overlaps itself so much.
const (
	informationalBudget = 5
	informalBudget      = 4
)

const recentWindow = 20

// Metrics are the pipeline counters, all optional. The published counter
// lives with the publisher, which owns that outcome.
type Metrics struct {
	Rejected  *prometheus.CounterVec // signal
	Skipped   *prometheus.CounterVec // reason
	Fallbacks *prometheus.CounterVec // mode
}

type Loop struct {
	gen       *compose.Generator
	engine    *similarity.Engine
	store     *memory.Store
	publisher *publish.Publisher
	source    *stats.Source
	metrics   Metrics
	logger    logging.Logger
}

func NewLoop(gen *compose.Generator, engine *similarity.Engine, store *memory.Store, publisher *publish.Publisher, source *stats.Source, metrics Metrics, logger logging.Logger) *Loop {
	return &Loop{
		gen:       gen,
		engine:    engine,
		store:     store,
		publisher: publisher,
		source:    source,
		metrics:   metrics,
		logger:    logger,
	}
}

// RunCycle drives one publish cycle in the given mode. A (nil, nil) return
// means the cycle was legitimately skipped: rate limit, refused mode, or a
// fallback that memory already held.
func (l *Loop) RunCycle(ctx context.Context, mode compose.Mode) (*publish.Post, error) {
	budget := informalBudget
	if mode == compose.ModeInformational {
		budget = informationalBudget
	}

	snap := l.source.Snapshot(ctx)

	var (
		state     = stateSelect
		attempt   int
		topic     string
		style     string
		candidate string
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch state {
		case stateSelect:
			topic = l.gen.PickTopic(mode)
			style = l.gen.PickStyle(mode)
			state = stateGenerate

		case stateGenerate:
			text, err := l.gen.Generate(ctx, mode, topic, style, snap, l.store.RecentTexts(recentWindow))
			switch {
			case errors.Is(err, compose.ErrInvalidSnapshot):
				// The mode itself refused; nothing to post this cycle.
				l.logger.Warn("Informational cycle skipped, stats snapshot invalid")
				l.skip("invalid_stats")
				return nil, nil
			case err != nil:
				l.logger.WithError(err).WithField("attempt", attempt+1).Debug("Generation failed")
				state = stateRetry
			case text == "":
				state = stateRetry
			default:
				candidate = text
				state = stateCheckHash
			}

		case stateCheckHash:
			if l.store.Contains(candidate) {
				l.reject("hash", candidate)
				state = stateRetry
			} else {
				state = stateCheckSimilarity
			}

		case stateCheckSimilarity:
			recent := l.store.RecentTexts(recentWindow)
			loose := mode == compose.ModeInformational
			switch {
			case l.engine.TooSimilar(candidate, recent, loose):
				l.reject("recent_overlap", candidate)
				state = stateRetry
			case l.engine.TooSimilarToHistory(candidate, l.store.AllTexts()):
				l.reject("history", candidate)
				state = stateRetry
			case l.engine.DeepCheck(ctx, candidate, recent):
				l.reject("deep_check", candidate)
				state = stateRetry
			default:
				state = stateAccept
			}

		case stateAccept:
			post, err := l.publisher.Publish(ctx, candidate, string(mode), topic)
			if errors.Is(err, publish.ErrRepeat) {
				// Memory can gain the hash between our checks and the
				// publisher's gate: timeline seeding runs concurrently,
				// and publish trims the candidate before hashing.
				l.reject("publish_gate", candidate)
				state = stateRetry
				continue
			}
			return post, err

		case stateRetry:
			attempt++
			if attempt >= budget {
				state = stateExhausted
			} else {
				// Fresh topic and style for the next attempt.
				state = stateSelect
			}

		case stateExhausted:
			if l.metrics.Fallbacks != nil {
				l.metrics.Fallbacks.WithLabelValues(string(mode)).Inc()
			}
			l.logger.WithFields(logging.Fields{
				"mode":     string(mode),
				"attempts": attempt,
			}).Info("Attempt budget exhausted, using local fallback")

			text := l.gen.Fallback(mode, topic, snap, l.store.Contains)
			post, err := l.publisher.Publish(ctx, text, string(mode), topic)
			if errors.Is(err, publish.ErrRepeat) {
				// Even the fallback repeats history; let this cycle go.
				l.skip("fallback_repeat")
				return nil, nil
			}
			return post, err
		}
	}
}

func (l *Loop) reject(signal, candidate string) {
	if l.metrics.Rejected != nil {
		l.metrics.Rejected.WithLabelValues(signal).Inc()
	}
	l.logger.WithFields(logging.Fields{
		"signal":    signal,
		"candidate": candidate,
	}).Debug("Candidate rejected")
}

func (l *Loop) skip(reason string) {
	if l.metrics.Skipped != nil {
		l.metrics.Skipped.WithLabelValues(reason).Inc()
	}
}
