package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"herald/pkg/logging"

	"herald/internal/memory"
	"herald/internal/similarity"
	"herald/internal/textnorm"
)

// MaxPostLength is the platform character ceiling.
const MaxPostLength = 280

// ErrRepeat means the final pre-submission gate caught a candidate that
// repeats published content. The cycle should treat it like any other
// rejection.
var ErrRepeat = errors.New("candidate repeats published content")

const transientRetries = 2

// Publisher is the last stop before the platform: it trims, re-checks the
// candidate against memory, submits, and records the outcome.
type Publisher struct {
	client    Client
	store     *memory.Store
	engine    *similarity.Engine
	published *prometheus.CounterVec // labeled by mode, may be nil
	logger    logging.Logger

	// backoff between transient retries, shrunk in tests
	backoff time.Duration
}

func NewPublisher(client Client, store *memory.Store, engine *similarity.Engine, published *prometheus.CounterVec, logger logging.Logger) *Publisher {
	return &Publisher{
		client:    client,
		store:     store,
		engine:    engine,
		published: published,
		logger:    logger,
		backoff:   2 * time.Second,
	}
}

// Publish submits a candidate. The hash is always computed over exactly the
// text handed to the platform, after trimming.
//
// Outcomes: success and platform-duplicate both record the text as
// published (the platform has it either way) and return a post. A rate
// limit stops the cycle quietly with (nil, nil); the next scheduled cycle
// is the retry. Transient submission errors get a bounded retry before the
// cycle gives up.
func (p *Publisher) Publish(ctx context.Context, text, mode, topic string) (*Post, error) {
	return p.publish(ctx, text, mode, topic, true)
}

// PublishDirect submits with the exact-hash gate only, skipping the history
// similarity sweep. The daily summary uses it: summaries are similar to
// each other on purpose, and the hash check alone decides whether the
// figures actually changed.
func (p *Publisher) PublishDirect(ctx context.Context, text, mode, topic string) (*Post, error) {
	return p.publish(ctx, text, mode, topic, false)
}

func (p *Publisher) publish(ctx context.Context, text, mode, topic string, checkHistory bool) (*Post, error) {
	text = textnorm.Truncate(text, MaxPostLength)
	hash := textnorm.ContentHash(text)

	if p.store.ContainsHash(hash) {
		return nil, fmt.Errorf("%w: exact hash match", ErrRepeat)
	}
	if checkHistory && p.engine.TooSimilarToHistory(text, p.store.AllTexts()) {
		return nil, fmt.Errorf("%w: history similarity", ErrRepeat)
	}

	var lastErr error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		post, err := p.client.CreatePost(ctx, text)
		switch {
		case err == nil:
			p.record(text, mode, topic)
			if p.published != nil {
				p.published.WithLabelValues(mode).Inc()
			}
			p.logger.WithFields(logging.Fields{
				"post_id": post.ID,
				"mode":    mode,
				"hash":    hash,
			}).Info("Post published")
			return &post, nil

		case errors.Is(err, ErrRateLimited):
			p.logger.Warn("Platform rate limit hit, deferring to next cycle")
			return nil, nil

		case errors.Is(err, ErrDuplicate):
			// The platform has seen this text even though we had not;
			// remember it so we stop offering it.
			p.record(text, mode, topic)
			p.logger.WithField("hash", hash).Info("Platform reported duplicate, recorded as published")
			return &Post{Text: text}, nil

		default:
			lastErr = err
			p.logger.WithError(err).WithField("attempt", attempt+1).Warn("Post submission failed")
		}
	}
	return nil, fmt.Errorf("publish after %d attempts: %w", transientRetries+1, lastErr)
}

// record updates memory and flushes it synchronously. Losing the flush
// would mean re-offering this text after a restart.
func (p *Publisher) record(text, mode, topic string) {
	p.store.RecordPublished(text, mode, topic)
	if err := p.store.Save(); err != nil {
		p.logger.WithError(err).Error("Failed to persist published post memory")
	}
}
