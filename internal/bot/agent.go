package bot

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"herald/pkg/config"
	"herald/pkg/logging"

	"herald/internal/compose"
	"herald/internal/memory"
	"herald/internal/publish"
	"herald/internal/stats"
)

// AgentConfig tunes the scheduler. Zero values fall back to defaults.
type AgentConfig struct {
	MinInterval    time.Duration // lower bound of the random publish interval
	MaxInterval    time.Duration // upper bound
	SummaryHour    int           // UTC hour of the daily summary post
	FlushInterval  time.Duration // periodic memory flush
	SeedLimit      int           // how many timeline posts to seed from
	ReseedInterval time.Duration // periodic timeline re-seed
	InformalBias   float64       // chance of overriding alternation with informal
}

// LoadAgentConfig reads the scheduler tunables from the environment.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		MinInterval:    config.GetEnvDuration("POST_INTERVAL_MIN", 12*time.Hour),
		MaxInterval:    config.GetEnvDuration("POST_INTERVAL_MAX", 24*time.Hour),
		SummaryHour:    config.GetEnvInt("SUMMARY_UTC_HOUR", 16),
		FlushInterval:  config.GetEnvDuration("MEMORY_FLUSH_INTERVAL", 30*time.Minute),
		SeedLimit:      config.GetEnvInt("TIMELINE_SEED_LIMIT", 50),
		ReseedInterval: config.GetEnvDuration("TIMELINE_RESEED_INTERVAL", 6*time.Hour),
		InformalBias:   config.GetEnvFloat("INFORMAL_BIAS", 0.25),
	}
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = 12 * time.Hour
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.SummaryHour < 0 || c.SummaryHour > 23 {
		c.SummaryHour = 16
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Minute
	}
	if c.SeedLimit <= 0 {
		c.SeedLimit = 50
	}
	if c.ReseedInterval <= 0 {
		c.ReseedInterval = 6 * time.Hour
	}
	if c.InformalBias < 0 || c.InformalBias > 1 {
		c.InformalBias = 0.25
	}
	return c
}

const (
	seedBackoffInitial = 15 * time.Minute
	seedBackoffMax     = 4 * time.Hour
)

// Agent owns the lifetime of the bot: startup seeding, the randomized
// publish schedule, the fixed daily summary, and periodic memory flushes.
type Agent struct {
	cfg       AgentConfig
	loop      *Loop
	store     *memory.Store
	source    *stats.Source
	client    publish.Client
	publisher *publish.Publisher
	logger    logging.Logger

	rng      *rand.Rand
	lastMode compose.Mode
}

func NewAgent(cfg AgentConfig, loop *Loop, store *memory.Store, source *stats.Source, client publish.Client, publisher *publish.Publisher, logger logging.Logger) *Agent {
	return &Agent{
		cfg:       cfg.withDefaults(),
		loop:      loop,
		store:     store,
		source:    source,
		client:    client,
		publisher: publisher,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		lastMode:  compose.ModeInformal,
	}
}

// Run drives the agent until ctx is cancelled. A panic anywhere in the
// schedule flushes memory and takes the process down; restarting with a
// stale memory would mean reposting.
func (a *Agent) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			if err := a.store.Save(); err != nil {
				a.logger.WithError(err).Error("Failed to flush memory after panic")
			}
			a.logger.WithField("panic", fmt.Sprint(r)).Fatal("Agent panicked")
		}
	}()

	if err := a.store.Load(); err != nil {
		a.logger.WithError(err).Error("Failed to load post memory, starting empty")
	}

	seeded := a.trySeed(ctx)
	if !seeded {
		// Keep trying in the background; duplicate protection improves
		// whenever the timeline becomes readable.
		go a.seedWithBackoff(ctx)
	}

	// Stats warmup so the first cycle gets a cached snapshot.
	a.source.Snapshot(ctx)

	if !seeded {
		// Memory is cold; a short random delay beats posting a duplicate
		// in the first minute after a crash loop.
		jitter := time.Duration(a.rng.Intn(240)+60) * time.Second
		a.logger.WithField("delay", jitter.String()).Warn("Timeline seed failed, delaying first cycle")
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
	}

	a.runCycle(ctx)

	cycleTimer := time.NewTimer(a.nextInterval())
	defer cycleTimer.Stop()
	summaryTimer := time.NewTimer(a.untilNextSummary(time.Now().UTC()))
	defer summaryTimer.Stop()
	flushTicker := time.NewTicker(a.cfg.FlushInterval)
	defer flushTicker.Stop()
	// Periodic re-seed folds in posts published outside this process.
	reseedTicker := time.NewTicker(a.cfg.ReseedInterval)
	defer reseedTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := a.store.Save(); err != nil {
				a.logger.WithError(err).Error("Failed to flush memory on shutdown")
			}
			return

		case <-cycleTimer.C:
			a.runCycle(ctx)
			// Re-armed only after the cycle returns: cycles never overlap.
			cycleTimer.Reset(a.nextInterval())

		case <-summaryTimer.C:
			a.runSummary(ctx)
			summaryTimer.Reset(a.untilNextSummary(time.Now().UTC()))

		case <-flushTicker.C:
			if err := a.store.Save(); err != nil {
				a.logger.WithError(err).Warn("Periodic memory flush failed")
			}

		case <-reseedTicker.C:
			a.trySeed(ctx)
		}
	}
}

func (a *Agent) runCycle(ctx context.Context) {
	mode := a.pickMode()
	post, err := a.loop.RunCycle(ctx, mode)
	switch {
	case err != nil:
		a.logger.WithError(err).WithField("mode", string(mode)).Warn("Publish cycle failed")
	case post == nil:
		a.logger.WithField("mode", string(mode)).Info("Publish cycle skipped")
	default:
		a.logger.WithFields(logging.Fields{
			"mode":    string(mode),
			"post_id": post.ID,
		}).Info("Publish cycle complete")
	}
}

// runSummary posts the fixed daily stats summary. It bypasses generation
// and the similarity sweep, but not the exact-hash gate: unchanged figures
// produce yesterday's text and are skipped.
func (a *Agent) runSummary(ctx context.Context) {
	snap := a.source.Snapshot(ctx)
	text, err := compose.Summary(snap)
	if err != nil {
		a.logger.WithError(err).Warn("Daily summary skipped, stats unavailable")
		return
	}

	post, err := a.publisher.PublishDirect(ctx, text, "summary", "daily stats")
	switch {
	case err != nil:
		a.logger.WithError(err).Info("Daily summary not posted")
	case post == nil:
		a.logger.Info("Daily summary deferred by rate limit")
	default:
		a.logger.WithField("post_id", post.ID).Info("Daily summary posted")
	}
}

// pickMode alternates registers, with a random bias toward informal so the
// account does not read like a stats feed.
func (a *Agent) pickMode() compose.Mode {
	next := compose.ModeInformational
	if a.lastMode == compose.ModeInformational {
		next = compose.ModeInformal
	}
	if a.rng.Float64() < a.cfg.InformalBias {
		next = compose.ModeInformal
	}
	a.lastMode = next
	return next
}

// nextInterval draws a fresh uniform-random wait inside [min, max].
func (a *Agent) nextInterval() time.Duration {
	span := a.cfg.MaxInterval - a.cfg.MinInterval
	if span <= 0 {
		return a.cfg.MinInterval
	}
	wait := a.cfg.MinInterval + time.Duration(a.rng.Int63n(int64(span)))
	a.logger.WithField("next_post_in", wait.String()).Info("Next publish cycle scheduled")
	return wait
}

// untilNextSummary computes the wait until the next daily summary slot.
func (a *Agent) untilNextSummary(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), a.cfg.SummaryHour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// trySeed makes one timeline seed attempt.
func (a *Agent) trySeed(ctx context.Context) bool {
	if a.client == nil {
		return false
	}
	texts, err := a.client.RecentTimeline(ctx, a.cfg.SeedLimit)
	if err != nil {
		a.logger.WithError(err).Warn("Timeline seed attempt failed")
		return false
	}
	added := a.store.SeedFromTimeline(texts)
	a.logger.WithFields(logging.Fields{
		"fetched": len(texts),
		"new":     added,
	}).Info("Memory seeded from timeline")
	return true
}

// seedWithBackoff retries the timeline seed with a growing delay until it
// succeeds or the agent stops.
func (a *Agent) seedWithBackoff(ctx context.Context) {
	delay := seedBackoffInitial
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if a.trySeed(ctx) {
			return
		}
		delay *= 2
		if delay > seedBackoffMax {
			delay = seedBackoffMax
		}
	}
}
