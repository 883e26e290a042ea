package bot

import (
	"context"
	"testing"
	"time"

	"herald/pkg/logging"

	"herald/internal/compose"
	"herald/internal/memory"
	"herald/internal/publish"
	"herald/internal/similarity"
	"herald/internal/stats"
)

func newTestAgent(t *testing.T, source *stats.Source, platform *fakePlatform) (*Agent, *memory.Store) {
	t.Helper()
	logger := logging.NewLoggerWithService("agent-test")
	store := memory.NewStore(t.TempDir(), logger)
	engine := similarity.New(similarity.DefaultConfig(), nil, logger)
	publisher := publish.NewPublisher(platform, store, engine, nil, logger)
	loop := NewLoop(nil, engine, store, publisher, source, Metrics{}, logger)
	agent := NewAgent(AgentConfig{SummaryHour: 16}, loop, store, source, platform, publisher, logger)
	return agent, store
}

func TestUntilNextSummary(t *testing.T) {
	logger := logging.NewLoggerWithService("agent-test")
	agent, _ := newTestAgent(t, invalidStatsSource(logger), &fakePlatform{})

	tests := []struct {
		now  time.Time
		want time.Duration
	}{
		{time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC), 4 * time.Hour},
		{time.Date(2026, 8, 31, 16, 0, 0, 0, time.UTC), 24 * time.Hour},
		{time.Date(2026, 8, 31, 20, 0, 0, 0, time.UTC), 20 * time.Hour},
	}
	for _, tt := range tests {
		if got := agent.untilNextSummary(tt.now); got != tt.want {
			t.Errorf("untilNextSummary(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestPickMode_AlternatesWithBias(t *testing.T) {
	logger := logging.NewLoggerWithService("agent-test")
	agent, _ := newTestAgent(t, invalidStatsSource(logger), &fakePlatform{})
	agent.cfg.InformalBias = 0

	first := agent.pickMode()
	second := agent.pickMode()
	if first == second {
		t.Errorf("modes must alternate without bias, got %s then %s", first, second)
	}

	agent.cfg.InformalBias = 1
	for i := 0; i < 5; i++ {
		if got := agent.pickMode(); got != compose.ModeInformal {
			t.Fatalf("full informal bias picked %s", got)
		}
	}
}

func TestRunSummary_PostsAndSkipsUnchanged(t *testing.T) {
	logger := logging.NewLoggerWithService("agent-test")
	platform := &fakePlatform{}
	agent, store := newTestAgent(t, validStatsSource(logger), platform)

	agent.runSummary(context.Background())
	if len(platform.posts) != 1 {
		t.Fatalf("platform posts = %v, want one summary", platform.posts)
	}
	if !store.Contains(platform.posts[0]) {
		t.Error("summary must be recorded")
	}

	// Unchanged figures render the identical text; the hash gate skips it.
	agent.runSummary(context.Background())
	if len(platform.posts) != 1 {
		t.Errorf("unchanged summary was posted again: %v", platform.posts)
	}
}

func TestRunSummary_SkipsOnInvalidStats(t *testing.T) {
	logger := logging.NewLoggerWithService("agent-test")
	platform := &fakePlatform{}
	agent, _ := newTestAgent(t, invalidStatsSource(logger), platform)

	agent.runSummary(context.Background())
	if len(platform.posts) != 0 {
		t.Errorf("summary without stats must not post, got %v", platform.posts)
	}
}

func TestTrySeed(t *testing.T) {
	logger := logging.NewLoggerWithService("agent-test")
	platform := &fakePlatform{timeline: []string{"an old post", "another old post"}}
	agent, store := newTestAgent(t, invalidStatsSource(logger), platform)

	if !agent.trySeed(context.Background()) {
		t.Fatal("seed with working timeline must succeed")
	}
	if !store.Contains("an old post") || !store.Contains("another old post") {
		t.Error("seeded posts must land in memory")
	}

	agent.client = nil
	if agent.trySeed(context.Background()) {
		t.Error("seed without a client must report failure")
	}
}

func TestAgentConfig_Defaults(t *testing.T) {
	cfg := AgentConfig{}.withDefaults()
	if cfg.MinInterval != 12*time.Hour || cfg.MaxInterval != 12*time.Hour {
		t.Errorf("interval defaults = %v/%v", cfg.MinInterval, cfg.MaxInterval)
	}
	if cfg.SummaryHour != 16 {
		t.Errorf("SummaryHour = %d, want 16", cfg.SummaryHour)
	}

	cfg = AgentConfig{MinInterval: 12 * time.Hour, MaxInterval: 24 * time.Hour}.withDefaults()
	if cfg.MaxInterval != 24*time.Hour {
		t.Errorf("MaxInterval = %v, want 24h", cfg.MaxInterval)
	}
}
