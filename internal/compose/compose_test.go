package compose

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"herald/pkg/llm"
	"herald/pkg/logging"

	"herald/internal/docs"
	"herald/internal/stats"
	"herald/internal/textnorm"
)

func validSnapshot() stats.Snapshot {
	return stats.Snapshot{
		TotalLocked:    811_000,
		TotalValue:     1_054_300,
		MintedSupply:   790_000,
		SecondaryPrice: 1.3,
		Peg:            0.99,
		APY:            12,
		FetchedAt:      time.Now().UTC(),
	}
}

func invalidSnapshot() stats.Snapshot {
	return stats.Snapshot{
		TotalLocked:    math.NaN(),
		TotalValue:     math.NaN(),
		MintedSupply:   math.NaN(),
		SecondaryPrice: math.NaN(),
		Peg:            math.NaN(),
		APY:            math.NaN(),
		FetchedAt:      time.Now().UTC(),
	}
}

type fakeStream struct {
	content string
	done    bool
}

func (s *fakeStream) Recv() (llm.Chunk, error) {
	if s.done {
		return llm.Chunk{}, io.EOF
	}
	s.done = true
	return llm.Chunk{Content: s.content}, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeProvider struct {
	reply      string
	err        error
	lastPrompt string
}

func (p *fakeProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	for _, m := range messages {
		if m.Role == "user" {
			p.lastPrompt = m.Content
		}
	}
	return &fakeStream{content: p.reply}, nil
}

func newTestGenerator(provider llm.Provider) *Generator {
	logger := logging.NewLoggerWithService("compose-test")
	return NewGenerator(provider, docs.NewSourceWithURL("", logger), logger)
}

func TestGenerate_InformationalRefusesInvalidSnapshot(t *testing.T) {
	g := newTestGenerator(&fakeProvider{reply: "should never be asked"})

	_, err := g.Generate(context.Background(), ModeInformational, "peg health", "brief", invalidSnapshot(), nil)
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestGenerate_InformalToleratesInvalidSnapshot(t *testing.T) {
	g := newTestGenerator(&fakeProvider{reply: "gm, yields are yielding"})

	got, err := g.Generate(context.Background(), ModeInformal, "community vibes", "punchy", invalidSnapshot(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "gm, yields are yielding" {
		t.Errorf("Generate = %q", got)
	}
}

func TestGenerate_PromptCarriesFiguresAndAvoidList(t *testing.T) {
	p := &fakeProvider{reply: "811K locked and counting"}
	g := newTestGenerator(p)

	avoid := []string{"old post one", "old post two"}
	if _, err := g.Generate(context.Background(), ModeInformational, "total value locked", "matter-of-fact", validSnapshot(), avoid); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for _, want := range []string{"811K", "total value locked", "old post one", "old post two"} {
		if !strings.Contains(p.lastPrompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestGenerate_NilBackendErrors(t *testing.T) {
	g := newTestGenerator(nil)

	if _, err := g.Generate(context.Background(), ModeInformal, "topic", "style", validSnapshot(), nil); err == nil {
		t.Error("nil backend must error so the caller can fall back")
	}
}

func TestGenerate_EmptyCompletionErrors(t *testing.T) {
	g := newTestGenerator(&fakeProvider{reply: "   "})

	if _, err := g.Generate(context.Background(), ModeInformal, "topic", "style", validSnapshot(), nil); err == nil {
		t.Error("empty completion must error")
	}
}

func TestGenerate_TruncatesLongCompletion(t *testing.T) {
	g := newTestGenerator(&fakeProvider{reply: strings.Repeat("yield ", 100)})

	got, err := g.Generate(context.Background(), ModeInformal, "topic", "style", validSnapshot(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if n := len([]rune(got)); n > MaxPostLength {
		t.Errorf("length = %d runes, want <= %d", n, MaxPostLength)
	}
}

func TestFallback_AlwaysProducesFreshHash(t *testing.T) {
	g := newTestGenerator(nil)

	seen := make(map[string]struct{})
	exists := func(text string) bool {
		_, ok := seen[textnorm.ContentHash(text)]
		return ok
	}

	for i := 0; i < 20; i++ {
		text := g.Fallback(ModeInformal, "the long game of locking", invalidSnapshot(), exists)
		if text == "" {
			t.Fatal("fallback must never be empty")
		}
		hash := textnorm.ContentHash(text)
		if _, dup := seen[hash]; dup {
			t.Fatalf("fallback produced an already-seen hash on round %d: %q", i, text)
		}
		seen[hash] = struct{}{}
	}
}

func TestFallback_InformationalQuotesFigures(t *testing.T) {
	g := newTestGenerator(nil)

	text := g.Fallback(ModeInformational, "staking yield", validSnapshot(), func(string) bool { return false })
	if !strings.Contains(text, "811K") {
		t.Errorf("informational fallback = %q, want it to quote totals", text)
	}
}

func TestPickTopic_CooldownPrefersFreshTopics(t *testing.T) {
	g := newTestGenerator(nil)

	picked := make(map[string]int)
	for i := 0; i < len(informationalTopics); i++ {
		picked[g.PickTopic(ModeInformational)]++
	}

	// Within one cooldown window every topic should come up exactly once.
	for topic, n := range picked {
		if n != 1 {
			t.Errorf("topic %q picked %d times inside cooldown, want 1", topic, n)
		}
	}
	if len(picked) != len(informationalTopics) {
		t.Errorf("picked %d distinct topics, want %d", len(picked), len(informationalTopics))
	}

	// Exhausted pool must still yield something rather than block.
	if g.PickTopic(ModeInformational) == "" {
		t.Error("exhausted topic pool must still pick a topic")
	}
}

func TestSummary(t *testing.T) {
	text, err := Summary(validSnapshot())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	again, err := Summary(validSnapshot())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if text != again {
		t.Error("summary must be stable for unchanged figures")
	}
	for _, want := range []string{"811K", "790K", "12%"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary %q missing %q", text, want)
		}
	}

	if _, err := Summary(invalidSnapshot()); !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("Summary on invalid snapshot err = %v, want ErrInvalidSnapshot", err)
	}
}
