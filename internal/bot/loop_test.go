package bot

import (
	"context"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"herald/pkg/llm"
	"herald/pkg/logging"

	"herald/internal/compose"
	"herald/internal/docs"
	"herald/internal/memory"
	"herald/internal/publish"
	"herald/internal/similarity"
	"herald/internal/stats"
)

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

// queueProvider replies with scripted texts, one per Complete call.
type queueProvider struct {
	replies []string
	calls   int
}

func (p *queueProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Stream, error) {
	p.calls++
	if len(p.replies) == 0 {
		return nil, errors.New("out of scripted replies")
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return &fakeStream{content: reply}, nil
}

type fakePlatform struct {
	posts    []string
	timeline []string
	errs     []error
}

func (c *fakePlatform) CreatePost(ctx context.Context, text string) (publish.Post, error) {
	var err error
	if len(c.errs) > 0 {
		err, c.errs = c.errs[0], c.errs[1:]
	}
	if err != nil {
		return publish.Post{}, err
	}
	c.posts = append(c.posts, text)
	return publish.Post{ID: "p1", Text: text}, nil
}

func (c *fakePlatform) RecentTimeline(ctx context.Context, limit int) ([]string, error) {
	return c.timeline, nil
}

// flatChain answers every contract read with the same uint256.
type flatChain struct{ value *big.Int }

func (c *flatChain) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return common.LeftPadBytes(c.value.Bytes(), 32), nil
}

func (c *flatChain) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

func validStatsSource(logger logging.Logger) *stats.Source {
	cfg := stats.Config{
		TokenAddr: "0x0000000000000000000000000000000000000001",
		VaultAddr: "0x0000000000000000000000000000000000000002",
		Decimals:  18,
		TTL:       time.Minute,
	}
	locked := new(big.Int).Mul(big.NewInt(811_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return stats.NewSourceWithClient(cfg, &flatChain{value: locked}, logger)
}

func invalidStatsSource(logger logging.Logger) *stats.Source {
	return stats.NewSourceWithClient(stats.Config{TTL: time.Minute}, nil, logger)
}

type loopFixture struct {
	loop     *Loop
	store    *memory.Store
	platform *fakePlatform
}

func newLoopFixture(t *testing.T, provider llm.Provider, source *stats.Source) *loopFixture {
	t.Helper()
	logger := logging.NewLoggerWithService("bot-test")
	store := memory.NewStore(t.TempDir(), logger)
	engine := similarity.New(similarity.DefaultConfig(), nil, logger)
	gen := compose.NewGenerator(provider, docs.NewSourceWithURL("", logger), logger)
	platform := &fakePlatform{}
	publisher := publish.NewPublisher(platform, store, engine, nil, logger)
	loop := NewLoop(gen, engine, store, publisher, source, Metrics{}, logger)
	return &loopFixture{loop: loop, store: store, platform: platform}
}

func TestRunCycle_FirstCandidateAccepted(t *testing.T) {
	logger := logging.NewLoggerWithService("bot-test")
	provider := &queueProvider{replies: []string{"a perfectly original thought about locking"}}
	f := newLoopFixture(t, provider, invalidStatsSource(logger))

	post, err := f.loop.RunCycle(context.Background(), compose.ModeInformal)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if post == nil {
		t.Fatal("expected a published post")
	}
	if len(f.platform.posts) != 1 {
		t.Errorf("platform received %d posts, want 1", len(f.platform.posts))
	}
	if !f.store.Contains("a perfectly original thought about locking") {
		t.Error("accepted candidate must be recorded")
	}
}

func TestRunCycle_DuplicateFirstFreshSecond(t *testing.T) {
	logger := logging.NewLoggerWithService("bot-test")
	provider := &queueProvider{replies: []string{
		"the vaults keep quietly filling up",
		"governance voting opens on the new proposal this thursday",
	}}
	f := newLoopFixture(t, provider, invalidStatsSource(logger))
	f.store.RecordPublished("the vaults keep quietly filling up", "informal", "")

	post, err := f.loop.RunCycle(context.Background(), compose.ModeInformal)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if post == nil {
		t.Fatal("expected the second candidate to publish")
	}
	if got := f.platform.posts; len(got) != 1 || got[0] != "governance voting opens on the new proposal this thursday" {
		t.Errorf("platform posts = %v, want only the fresh candidate", got)
	}
	if provider.calls != 2 {
		t.Errorf("generator called %d times, want 2", provider.calls)
	}
}

func TestRunCycle_ExhaustedBudgetFallsBack(t *testing.T) {
	logger := logging.NewLoggerWithService("bot-test")
	// Every scripted reply is the same already-published text, so every
	// attempt trips the hash gate.
	dup := "one single endlessly repeated idea"
	provider := &queueProvider{replies: []string{dup, dup, dup, dup}}
	f := newLoopFixture(t, provider, invalidStatsSource(logger))
	f.store.RecordPublished(dup, "informal", "")

	post, err := f.loop.RunCycle(context.Background(), compose.ModeInformal)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if post == nil {
		t.Fatal("fallback must produce a post")
	}
	if len(f.platform.posts) != 1 {
		t.Fatalf("platform posts = %v, want exactly the fallback", f.platform.posts)
	}
	if f.platform.posts[0] == dup {
		t.Error("fallback must not repeat the rejected candidate")
	}
}

func TestRunCycle_InformationalSkipsOnInvalidStats(t *testing.T) {
	logger := logging.NewLoggerWithService("bot-test")
	provider := &queueProvider{replies: []string{"should never be used"}}
	f := newLoopFixture(t, provider, invalidStatsSource(logger))

	post, err := f.loop.RunCycle(context.Background(), compose.ModeInformational)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if post != nil {
		t.Error("invalid stats must skip the cycle, not post")
	}
	if provider.calls != 0 {
		t.Errorf("generator called %d times, want 0", provider.calls)
	}
	if len(f.platform.posts) != 0 {
		t.Error("nothing may reach the platform on a skipped cycle")
	}
}

func TestRunCycle_InformationalPublishesWithValidStats(t *testing.T) {
	logger := logging.NewLoggerWithService("bot-test")
	provider := &queueProvider{replies: []string{"811K tokens are now locked for good"}}
	f := newLoopFixture(t, provider, validStatsSource(logger))

	post, err := f.loop.RunCycle(context.Background(), compose.ModeInformational)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if post == nil {
		t.Fatal("expected a published post")
	}
}

func TestRunCycle_NoBackendUsesFallback(t *testing.T) {
	logger := logging.NewLoggerWithService("bot-test")
	f := newLoopFixture(t, nil, invalidStatsSource(logger))

	post, err := f.loop.RunCycle(context.Background(), compose.ModeInformal)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if post == nil {
		t.Fatal("fallback-only operation must still post")
	}
	if len(f.platform.posts) != 1 {
		t.Errorf("platform posts = %v, want one fallback post", f.platform.posts)
	}
}

// seedingChecker answers the deep check and, on its first call, records the
// pending candidate as already published, the way a concurrent timeline seed
// can land between the loop's hash check and the publisher's final gate.
type seedingChecker struct {
	store  *memory.Store
	text   string
	seeded bool
}

func (p *seedingChecker) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Stream, error) {
	if !p.seeded {
		p.seeded = true
		p.store.RecordPublished(p.text, "informal", "")
	}
	return &fakeStream{content: "NO"}, nil
}

func TestRunCycle_RepeatAtPublishGateRetries(t *testing.T) {
	logger := logging.NewLoggerWithService("bot-test")
	first := "the vaults keep quietly filling up"
	second := "governance voting opens on the new proposal this thursday"
	provider := &queueProvider{replies: []string{first, second}}

	store := memory.NewStore(t.TempDir(), logger)
	checker := &seedingChecker{store: store, text: first}
	engine := similarity.New(similarity.DefaultConfig(), checker, logger)
	gen := compose.NewGenerator(provider, docs.NewSourceWithURL("", logger), logger)
	platform := &fakePlatform{}
	publisher := publish.NewPublisher(platform, store, engine, nil, logger)
	loop := NewLoop(gen, engine, store, publisher, invalidStatsSource(logger), Metrics{}, logger)

	post, err := loop.RunCycle(context.Background(), compose.ModeInformal)
	if err != nil {
		t.Fatalf("a repeat at the publish gate must retry, not fail the cycle: %v", err)
	}
	if post == nil {
		t.Fatal("expected the second candidate to publish")
	}
	if got := platform.posts; len(got) != 1 || got[0] != second {
		t.Errorf("platform posts = %v, want only %q", got, second)
	}
	if provider.calls != 2 {
		t.Errorf("generator called %d times, want 2", provider.calls)
	}
}

func TestRunCycle_RateLimitedStopsQuietly(t *testing.T) {
	logger := logging.NewLoggerWithService("bot-test")
	provider := &queueProvider{replies: []string{"fine text that hits a rate limit"}}
	f := newLoopFixture(t, provider, invalidStatsSource(logger))
	f.platform.errs = []error{publish.ErrRateLimited}

	post, err := f.loop.RunCycle(context.Background(), compose.ModeInformal)
	if err != nil {
		t.Fatalf("rate limit must not error the cycle, got %v", err)
	}
	if post != nil {
		t.Error("rate limited cycle must not report a post")
	}
	if f.store.Contains("fine text that hits a rate limit") {
		t.Error("rate-limited candidate must not be recorded")
	}
}
