package similarity

import (
	"context"
	"errors"
	"io"
	"testing"

	"herald/pkg/llm"
	"herald/pkg/logging"
)

func newTestEngine(provider llm.Provider) *Engine {
	return New(DefaultConfig(), provider, logging.NewLoggerWithService("similarity-test"))
}

func TestTooSimilar_NumericRestatement(t *testing.T) {
	e := newTestEngine(nil)
	recent := []string{"TVL just hit 811K with APY holding at 12% across the vaults"}

	if !e.TooSimilar("TVL just hit 823K with APY holding at 12% across the vaults", recent, false) {
		t.Error("restatement with only numbers changed must be flagged")
	}
}

func TestTooSimilar_UnrelatedTextPasses(t *testing.T) {
	e := newTestEngine(nil)
	recent := []string{"TVL just hit 811K with APY holding at 12% across the vaults"}

	if e.TooSimilar("governance proposal seventeen opens for voting next week", recent, false) {
		t.Error("unrelated text must not be flagged")
	}
}

func TestTooSimilar_StructuralPatternsOverrideLowOverlap(t *testing.T) {
	e := newTestEngine(nil)
	// Different words, same template: a stat-locked brag plus a call to action.
	recent := []string{"900,000 tokens locked and counting. Check the vault out!"}
	cand := "another 50,000 AERO staked this morning, visit the app today"

	if !e.TooSimilar(cand, recent, false) {
		t.Error("two shared structural patterns must flag regardless of word overlap")
	}
}

func TestTooSimilar_ShortTextSkipsOverlap(t *testing.T) {
	e := newTestEngine(nil)
	// Under three distinct tokens the Jaccard signal is meaningless.
	if e.TooSimilar("gm gm", []string{"good morning everyone"}, false) {
		t.Error("short candidate must not trip the overlap check")
	}
}

func TestTooSimilar_LooseThresholdIsMoreTolerant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecentJaccard = 0.30
	cfg.RecentJaccardLoose = 0.90
	e := New(cfg, nil, logging.NewLoggerWithService("similarity-test"))

	recent := []string{"yield farming rewards compound daily across every single vault"}
	cand := "yield farming rewards arrive weekly across every single pool"

	if !e.TooSimilar(cand, recent, false) {
		t.Fatal("strict threshold should flag this overlap")
	}
	if e.TooSimilar(cand, recent, true) {
		t.Error("loose threshold should tolerate this overlap")
	}
}

func TestTooSimilarToHistory_NearDuplicate(t *testing.T) {
	e := newTestEngine(nil)
	log := []string{
		"completely different topic about governance and voting power",
		"TVL is 811K, APY is 12%, peg holding steady",
	}

	if !e.TooSimilarToHistory("TVL is 902K, APY is 12%, peg holding steady", log) {
		t.Error("numeric restatement of a logged post must be flagged")
	}
	if e.TooSimilarToHistory("the docs now cover emergency withdrawals step by step in detail", log) {
		t.Error("fresh content must not be flagged against history")
	}
}

func TestTooSimilarToHistory_RespectsLookback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lookback = 2
	e := New(cfg, nil, logging.NewLoggerWithService("similarity-test"))

	dup := "TVL is 811K, APY is 12%, peg holding steady"
	log := []string{
		dup,
		"something about governance proposals and voting",
		"a note on the new audit report being published",
	}

	if e.TooSimilarToHistory("TVL is 902K, APY is 12%, peg holding steady", log) {
		t.Error("entries beyond the lookback window must be ignored")
	}
}

type scriptedStream struct {
	chunks []llm.Chunk
}

func (s *scriptedStream) Recv() (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedProvider struct {
	answer string
	err    error
}

func (p *scriptedProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &scriptedStream{chunks: []llm.Chunk{{Content: p.answer}}}, nil
}

func TestDeepCheck(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		provider llm.Provider
		want     bool
	}{
		{"yes answer flags", &scriptedProvider{answer: "YES"}, true},
		{"lowercase yes flags", &scriptedProvider{answer: "yes, same message"}, true},
		{"no answer passes", &scriptedProvider{answer: "NO"}, false},
		{"garbage fails open", &scriptedProvider{answer: "unsure, maybe?"}, false},
		{"backend error fails open", &scriptedProvider{err: errors.New("llm down")}, false},
		{"nil provider skips", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(tt.provider)
			got := e.DeepCheck(ctx, "draft text", []string{"sample one", "sample two"})
			if got != tt.want {
				t.Errorf("DeepCheck = %v, want %v", got, tt.want)
			}
		})
	}
}
