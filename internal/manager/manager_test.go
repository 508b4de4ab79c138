package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toybox-ai/memoryd/internal/config"
	"github.com/toybox-ai/memoryd/internal/extract"
	"github.com/toybox-ai/memoryd/internal/forget"
	"github.com/toybox-ai/memoryd/internal/memory"
	"github.com/toybox-ai/memoryd/internal/retrieval"
	"github.com/toybox-ai/memoryd/internal/store"
)

type bigramTok struct{}

func (bigramTok) Tokens(text string) []string { return extract.Bigrams(text) }

// failingExtractor always errors, to exercise the rule fallback path.
type failingExtractor struct{}

func (failingExtractor) Extract(ctx context.Context, msgs []memory.Message, userID string) (*memory.ExtractionResult, error) {
	return nil, errors.New("model unavailable")
}

// cancelledExtractor reports the caller's cancellation.
type cancelledExtractor struct{}

func (cancelledExtractor) Extract(ctx context.Context, msgs []memory.Message, userID string) (*memory.ExtractionResult, error) {
	return nil, fmt.Errorf("chat request: %w", context.Canceled)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Minimal()
	cfg.EpisodeCompressThreshold = 2
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config, primary extract.Extractor) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tok := bigramTok{}
	rules := extract.NewRuleExtractor(tok, cfg.EpisodeSummaryMaxLength)
	if primary == nil {
		primary = rules
	}
	retriever := retrieval.New(st, nil, nil, tok, retrieval.Config{
		MaxResults:        cfg.Vector.MaxRetrievalResults,
		DecayDays:         cfg.MemoryDecayDays,
		TimeDecayWeight:   cfg.TimeDecayWeight,
		AccessCountWeight: cfg.AccessCountWeight,
	}, retrieval.NewCache(time.Duration(cfg.CacheTTLSeconds)*time.Second), testLogger())
	forgetter := forget.New(st, nil, forget.Config{
		DecayDays:          cfg.MemoryDecayDays,
		TimeDecayWeight:    cfg.TimeDecayWeight,
		AccessCountWeight:  cfg.AccessCountWeight,
		MinImportance:      cfg.MinImportanceThreshold,
		MaxEpisodesPerUser: cfg.MaxEpisodesPerUser,
		MaxFactsPerUser:    cfg.MaxFactsPerUser,
	}, testLogger())

	return New(cfg, Deps{
		Store:     st,
		Extractor: primary,
		Fallback:  rules,
		Retriever: retriever,
		Forgetter: forgetter,
		Logger:    testLogger(),
	}), st
}

func runSession(t *testing.T, m *Manager, userID string, texts ...string) *memory.Episode {
	t.Helper()
	ctx := context.Background()
	id, err := m.StartSession(ctx, userID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for _, text := range texts {
		if _, err := m.AddMessage(ctx, id, memory.RoleUser, text); err != nil {
			t.Fatalf("AddMessage(%q): %v", text, err)
		}
		if _, err := m.AddMessage(ctx, id, memory.RoleAssistant, "好的"); err != nil {
			t.Fatalf("AddMessage(assistant): %v", err)
		}
	}
	ep, err := m.EndSession(ctx, id)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	return ep
}

func TestShortSessionProducesNoEpisode(t *testing.T) {
	m, st := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	ep := runSession(t, m, "u1", "我喜欢恐龙")
	if ep != nil {
		t.Errorf("episode produced below threshold: %+v", ep)
	}

	n, _ := st.CountEpisodes(ctx, "u1")
	if n != 0 {
		t.Errorf("episodes = %d, want 0", n)
	}

	// The session itself still ended.
	if _, err := m.AddMessage(ctx, "whatever", memory.RoleUser, "hi"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
}

func TestEndSessionDistillsMemory(t *testing.T) {
	m, st := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	ep := runSession(t, m, "u1", "我叫小明，我5岁了", "我喜欢恐龙")
	if ep == nil {
		t.Fatal("no episode produced")
	}
	if ep.Summary == "" || ep.Importance <= 0 {
		t.Errorf("episode = %+v", ep)
	}

	stored, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if stored.UserID != "u1" {
		t.Errorf("episode user = %q", stored.UserID)
	}

	profile, _ := st.GetProfile(ctx, "u1")
	if profile == nil || profile.Name != "小明" || profile.Age != 5 {
		t.Errorf("profile = %+v", profile)
	}

	facts, _ := st.ListFacts(ctx, "u1", "")
	if len(facts) != 1 || facts[0].Object != "恐龙" {
		t.Errorf("facts = %+v", facts)
	}
}

func TestFactCoalescingAcrossSessions(t *testing.T) {
	m, st := newTestManager(t, testConfig(), nil)

	runSession(t, m, "u1", "我喜欢恐龙", "今天去了公园")
	runSession(t, m, "u1", "我喜欢恐龙", "恐龙真厉害")

	facts, _ := st.ListFacts(context.Background(), "u1", "")
	byKey := map[string]int{}
	for _, f := range facts {
		byKey[f.Predicate+f.Object]++
	}
	if byKey["喜欢恐龙"] != 1 {
		t.Errorf("fact not coalesced: %+v", facts)
	}

	n, _ := st.CountEpisodes(context.Background(), "u1")
	if n != 2 {
		t.Errorf("episodes = %d, want 2", n)
	}
}

func TestEndSessionTwice(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	id, _ := m.StartSession(ctx, "u1")
	if _, err := m.EndSession(ctx, id); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := m.EndSession(ctx, id); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("second end err = %v, want ErrUnknownSession", err)
	}
}

func TestAddMessageValidation(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	id, _ := m.StartSession(ctx, "u1")
	if _, err := m.AddMessage(ctx, id, "narrator", "hi"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad role err = %v", err)
	}
	if _, err := m.AddMessage(ctx, id, memory.RoleUser, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty text err = %v", err)
	}
	if _, err := m.StartSession(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty user err = %v", err)
	}
}

func TestWorkingMemoryRing(t *testing.T) {
	cfg := testConfig()
	cfg.WorkingMemorySize = 3 // ring holds 6 messages
	m, _ := newTestManager(t, cfg, nil)
	ctx := context.Background()

	id, _ := m.StartSession(ctx, "u1")
	for i := 0; i < 10; i++ {
		seq, err := m.AddMessage(ctx, id, memory.RoleUser, "消息")
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		if seq != i {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}

	mc, err := m.GetMemoryContext(ctx, "u1", "")
	if err != nil {
		t.Fatalf("GetMemoryContext: %v", err)
	}
	if len(mc.Working) != 6 {
		t.Fatalf("working = %d messages, want 6", len(mc.Working))
	}
	if mc.Working[0].Seq != 4 || mc.Working[5].Seq != 9 {
		t.Errorf("ring kept wrong window: seqs %d..%d", mc.Working[0].Seq, mc.Working[5].Seq)
	}
}

func TestStartSessionEndsPrevious(t *testing.T) {
	m, st := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	first, _ := m.StartSession(ctx, "u1")
	second, err := m.StartSession(ctx, "u1")
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}
	if first == second {
		t.Fatal("same session id returned twice")
	}

	sess, err := st.GetSession(ctx, first)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.State != memory.SessionEnded {
		t.Errorf("previous session state = %q", sess.State)
	}
	if _, err := m.AddMessage(ctx, first, memory.RoleUser, "hi"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("message accepted on replaced session")
	}
}

func TestConcurrentStartsKeepOneActive(t *testing.T) {
	m, st := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	const workers = 8
	const rounds = 25
	ids := make(chan string, workers*rounds)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				id, err := m.StartSession(ctx, "u1")
				if err != nil {
					t.Errorf("StartSession: %v", err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	// Every replaced session must reject messages; only the last survivor
	// may accept one.
	accepting := 0
	for id := range ids {
		if _, err := m.AddMessage(ctx, id, memory.RoleUser, "你好"); err == nil {
			accepting++
		}
	}
	if accepting > 1 {
		t.Errorf("%d sessions accept messages for one user, want at most 1", accepting)
	}

	active, err := st.ListActiveSessions(ctx)
	if err != nil {
		t.Fatalf("ListActiveSessions: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active session rows = %d, want 1", len(active))
	}
}

func TestEndSessionPropagatesCancellation(t *testing.T) {
	m, st := newTestManager(t, testConfig(), cancelledExtractor{})
	ctx := context.Background()

	id, _ := m.StartSession(ctx, "u1")
	for _, text := range []string{"我叫小明", "我喜欢恐龙"} {
		if _, err := m.AddMessage(ctx, id, memory.RoleUser, text); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	ep, err := m.EndSession(ctx, id)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ep != nil {
		t.Errorf("episode = %+v, want nil", ep)
	}

	// The fallback was not consulted and nothing was committed, but the
	// session is closed for good.
	n, _ := st.CountEpisodes(ctx, "u1")
	if n != 0 {
		t.Errorf("episodes = %d, want 0", n)
	}
	if _, err := m.AddMessage(ctx, id, memory.RoleUser, "hi"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("message accepted on cancelled session")
	}
}

func TestExtractionFallback(t *testing.T) {
	m, st := newTestManager(t, testConfig(), failingExtractor{})

	ep := runSession(t, m, "u1", "我叫小红", "我喜欢画画")
	if ep == nil {
		t.Fatal("fallback produced no episode")
	}

	profile, _ := st.GetProfile(context.Background(), "u1")
	if profile == nil || profile.Name != "小红" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestGetMemoryContextPrompt(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	runSession(t, m, "u1", "我叫小明，我5岁了", "我喜欢恐龙")

	mc, err := m.GetMemoryContext(ctx, "u1", "恐龙")
	if err != nil {
		t.Fatalf("GetMemoryContext: %v", err)
	}
	prompt := mc.SystemPrompt()
	if !strings.Contains(prompt, "小明") {
		t.Errorf("prompt missing profile:\n%s", prompt)
	}
	if !strings.Contains(prompt, "【已知信息】") {
		t.Errorf("prompt missing facts:\n%s", prompt)
	}
}

func TestSessionRestore(t *testing.T) {
	cfg := testConfig()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	build := func() *Manager {
		tok := bigramTok{}
		rules := extract.NewRuleExtractor(tok, cfg.EpisodeSummaryMaxLength)
		retriever := retrieval.New(st, nil, nil, tok, retrieval.Config{}, nil, testLogger())
		forgetter := forget.New(st, nil, forget.Config{
			DecayDays: cfg.MemoryDecayDays, MinImportance: cfg.MinImportanceThreshold,
			TimeDecayWeight: cfg.TimeDecayWeight, AccessCountWeight: cfg.AccessCountWeight,
			MaxEpisodesPerUser: cfg.MaxEpisodesPerUser, MaxFactsPerUser: cfg.MaxFactsPerUser,
		}, testLogger())
		return New(cfg, Deps{
			Store: st, Extractor: rules, Fallback: rules,
			Retriever: retriever, Forgetter: forgetter, Logger: testLogger(),
		})
	}

	ctx := context.Background()
	m1 := build()
	id, _ := m1.StartSession(ctx, "u1")
	if _, err := m1.AddMessage(ctx, id, memory.RoleUser, "我喜欢恐龙"); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	// A fresh manager over the same store picks the session back up.
	m2 := build()
	if err := m2.RestoreSessions(ctx); err != nil {
		t.Fatalf("RestoreSessions: %v", err)
	}
	seq, err := m2.AddMessage(ctx, id, memory.RoleUser, "还有霸王龙")
	if err != nil {
		t.Fatalf("AddMessage after restore: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq after restore = %d, want 1", seq)
	}
}

func TestExportImportRoundtrip(t *testing.T) {
	src, _ := newTestManager(t, testConfig(), nil)
	dst, dstStore := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	runSession(t, src, "u1", "我叫小明，我5岁了", "我喜欢恐龙")

	out, err := src.ExportUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ExportUser: %v", err)
	}
	if out.Profile == nil || len(out.Episodes) != 1 || len(out.Facts) != 1 {
		t.Fatalf("export = %+v", out)
	}

	if err := dst.ImportUser(ctx, out); err != nil {
		t.Fatalf("ImportUser: %v", err)
	}

	profile, _ := dstStore.GetProfile(ctx, "u1")
	if profile == nil || profile.Name != "小明" {
		t.Errorf("imported profile = %+v", profile)
	}
	n, _ := dstStore.CountEpisodes(ctx, "u1")
	if n != 1 {
		t.Errorf("imported episodes = %d", n)
	}

	// Importing again is an upsert, not a duplication.
	if err := dst.ImportUser(ctx, out); err != nil {
		t.Fatalf("second ImportUser: %v", err)
	}
	n, _ = dstStore.CountEpisodes(ctx, "u1")
	if n != 1 {
		t.Errorf("episodes after re-import = %d", n)
	}
	facts, _ := dstStore.ListFacts(ctx, "u1", "")
	if len(facts) != 1 {
		t.Errorf("facts after re-import = %d", len(facts))
	}
}

func TestUserStats(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	runSession(t, m, "u1", "我叫小明，我5岁了", "我喜欢恐龙")
	id, _ := m.StartSession(ctx, "u1")

	st, err := m.UserStats(ctx, "u1")
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if st.EpisodeCount != 1 || st.FactCount != 1 || !st.HasProfile {
		t.Errorf("stats = %+v", st)
	}
	if st.ActiveSession != id {
		t.Errorf("active session = %q, want %q", st.ActiveSession, id)
	}

	total := 0
	for _, n := range st.StrengthHistogram {
		total += n
	}
	if total != st.EpisodeCount {
		t.Errorf("histogram sums to %d, want %d", total, st.EpisodeCount)
	}
}

func TestForgetAndCleanup(t *testing.T) {
	m, st := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	runSession(t, m, "u1", "我叫小明，我5岁了", "我喜欢恐龙")

	// Nothing has decayed yet.
	removed, err := m.Forget(ctx, "u1")
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}

	// Jump a year ahead: the episode decays away.
	m.SetNowFunc(func() time.Time { return time.Now().Add(365 * 24 * time.Hour) })
	m.forgetter.SetNowFunc(func() time.Time { return time.Now().Add(365 * 24 * time.Hour) })

	removed, err = m.Forget(ctx, "u1")
	if err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if removed == 0 {
		t.Error("nothing forgotten after a year")
	}
	n, _ := st.CountEpisodes(ctx, "u1")
	if n != 0 {
		t.Errorf("episodes after forget = %d", n)
	}

	// Cleanup sweeps the long-ended session row.
	removedSessions, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removedSessions == 0 {
		t.Error("cleanup removed nothing")
	}
}
