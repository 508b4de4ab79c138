package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/toybox-ai/memoryd/internal/config"
	"github.com/toybox-ai/memoryd/internal/extract"
	"github.com/toybox-ai/memoryd/internal/forget"
	"github.com/toybox-ai/memoryd/internal/manager"
	"github.com/toybox-ai/memoryd/internal/retrieval"
	"github.com/toybox-ai/memoryd/internal/store"
)

type bigramTok struct{}

func (bigramTok) Tokens(text string) []string { return extract.Bigrams(text) }

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Minimal()
	cfg.EpisodeCompressThreshold = 1

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tok := bigramTok{}
	rules := extract.NewRuleExtractor(tok, cfg.EpisodeSummaryMaxLength)
	retriever := retrieval.New(st, nil, nil, tok, retrieval.Config{
		MaxResults:        cfg.Vector.MaxRetrievalResults,
		DecayDays:         cfg.MemoryDecayDays,
		TimeDecayWeight:   cfg.TimeDecayWeight,
		AccessCountWeight: cfg.AccessCountWeight,
	}, retrieval.NewCache(time.Duration(cfg.CacheTTLSeconds)*time.Second), logger)
	forgetter := forget.New(st, nil, forget.Config{
		DecayDays:          cfg.MemoryDecayDays,
		TimeDecayWeight:    cfg.TimeDecayWeight,
		AccessCountWeight:  cfg.AccessCountWeight,
		MinImportance:      cfg.MinImportanceThreshold,
		MaxEpisodesPerUser: cfg.MaxEpisodesPerUser,
		MaxFactsPerUser:    cfg.MaxFactsPerUser,
	}, logger)

	return manager.New(cfg, manager.Deps{
		Store: st, Extractor: rules, Fallback: rules,
		Retriever: retriever, Forgetter: forgetter, Logger: logger,
	})
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer("", 0, newTestManager(t), logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestStartAndShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer("127.0.0.1", 0, newTestManager(t), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		ready := s.server != nil
		s.mu.Unlock()
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start returned %v, want ErrServerClosed", err)
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/version")
	if err != nil {
		t.Fatalf("GET /version: %v", err)
	}
	var info map[string]string
	decodeBody(t, resp, &info)
	if info["version"] == "" {
		t.Errorf("version payload = %v", info)
	}
}

func TestSessionFlow(t *testing.T) {
	srv := newTestServer(t)

	var started struct {
		SessionID string `json:"session_id"`
	}
	resp := postJSON(t, srv.URL+"/session/start", map[string]string{"user_id": "u1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &started)
	if started.SessionID == "" {
		t.Fatal("empty session id")
	}

	var added struct {
		Seq int `json:"seq"`
	}
	resp = postJSON(t, srv.URL+"/session/message", map[string]string{
		"session_id": started.SessionID, "role": "user", "text": "我叫小明，我喜欢恐龙",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("message status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &added)
	if added.Seq != 0 {
		t.Errorf("seq = %d, want 0", added.Seq)
	}

	// Context by session id while the session is live includes working memory.
	var liveCtx struct {
		Working []json.RawMessage `json:"working"`
	}
	resp = postJSON(t, srv.URL+"/context", map[string]string{"session_id": started.SessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("context status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &liveCtx)
	if len(liveCtx.Working) != 1 {
		t.Errorf("working memory = %d messages, want 1", len(liveCtx.Working))
	}

	var ended struct {
		Episode *struct {
			ID      string `json:"id"`
			Summary string `json:"summary"`
		} `json:"episode"`
	}
	resp = postJSON(t, srv.URL+"/session/end", map[string]string{"session_id": started.SessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", resp.StatusCode)
	}
	decodeBody(t, resp, &ended)
	if ended.Episode == nil || ended.Episode.Summary == "" {
		t.Fatalf("episode = %+v", ended.Episode)
	}

	var ctxResp struct {
		Prompt string `json:"prompt"`
	}
	resp = postJSON(t, srv.URL+"/context", map[string]string{"user_id": "u1", "query": "恐龙"})
	decodeBody(t, resp, &ctxResp)
	if ctxResp.Prompt == "" {
		t.Error("empty prompt")
	}

	resp, err := http.Get(srv.URL + "/profile/u1")
	if err != nil {
		t.Fatalf("GET profile: %v", err)
	}
	var profile struct {
		Name string `json:"name"`
	}
	decodeBody(t, resp, &profile)
	if profile.Name != "小明" {
		t.Errorf("profile name = %q", profile.Name)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/session/message", map[string]string{
		"session_id": "no-such-session", "role": "user", "text": "hi",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/session/end", map[string]string{"session_id": "no-such-session"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("end status = %d, want 404", resp.StatusCode)
	}
}

func TestValidationErrorsAre400(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/session/start", map[string]string{"user_id": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Post(srv.URL+"/session/start", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}
}

func TestMissingProfileIs404(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/profile/nobody")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProfilePutAndStats(t *testing.T) {
	srv := newTestServer(t)

	put, err := http.NewRequest(http.MethodPut, srv.URL+"/profile",
		bytes.NewReader([]byte(`{"user_id": "u1", "name": "小红", "age": 7, "tags": ["画画"]}`)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(put)
	if err != nil {
		t.Fatalf("PUT profile: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/stats/u1")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	var st struct {
		HasProfile  bool `json:"has_profile"`
		ProfileTags int  `json:"profile_tags"`
	}
	decodeBody(t, resp, &st)
	if !st.HasProfile || st.ProfileTags != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExportImportEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/session/start", map[string]string{"user_id": "u1"})
	var started struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, resp, &started)
	resp = postJSON(t, srv.URL+"/session/message", map[string]string{
		"session_id": started.SessionID, "role": "user", "text": "我喜欢恐龙",
	})
	resp.Body.Close()
	resp = postJSON(t, srv.URL+"/session/end", map[string]string{"session_id": started.SessionID})
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/export/u1")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	var exported map[string]any
	decodeBody(t, resp, &exported)
	if exported["user_id"] != "u1" {
		t.Fatalf("export = %v", exported)
	}

	resp = postJSON(t, srv.URL+"/import", exported)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("import status = %d", resp.StatusCode)
	}
}

func TestMaintenanceEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/maintenance/forget/u1", nil)
	var forgot struct {
		Removed int `json:"removed"`
	}
	decodeBody(t, resp, &forgot)
	if forgot.Removed != 0 {
		t.Errorf("removed = %d, want 0 for empty user", forgot.Removed)
	}

	resp = postJSON(t, srv.URL+"/maintenance/cleanup", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cleanup status = %d", resp.StatusCode)
	}
}
