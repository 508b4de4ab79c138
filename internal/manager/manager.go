// Package manager coordinates the memory tiers: it owns live sessions,
// drives extraction when sessions end, assembles memory context for
// prompts, and runs forgetting and cleanup.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toybox-ai/memoryd/internal/config"
	"github.com/toybox-ai/memoryd/internal/extract"
	"github.com/toybox-ai/memoryd/internal/forget"
	"github.com/toybox-ai/memoryd/internal/memory"
	"github.com/toybox-ai/memoryd/internal/retrieval"
	"github.com/toybox-ai/memoryd/internal/store"
)

var (
	// ErrUnknownSession is returned for session ids that do not exist or
	// have already ended.
	ErrUnknownSession = errors.New("manager: unknown or ended session")
	// ErrInvalidInput marks request validation failures.
	ErrInvalidInput = errors.New("manager: invalid input")
)

// sessionRetention is how long ended sessions stay on disk before the
// cleanup sweep removes them.
const sessionRetention = 7 * 24 * time.Hour

// Deps bundles the manager's collaborators. Vec and Embed are nil when
// vector retrieval is disabled.
type Deps struct {
	Store     *store.Store
	Extractor extract.Extractor
	Fallback  extract.Extractor
	Retriever *retrieval.Retriever
	Forgetter *forget.Forgetter
	Vec       *retrieval.VectorIndex
	Embed     retrieval.Embedder
	Logger    *slog.Logger
}

// Manager is the single entry point for all memory operations. Safe for
// concurrent use.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	extractor extract.Extractor
	fallback  extract.Extractor
	retriever *retrieval.Retriever
	forgetter *forget.Forgetter
	vec       *retrieval.VectorIndex
	embed     retrieval.Embedder
	logger    *slog.Logger
	nowFunc   func() time.Time

	mu       sync.Mutex
	sessions map[string]*session // by session id
	active   map[string]string   // user id -> active session id
	userMu   map[string]*sync.Mutex
}

// session is the in-memory working tier for one conversation. The ring
// holds the most recent messages, capped at twice the working memory size
// in turns.
type session struct {
	mu        sync.Mutex
	id        string
	userID    string
	startedAt time.Time
	ended     bool
	nextSeq   int
	ring      []memory.Message
}

// New creates a manager.
func New(cfg *config.Config, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		store:     deps.Store,
		extractor: deps.Extractor,
		fallback:  deps.Fallback,
		retriever: deps.Retriever,
		forgetter: deps.Forgetter,
		vec:       deps.Vec,
		embed:     deps.Embed,
		logger:    logger,
		nowFunc:   time.Now,
		sessions:  map[string]*session{},
		active:    map[string]string{},
		userMu:    map[string]*sync.Mutex{},
	}
}

// SetNowFunc overrides the clock. Test hook.
func (m *Manager) SetNowFunc(fn func() time.Time) { m.nowFunc = fn }

func (m *Manager) ringCap() int {
	return 2 * m.cfg.WorkingMemorySize
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.userMu[userID]
	if !ok {
		mu = &sync.Mutex{}
		m.userMu[userID] = mu
	}
	return mu
}

// RestoreSessions reloads active sessions from storage after a restart so
// an unfinished conversation can continue with its working memory intact.
func (m *Manager) RestoreSessions(ctx context.Context) error {
	saved, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range saved {
		sv := &saved[i]
		nextSeq := 0
		for _, msg := range sv.Messages {
			if msg.Seq >= nextSeq {
				nextSeq = msg.Seq + 1
			}
		}
		s := &session{
			id:        sv.ID,
			userID:    sv.UserID,
			startedAt: sv.StartedAt,
			nextSeq:   nextSeq,
			ring:      append([]memory.Message(nil), sv.Messages...),
		}
		m.sessions[sv.ID] = s
		m.active[sv.UserID] = sv.ID
	}
	if len(saved) > 0 {
		m.logger.Info("restored active sessions", "count", len(saved))
	}
	return nil
}

// StartSession opens a new session for the user. Any session still active
// for the same user is ended first, with extraction, so its memory is not
// lost. The swap from old to new session runs under the user lock, so
// concurrent starts for one user serialize and at most one session stays
// active.
func (m *Manager) StartSession(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	now := m.nowFunc()
	s := &session{id: id.String(), userID: userID, startedAt: now}

	userLock := m.userLock(userID)
	userLock.Lock()

	m.mu.Lock()
	prevID := m.active[userID]
	m.mu.Unlock()

	// Freeze the old session before the new one becomes active. Its
	// extraction waits until the lock is released.
	var prevFrozen *memory.Session
	if prevID != "" {
		if frozen, err := m.freeze(prevID); err == nil {
			prevFrozen = frozen
		}
	}

	if err := m.store.SaveSession(ctx, &memory.Session{
		ID:        s.id,
		UserID:    userID,
		State:     memory.SessionActive,
		StartedAt: now,
		Messages:  []memory.Message{},
	}); err != nil {
		userLock.Unlock()
		m.finishFrozen(ctx, prevFrozen)
		return "", err
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.active[userID] = s.id
	m.mu.Unlock()
	userLock.Unlock()

	m.finishFrozen(ctx, prevFrozen)

	m.logger.Info("session started", "user_id", userID, "session_id", s.id)
	return s.id, nil
}

// finishFrozen completes the best-effort close of a session frozen during
// StartSession. Errors are logged, not propagated.
func (m *Manager) finishFrozen(ctx context.Context, frozen *memory.Session) {
	if frozen == nil {
		return
	}
	if _, err := m.finish(ctx, frozen); err != nil {
		m.logger.Warn("ending previous session failed",
			"user_id", frozen.UserID, "session_id", frozen.ID, "error", err)
	}
}

// AddMessage appends a message to a session's working memory and returns
// its sequence number. The ring keeps only the most recent messages; older
// ones fall off. No model calls happen here.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, role memory.Role, text string) (int, error) {
	if !memory.ValidRole(role) {
		return 0, fmt.Errorf("%w: invalid role %q", ErrInvalidInput, role)
	}
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("%w: empty message text", ErrInvalidInput)
	}

	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return 0, ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return 0, ErrUnknownSession
	}

	msg := memory.Message{
		SessionID: sessionID,
		Seq:       s.nextSeq,
		Role:      role,
		Text:      text,
		Timestamp: m.nowFunc(),
	}
	s.nextSeq++
	s.ring = append(s.ring, msg)
	if len(s.ring) > m.ringCap() {
		s.ring = s.ring[len(s.ring)-m.ringCap():]
	}

	if m.cfg.PersistMessages {
		if err := m.store.PersistMessage(ctx, &msg); err != nil {
			m.logger.Warn("persist message failed", "session_id", sessionID, "error", err)
		}
	}
	if err := m.store.SaveSession(ctx, s.snapshot(memory.SessionActive, nil)); err != nil {
		return 0, err
	}
	return msg.Seq, nil
}

// snapshot renders the session as a storable record. Caller holds s.mu.
func (s *session) snapshot(state memory.SessionState, endedAt *time.Time) *memory.Session {
	return &memory.Session{
		ID:        s.id,
		UserID:    s.userID,
		State:     state,
		StartedAt: s.startedAt,
		EndedAt:   endedAt,
		Messages:  append([]memory.Message(nil), s.ring...),
	}
}

// GetMemoryContext assembles the prompt context for a user: profile,
// relevant facts and episodes, and the live working memory. An empty query
// falls back to the session's recent user messages.
func (m *Manager) GetMemoryContext(ctx context.Context, userID, query string) (*memory.MemoryContext, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	var working []memory.Message
	m.mu.Lock()
	s := m.sessions[m.active[userID]]
	m.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		working = append([]memory.Message(nil), s.ring...)
		s.mu.Unlock()
	}

	if strings.TrimSpace(query) == "" {
		query = recentUserText(working)
	}

	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	res, err := m.retriever.Retrieve(ctx, userID, query)
	if err != nil {
		return nil, err
	}

	return &memory.MemoryContext{
		Profile:  profile,
		Facts:    res.Facts,
		Episodes: res.Episodes,
		Working:  working,
	}, nil
}

func recentUserText(msgs []memory.Message) string {
	var parts []string
	for _, msg := range msgs {
		if msg.Role == memory.RoleUser {
			parts = append(parts, msg.Text)
		}
	}
	return strings.Join(parts, " ")
}

// EndSession closes a session and distills it into durable memory. The
// session always ends, even when extraction fails; in that case no episode
// is produced and the error is logged, not returned. Conversations shorter
// than the compress threshold (counted in user turns) end without
// extraction.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (*memory.Episode, error) {
	frozen, err := m.freeze(sessionID)
	if err != nil {
		return nil, err
	}
	return m.finish(ctx, frozen)
}

// freeze marks a session ended and detaches it from the live maps. New
// messages are rejected from the moment it returns.
func (m *Manager) freeze(sessionID string) (*memory.Session, error) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return nil, ErrUnknownSession
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, ErrUnknownSession
	}
	s.ended = true
	now := m.nowFunc()
	frozen := s.snapshot(memory.SessionEnded, &now)
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	if m.active[s.userID] == sessionID {
		delete(m.active, s.userID)
	}
	m.mu.Unlock()
	return frozen, nil
}

// finish persists a frozen session's ended state and distills it into
// durable memory. Extraction runs outside all locks; the commit and the
// sweep each take the user lock on their own.
func (m *Manager) finish(ctx context.Context, frozen *memory.Session) (*memory.Episode, error) {
	if err := m.store.SaveSession(ctx, frozen); err != nil {
		return nil, err
	}

	userTurns := 0
	for _, msg := range frozen.Messages {
		if msg.Role == memory.RoleUser {
			userTurns++
		}
	}
	if userTurns < m.cfg.EpisodeCompressThreshold {
		m.logger.Info("session ended without extraction",
			"session_id", frozen.ID, "user_turns", userTurns)
		return nil, nil
	}

	result, err := m.runExtraction(ctx, frozen.Messages, frozen.UserID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	episode, err := m.commit(ctx, frozen.UserID, result, *frozen.EndedAt)
	if err != nil {
		return nil, err
	}

	m.indexEpisode(ctx, episode)

	// Sweep after commit: caps first, then decay. Both re-read counts under
	// the user lock. Failures here are logged; the session is already closed.
	mu := m.userLock(frozen.UserID)
	mu.Lock()
	if _, err := m.forgetter.EnforceCaps(ctx, frozen.UserID); err != nil {
		m.logger.Warn("cap enforcement failed", "user_id", frozen.UserID, "error", err)
	}
	if _, err := m.forgetter.Run(ctx, frozen.UserID); err != nil {
		m.logger.Warn("forget sweep failed", "user_id", frozen.UserID, "error", err)
	}
	mu.Unlock()
	m.retriever.InvalidateUser(frozen.UserID)

	m.logger.Info("session ended",
		"session_id", frozen.ID, "user_id", frozen.UserID,
		"episode_id", episode.ID, "facts", len(result.Facts))
	return episode, nil
}

// runExtraction tries the primary extractor and falls back to rules.
// Cancellation propagates unchanged; any other failure is logged and the
// fallback is consulted. Returns nil, nil when nothing could be extracted;
// session closure does not depend on it.
func (m *Manager) runExtraction(ctx context.Context, msgs []memory.Message, userID string) (*memory.ExtractionResult, error) {
	result, err := m.extractor.Extract(ctx, msgs, userID)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	m.logger.Warn("extraction failed, using rule fallback", "user_id", userID, "error", err)

	if m.fallback == nil {
		return nil, nil
	}
	result, err = m.fallback.Extract(ctx, msgs, userID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		m.logger.Error("rule extraction failed", "user_id", userID, "error", err)
		return nil, nil
	}
	return result, nil
}

// commit writes the extraction result atomically: profile delta, episode,
// and facts land in one transaction under the user lock.
func (m *Manager) commit(ctx context.Context, userID string, result *memory.ExtractionResult, now time.Time) (*memory.Episode, error) {
	epID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate episode id: %w", err)
	}
	episode := &memory.Episode{
		ID:             epID.String(),
		UserID:         userID,
		Summary:        result.Summary,
		Keywords:       result.Keywords,
		Emotion:        result.Emotion,
		Importance:     result.Importance,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	err = m.store.Transaction(ctx, func(tx *store.Tx) error {
		profile, err := tx.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		if profile == nil {
			profile = &memory.Profile{UserID: userID, CreatedAt: now, UpdatedAt: now}
		}
		result.Profile.Apply(profile, m.cfg.MaxProfileTags, now)
		if err := tx.UpsertProfile(ctx, profile); err != nil {
			return err
		}

		if err := tx.InsertEpisode(ctx, episode); err != nil {
			return err
		}

		for _, triple := range result.Facts {
			factID, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate fact id: %w", err)
			}
			if err := tx.UpsertFact(ctx, &memory.Fact{
				ID:         factID.String(),
				UserID:     userID,
				Subject:    triple.Subject,
				Predicate:  triple.Predicate,
				Object:     triple.Object,
				Confidence: triple.Confidence,
				CreatedAt:  now,
				LastSeenAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return episode, nil
}

// indexEpisode stores the episode's summary embedding. Best effort; a
// failure leaves the episode retrievable by keywords.
func (m *Manager) indexEpisode(ctx context.Context, episode *memory.Episode) {
	if m.vec == nil || m.embed == nil || episode.Summary == "" {
		return
	}
	vec, err := m.embed.Generate(ctx, episode.Summary)
	if err != nil {
		m.logger.Warn("embedding generation failed", "episode_id", episode.ID, "error", err)
		return
	}
	if err := m.vec.Upsert(ctx, episode.ID, episode.UserID, episode.Summary, vec); err != nil {
		m.logger.Warn("vector indexing failed", "episode_id", episode.ID, "error", err)
	}
}

// SessionUser resolves a live session id to its user id. Returns
// ErrUnknownSession for ids that do not exist or have already ended.
func (m *Manager) SessionUser(sessionID string) (string, error) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return "", ErrUnknownSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return "", ErrUnknownSession
	}
	return s.userID, nil
}

// Forget runs a decay pass for one user and returns how many memories were
// removed.
func (m *Manager) Forget(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	mu := m.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	removed, err := m.forgetter.Run(ctx, userID)
	if err != nil {
		return 0, err
	}
	m.retriever.InvalidateUser(userID)
	return removed, nil
}

// Cleanup removes sessions ended more than a week ago, then runs a decay
// pass over every known user. Returns the total number of rows removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	cutoff := m.nowFunc().Add(-sessionRetention)
	removed, err := m.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	users, err := m.store.ListUserIDs(ctx)
	if err != nil {
		return removed, err
	}
	for _, userID := range users {
		n, err := m.Forget(ctx, userID)
		if err != nil {
			m.logger.Warn("forget sweep failed", "user_id", userID, "error", err)
			continue
		}
		removed += n
	}

	if removed > 0 {
		m.logger.Info("cleanup complete", "removed", removed)
	}
	return removed, nil
}

// Profile returns a user's profile, or store.ErrNotFound.
func (m *Manager) Profile(ctx context.Context, userID string) (*memory.Profile, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// PutProfile replaces a user's profile. Tags are re-added one by one so
// ordering and the cap hold regardless of what the caller sent.
func (m *Manager) PutProfile(ctx context.Context, p *memory.Profile) error {
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	now := m.nowFunc()

	mu := m.userLock(p.UserID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.store.GetProfile(ctx, p.UserID)
	if err != nil {
		return err
	}
	if existing == nil {
		p.CreatedAt = now
	} else {
		p.CreatedAt = existing.CreatedAt
	}
	p.UpdatedAt = now

	tags := p.Tags
	p.Tags = nil
	for _, tag := range tags {
		p.AddTag(tag, m.cfg.MaxProfileTags)
	}

	if err := m.store.UpsertProfile(ctx, p); err != nil {
		return err
	}
	m.retriever.InvalidateUser(p.UserID)
	return nil
}
