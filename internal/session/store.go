// Package session keeps bounded, idle-evicted, multi-turn sessions in memory
// with optional write-through to a durable store.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/vidlens/internal/apperrors"
	"github.com/yourorg/vidlens/internal/metrics"
	"github.com/yourorg/vidlens/pkg/types"
)

// Persistence is the durable side of the store. LoadSession returns nil, nil
// when the id is unknown.
type Persistence interface {
	SaveSession(sess *types.Session) error
	LoadSession(id string) (*types.Session, error)
	DeleteSession(id string) error
}

// CacheLookup reports whether a context cache is registered for a content id.
type CacheLookup interface {
	Lookup(contentID, model string) (types.CacheHandle, bool)
}

type Options struct {
	MaxSessions int
	IdleTTL     time.Duration
	MaxTurns    int
	// Model is the key half used when consulting Cache.
	Model string

	// Persistence and Cache are optional.
	Persistence Persistence
	Cache       CacheLookup

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Summary is the listing view of a live session.
type Summary struct {
	ID           string            `json:"id"`
	Description  string            `json:"description,omitempty"`
	Source       types.Source      `json:"source"`
	TurnCount    int               `json:"turn_count"`
	CacheStatus  types.CacheStatus `json:"cache_status"`
	LastActiveAt time.Time         `json:"last_active_at"`
}

// Store owns the process-wide session map. All mutation goes through its
// methods under mu; persistence is a local embedded store and is called
// inline.
type Store struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*types.Session
}

func NewStore(opts Options) *Store {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 32
	}
	if opts.MaxTurns < 1 {
		opts.MaxTurns = 24
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		sessions: make(map[string]*types.Session),
	}
}

// Create registers a new session for src. When the store is full the least
// recently active session is evicted first.
func (s *Store) Create(src types.Source, description string) (*types.Session, error) {
	status := types.CacheUnknown
	if s.opts.Cache != nil {
		status = types.CacheUncached
		if _, ok := s.opts.Cache.Lookup(src.ContentID, s.opts.Model); ok {
			status = types.CacheCached
		}
	}

	now := s.now()
	sess := &types.Session{
		ID:           uuid.NewString(),
		Description:  description,
		CreatedAt:    now,
		LastActiveAt: now,
		MaxTurns:     s.opts.MaxTurns,
		History:      []types.Turn{},
		Source:       src,
		CacheStatus:  status,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(now)
	for len(s.sessions) >= s.opts.MaxSessions {
		s.evictOldestLocked()
	}
	if err := s.saveLocked(sess); err != nil {
		return nil, err
	}
	s.sessions[sess.ID] = sess
	s.metrics.SessionCreated()
	s.metrics.SetLiveSessions(len(s.sessions))
	s.logger.Debug("session created", "id", sess.ID, "content_id", src.ContentID, "cache_status", status)
	return sess.Clone(), nil
}

// Get returns a copy of the session and marks it active. Sessions idle past
// the TTL are dropped from memory first; a miss falls back to persistence.
// The refreshed activity time stays in memory until the next write through
// (AddTurn or SetCacheStatus).
func (s *Store) Get(id string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.touchLocked(id)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// AddTurn appends a prompt/response exchange, trims the oldest turns beyond
// MaxTurns and writes the session through before returning. On a write
// failure the in-memory session is left unchanged.
func (s *Store) AddTurn(id, prompt, response string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.touchLocked(id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := sess.Clone()
	next.History = append(next.History, types.NewTurn(sess.TurnCount, prompt, response, now))
	next.TurnCount++
	if over := len(next.History) - next.MaxTurns; over > 0 {
		next.History = append([]types.Turn(nil), next.History[over:]...)
	}
	next.LastActiveAt = now

	if err := s.saveLocked(next); err != nil {
		return nil, err
	}
	s.sessions[id] = next
	s.metrics.TurnAdded()
	return next.Clone(), nil
}

// SetCacheStatus records whether the session's source is now backed by a
// context cache and writes the session through, which also makes the
// in-memory activity time durable.
func (s *Store) SetCacheStatus(id string, status types.CacheStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return apperrors.NotFound("session %s not found", id)
	}
	next := sess.Clone()
	next.CacheStatus = status
	if err := s.saveLocked(next); err != nil {
		return err
	}
	s.sessions[id] = next
	return nil
}

// Delete removes the session from memory and from persistence.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.metrics.SetLiveSessions(len(s.sessions))
	if s.opts.Persistence == nil {
		if !ok {
			return apperrors.NotFound("session %s not found", id)
		}
		return nil
	}
	if !ok {
		durable, err := s.opts.Persistence.LoadSession(id)
		if err == nil && durable == nil {
			return apperrors.NotFound("session %s not found", id)
		}
	}
	if err := s.opts.Persistence.DeleteSession(id); err != nil {
		return apperrors.Persistence(fmt.Sprintf("delete session %s", id), err)
	}
	return nil
}

// EvictExpired drops idle sessions from memory. Durable rows are kept so a
// later Get rehydrates them. It returns the number of evicted sessions.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked(s.now())
}

// List returns the live sessions, most recently active first.
func (s *Store) List() []Summary {
	s.mu.Lock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, Summary{
			ID:           sess.ID,
			Description:  sess.Description,
			Source:       sess.Source,
			TurnCount:    sess.TurnCount,
			CacheStatus:  sess.CacheStatus,
			LastActiveAt: sess.LastActiveAt,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len is the number of sessions resident in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) touchLocked(id string) (*types.Session, error) {
	now := s.now()
	s.evictExpiredLocked(now)

	sess, ok := s.sessions[id]
	if !ok {
		sess = s.rehydrateLocked(id)
		if sess == nil {
			return nil, apperrors.NotFound("session %s not found", id)
		}
	}
	sess.LastActiveAt = now
	return sess, nil
}

func (s *Store) rehydrateLocked(id string) *types.Session {
	if s.opts.Persistence == nil {
		return nil
	}
	sess, err := s.opts.Persistence.LoadSession(id)
	if err != nil {
		s.logger.Warn("load session, treating as not found", "id", id, "err", err)
		return nil
	}
	if sess == nil {
		return nil
	}
	for len(s.sessions) >= s.opts.MaxSessions {
		s.evictOldestLocked()
	}
	s.sessions[id] = sess
	s.metrics.SessionRehydrated()
	s.metrics.SetLiveSessions(len(s.sessions))
	s.logger.Debug("session rehydrated", "id", id, "turns", len(sess.History))
	return sess
}

func (s *Store) saveLocked(sess *types.Session) error {
	if s.opts.Persistence == nil {
		return nil
	}
	if err := s.opts.Persistence.SaveSession(sess); err != nil {
		return apperrors.Persistence(fmt.Sprintf("save session %s", sess.ID), err)
	}
	return nil
}

func (s *Store) evictExpiredLocked(now time.Time) int {
	if s.opts.IdleTTL <= 0 {
		return 0
	}
	n := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActiveAt) > s.opts.IdleTTL {
			delete(s.sessions, id)
			s.metrics.SessionEvicted("idle")
			s.logger.Debug("session evicted", "id", id, "reason", "idle")
			n++
		}
	}
	if n > 0 {
		s.metrics.SetLiveSessions(len(s.sessions))
	}
	return n
}

func (s *Store) evictOldestLocked() {
	var oldest *types.Session
	for _, sess := range s.sessions {
		if oldest == nil || sess.LastActiveAt.Before(oldest.LastActiveAt) {
			oldest = sess
		}
	}
	if oldest == nil {
		return
	}
	delete(s.sessions, oldest.ID)
	s.metrics.SessionEvicted("capacity")
	s.logger.Debug("session evicted", "id", oldest.ID, "reason", "capacity")
}
