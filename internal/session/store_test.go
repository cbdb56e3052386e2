package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/vidlens/internal/apperrors"
	"github.com/yourorg/vidlens/internal/store"
	"github.com/yourorg/vidlens/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memPersistence struct {
	mu      sync.Mutex
	rows    map[string]*types.Session
	saveErr error
	loadErr error
	saves   int
}

func newMemPersistence() *memPersistence {
	return &memPersistence{rows: make(map[string]*types.Session)}
}

func (m *memPersistence) SaveSession(sess *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.rows[sess.ID] = sess.Clone()
	return nil
}

func (m *memPersistence) LoadSession(id string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.rows[id].Clone(), nil
}

func (m *memPersistence) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type fakeLookup map[string]types.CacheHandle

func (f fakeLookup) Lookup(contentID, model string) (types.CacheHandle, bool) {
	h, ok := f[contentID+":"+model]
	return h, ok
}

var src = types.Source{ContentID: "v1", Kind: types.SourceRemote, Ref: "https://example.com/v1.mp4"}

func TestAddTurn_TrimsOldestFirst(t *testing.T) {
	s := NewStore(Options{MaxTurns: 24, Now: newClock().Now})
	sess, err := s.Create(src, "trim")
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		got, err := s.AddTurn(sess.ID, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got.History), 24)
	}

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 24)
	assert.Equal(t, 30, got.TurnCount)
	assert.Equal(t, 6, got.History[0].Index)
	assert.Equal(t, "q6", got.History[0].Prompt())
	assert.Equal(t, "a29", got.History[23].Response())
}

func TestGet_IdleSessionWithoutPersistenceIsGone(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{IdleTTL: time.Hour, Now: clock.Now})
	sess, err := s.Create(src, "")
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)
	_, err = s.Get(sess.ID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, 0, s.Len())
}

func TestGet_IdleSessionRehydratesFromPersistence(t *testing.T) {
	clock := newClock()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(Options{IdleTTL: time.Hour, Persistence: db, Now: clock.Now})
	sess, err := s.Create(src, "rehydrate me")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = s.AddTurn(sess.ID, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
		require.NoError(t, err)
	}
	before, err := s.Get(sess.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, s.EvictExpired())
	assert.Equal(t, 0, s.EvictExpired())
	assert.Equal(t, 0, s.Len())

	after, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before.History, after.History)
	assert.Equal(t, before.TurnCount, after.TurnCount)
	assert.Equal(t, before.Source, after.Source)

	again, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, after.History, again.History)
}

func TestGet_LoadErrorDegradesToNotFound(t *testing.T) {
	p := newMemPersistence()
	p.loadErr = errors.New("disk I/O error")
	s := NewStore(Options{Persistence: p})

	_, err := s.Get("missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestGet_UnknownID(t *testing.T) {
	s := NewStore(Options{Persistence: newMemPersistence()})
	_, err := s.Get("nope")
	c, ok := apperrors.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CategoryNotFound, c)
	assert.False(t, c.Retryable())
}

func TestAddTurn_WriteFailureLeavesSessionUnchanged(t *testing.T) {
	p := newMemPersistence()
	s := NewStore(Options{Persistence: p})
	sess, err := s.Create(src, "")
	require.NoError(t, err)
	_, err = s.AddTurn(sess.ID, "q0", "a0")
	require.NoError(t, err)

	p.saveErr = errors.New("database is locked")
	_, err = s.AddTurn(sess.ID, "q1", "a1")
	c, ok := apperrors.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CategoryPersistenceFailure, c)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TurnCount)
	assert.Len(t, got.History, 1)
}

func TestCreate_WriteFailureDoesNotRegister(t *testing.T) {
	p := newMemPersistence()
	p.saveErr = errors.New("readonly database")
	s := NewStore(Options{Persistence: p})

	_, err := s.Create(src, "")
	require.Error(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestCreate_CapacityEvictsLeastRecentlyActive(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{MaxSessions: 2, Now: clock.Now})

	a, err := s.Create(src, "a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := s.Create(src, "b")
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Get(a.ID)
	require.NoError(t, err)
	clock.Advance(time.Second)

	c, err := s.Create(src, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	_, err = s.Get(b.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = s.Get(a.ID)
	assert.NoError(t, err)
	_, err = s.Get(c.ID)
	assert.NoError(t, err)
}

func TestCreate_CacheStatus(t *testing.T) {
	lookup := fakeLookup{"v1:m": "cachedContents/abc"}

	s := NewStore(Options{Cache: lookup, Model: "m"})
	sess, err := s.Create(src, "")
	require.NoError(t, err)
	assert.Equal(t, types.CacheCached, sess.CacheStatus)

	other := types.Source{ContentID: "v2", Kind: types.SourceRemote, Ref: "https://example.com/v2.mp4"}
	sess, err = s.Create(other, "")
	require.NoError(t, err)
	assert.Equal(t, types.CacheUncached, sess.CacheStatus)

	s = NewStore(Options{})
	sess, err = s.Create(src, "")
	require.NoError(t, err)
	assert.Equal(t, types.CacheUnknown, sess.CacheStatus)
	assert.Equal(t, 0, sess.TurnCount)
	assert.NotEmpty(t, sess.ID)
}

func TestDelete(t *testing.T) {
	p := newMemPersistence()
	s := NewStore(Options{Persistence: p})
	sess, err := s.Create(src, "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(sess.ID))
	_, err = s.Get(sess.ID)
	assert.True(t, apperrors.IsNotFound(err), "deleted sessions must not rehydrate")
	assert.True(t, apperrors.IsNotFound(s.Delete(sess.ID)))
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(Options{})
	sess, err := s.Create(src, "")
	require.NoError(t, err)
	_, err = s.AddTurn(sess.ID, "q", "a")
	require.NoError(t, err)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	got.History[0].Parts[0].Payload = "mutated"

	again, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "q", again.History[0].Prompt())
}

func TestSetCacheStatusAndList(t *testing.T) {
	clock := newClock()
	s := NewStore(Options{Now: clock.Now})
	a, _ := s.Create(src, "a")
	clock.Advance(time.Second)
	b, _ := s.Create(src, "b")

	require.NoError(t, s.SetCacheStatus(a.ID, types.CacheCached))
	assert.True(t, apperrors.IsNotFound(s.SetCacheStatus("nope", types.CacheCached)))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, types.CacheCached, list[1].CacheStatus)
}

func TestSetCacheStatusWritesActivityThrough(t *testing.T) {
	clock := newClock()
	p := newMemPersistence()
	s := NewStore(Options{Persistence: p, Now: clock.Now})
	sess, err := s.Create(src, "activity")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	_, err = s.Get(sess.ID)
	require.NoError(t, err)
	row, _ := p.LoadSession(sess.ID)
	assert.Equal(t, sess.LastActiveAt, row.LastActiveAt, "a read alone is not written through")

	require.NoError(t, s.SetCacheStatus(sess.ID, types.CacheCached))
	row, _ = p.LoadSession(sess.ID)
	assert.Equal(t, clock.Now(), row.LastActiveAt)
	assert.Equal(t, types.CacheCached, row.CacheStatus)

	p.saveErr = errors.New("readonly database")
	err = s.SetCacheStatus(sess.ID, types.CacheUncached)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CategoryPersistenceFailure, appErr.Category)
	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.CacheCached, got.CacheStatus)
}

func TestConcurrentSessions(t *testing.T) {
	s := NewStore(Options{MaxSessions: 64, Persistence: newMemPersistence()})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := s.Create(src, "")
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < 5; j++ {
				_, err := s.AddTurn(sess.ID, "q", "a")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, s.Len())
	for _, sum := range s.List() {
		assert.Equal(t, 5, sum.TurnCount)
	}
}
