// Package cache maps (content id, model) pairs to upstream context cache
// handles so a one-shot analysis and a later session on the same content
// share one upstream resource.
//
// Creation is not guarded by a per-key or cross-process lock. Two racing
// callers may each create an upstream cache for the same key; the last write
// wins in the registry and the other resource expires on its upstream TTL.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/vidlens/internal/metrics"
	"github.com/yourorg/vidlens/internal/retry"
	"github.com/yourorg/vidlens/internal/worker"
	"github.com/yourorg/vidlens/pkg/types"
)

// Upstream is the provider side of the context cache.
type Upstream interface {
	CreateCache(ctx context.Context, model string, parts []types.Part) (types.CacheHandle, error)
	// GetCache returns an error when the handle is no longer live.
	GetCache(ctx context.Context, handle types.CacheHandle) error
}

type entry struct {
	handle      types.CacheHandle
	validatedAt time.Time
}

type Options struct {
	// Path of the JSON sidecar. Empty keeps the registry in memory only.
	Path    string
	Policy  retry.Policy
	Pool    *worker.Pool
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Registry struct {
	upstream Upstream
	path     string
	policy   retry.Policy
	pool     *worker.Pool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	loaded  bool

	// persistMu orders sidecar writes so the newest snapshot lands last.
	persistMu sync.Mutex
}

func NewRegistry(up Upstream, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	return &Registry{
		upstream: up,
		path:     opts.Path,
		policy:   opts.Policy,
		pool:     opts.Pool,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		entries:  make(map[string]entry),
	}
}

// Key builds the composite registry key.
func Key(contentID, model string) string {
	return contentID + ":" + model
}

// splitKey undoes Key. Content ids may contain ':' (URLs), model names do
// not, so the last separator wins.
func splitKey(key string) (contentID, model string) {
	i := strings.LastIndex(key, ":")
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// Lookup is a pure in-memory read, hydrating from the sidecar on first use.
func (r *Registry) Lookup(contentID, model string) (types.CacheHandle, bool) {
	handle, ok := r.lookup(contentID, model)
	r.metrics.CacheLookup(ok)
	return handle, ok
}

// lookup is Lookup without the hit/miss accounting, for internal paths.
func (r *Registry) lookup(contentID, model string) (types.CacheHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoadedLocked()
	e, ok := r.entries[Key(contentID, model)]
	return e.handle, ok
}

// GetOrCreate returns a live handle for the key, validating a registered
// handle upstream and creating a new cache from parts when there is none or
// it has expired. A validation that keeps failing transiently returns the
// error and leaves the registered handle in place.
func (r *Registry) GetOrCreate(ctx context.Context, contentID string, parts []types.Part, model string) (types.CacheHandle, error) {
	key := Key(contentID, model)
	if handle, ok := r.lookup(contentID, model); ok {
		err := retry.Do(ctx, r.retryPolicy(), func(ctx context.Context) error {
			return r.upstream.GetCache(ctx, handle)
		})
		if err == nil {
			r.mu.Lock()
			if e, ok := r.entries[key]; ok && e.handle == handle {
				e.validatedAt = r.now()
				r.entries[key] = e
			}
			r.mu.Unlock()
			return handle, nil
		}
		if retry.IsTransient(err) {
			return "", fmt.Errorf("validate context cache %s: %w", key, err)
		}
		r.metrics.CacheInvalidated()
		r.logger.Info("context cache handle no longer valid, recreating", "key", key, "handle", handle, "err", err)
	}

	handle, err := retry.Value(ctx, r.retryPolicy(), func(ctx context.Context) (types.CacheHandle, error) {
		return r.upstream.CreateCache(ctx, model, parts)
	})
	if err != nil {
		return "", fmt.Errorf("create context cache for %s: %w", key, err)
	}
	r.metrics.CacheCreated()

	r.mu.Lock()
	r.entries[key] = entry{handle: handle, validatedAt: r.now()}
	r.mu.Unlock()
	r.persist()
	r.logger.Debug("context cache created", "key", key, "handle", handle)
	return handle, nil
}

// PreWarm schedules GetOrCreate in the background when the key is not yet
// registered. Every failure is logged and dropped.
func (r *Registry) PreWarm(contentID string, parts []types.Part, model string) {
	if _, ok := r.lookup(contentID, model); ok {
		return
	}
	if r.pool == nil {
		return
	}
	parts = append([]types.Part(nil), parts...)
	r.pool.Submit("prewarm "+Key(contentID, model), func(ctx context.Context) error {
		_, err := r.GetOrCreate(ctx, contentID, parts, model)
		return err
	})
}

// Delete drops one key from the registry.
func (r *Registry) Delete(contentID, model string) bool {
	r.mu.Lock()
	r.ensureLoadedLocked()
	key := Key(contentID, model)
	_, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		r.persist()
	}
	return ok
}

// Entries lists the registry. With validate set every handle is checked
// upstream once, without retries.
func (r *Registry) Entries(ctx context.Context, validate bool) []types.CacheEntry {
	r.mu.Lock()
	r.ensureLoadedLocked()
	out := make([]types.CacheEntry, 0, len(r.entries))
	for key, e := range r.entries {
		contentID, model := splitKey(key)
		out = append(out, types.CacheEntry{
			ContentID:   contentID,
			Model:       model,
			Handle:      e.handle,
			ValidatedAt: e.validatedAt,
			Validity:    types.CacheUnchecked,
		})
	}
	r.mu.Unlock()

	sortEntries(out)
	if !validate {
		return out
	}
	for i := range out {
		if err := r.upstream.GetCache(ctx, out[i].Handle); err != nil {
			out[i].Validity = types.CacheInvalid
			continue
		}
		out[i].Validity = types.CacheValid
	}
	return out
}

// Clear wipes the in-memory map and the sidecar. The registry stays loaded
// so a stale sidecar is not read back.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]entry)
	r.loaded = true
	r.mu.Unlock()
	r.removeSidecar()
}

func (r *Registry) retryPolicy() retry.Policy {
	p := r.policy
	if r.metrics != nil {
		p.OnRetry = func(int, error, time.Duration) { r.metrics.Retried() }
	}
	return p
}
