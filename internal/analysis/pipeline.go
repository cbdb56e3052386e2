// Package analysis turns a media source and a prompt into model output. It
// owns the one-shot result cache and bridges it to the context cache
// registry so repeated work on the same content is not resubmitted.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/yourorg/vidlens/internal/gemini"
	"github.com/yourorg/vidlens/internal/metrics"
	"github.com/yourorg/vidlens/internal/retry"
	"github.com/yourorg/vidlens/pkg/types"
)

// Model is the upstream provider.
type Model interface {
	Generate(ctx context.Context, req gemini.Request) (string, error)
	Upload(ctx context.Context, path, mimeType string) (types.Part, error)
}

// ContextCache is the registry of upstream context caches.
type ContextCache interface {
	Lookup(contentID, model string) (types.CacheHandle, bool)
	GetOrCreate(ctx context.Context, contentID string, parts []types.Part, model string) (types.CacheHandle, error)
	PreWarm(contentID string, parts []types.Part, model string)
	Delete(contentID, model string) bool
}

type Options struct {
	Model           string
	Policy          retry.Policy
	ResultCacheSize int
	ResultCacheTTL  time.Duration
	// MaxHistoryTokens caps the replayed history; older turns are skipped
	// first. Zero means no cap.
	MaxHistoryTokens int
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

type Pipeline struct {
	model   Model
	cache   ContextCache
	opts    Options
	logger  *slog.Logger
	results *expirable.LRU[string, types.Analysis]
	uploads *expirable.LRU[string, types.Part]
}

// Reply is the outcome of one conversational turn.
type Reply struct {
	Text   string
	Cached bool
}

func New(model Model, cache ContextCache, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.ResultCacheSize < 1 {
		opts.ResultCacheSize = 256
	}
	if opts.ResultCacheTTL <= 0 {
		opts.ResultCacheTTL = time.Hour
	}
	if opts.Metrics != nil {
		m := opts.Metrics
		opts.Policy.OnRetry = func(int, error, time.Duration) { m.Retried() }
	}
	return &Pipeline{
		model:   model,
		cache:   cache,
		opts:    opts,
		logger:  opts.Logger,
		results: expirable.NewLRU[string, types.Analysis](opts.ResultCacheSize, nil, opts.ResultCacheTTL),
		// Uploaded files expire upstream after 48h.
		uploads: expirable.NewLRU[string, types.Part](opts.ResultCacheSize, nil, 47*time.Hour),
	}
}

// ModelName is the model every call is keyed on.
func (p *Pipeline) ModelName() string { return p.opts.Model }

// Resolve turns a source into prompt parts. Local files are uploaded once
// and the resulting reference is reused.
func (p *Pipeline) Resolve(ctx context.Context, src types.Source) ([]types.Part, error) {
	mt := src.MIMEType
	if mt == "" {
		mt = MIMEType(src.Ref)
	}
	if src.Kind == types.SourceRemote {
		return []types.Part{types.FileRefPart(types.RoleUser, src.Ref, mt)}, nil
	}
	if part, ok := p.uploads.Get(src.ContentID); ok {
		return []types.Part{part}, nil
	}
	part, err := retry.Value(ctx, p.opts.Policy, func(ctx context.Context) (types.Part, error) {
		return p.model.Upload(ctx, src.ContentID, mt)
	})
	if err != nil {
		return nil, err
	}
	p.uploads.Add(src.ContentID, part)
	return []types.Part{part}, nil
}

// Analyze runs a one-shot prompt against src. Results are cached per
// content, model and prompt; after a fresh result the context cache is
// pre-warmed so a later session on the same content can reuse it.
func (p *Pipeline) Analyze(ctx context.Context, src types.Source, prompt string) (types.Analysis, error) {
	prompt = BuildPrompt(prompt)
	key := resultKey(src.ContentID, p.opts.Model, prompt)
	if a, ok := p.results.Get(key); ok {
		a.Cached = true
		return a, nil
	}

	parts, err := p.Resolve(ctx, src)
	if err != nil {
		return types.Analysis{}, err
	}
	req := gemini.Request{Model: p.opts.Model, Source: parts, Prompt: prompt}
	if handle, ok := p.cache.Lookup(src.ContentID, p.opts.Model); ok {
		req.CachedContent = handle
	}
	text, err := p.generate(ctx, src.ContentID, req)
	if err != nil {
		return types.Analysis{}, err
	}

	a := types.Analysis{
		ContentID: src.ContentID,
		Model:     p.opts.Model,
		Prompt:    prompt,
		Text:      text,
		CreatedAt: p.opts.Now(),
	}
	p.results.Add(key, a)
	p.cache.PreWarm(src.ContentID, parts, p.opts.Model)
	return a, nil
}

// Converse answers prompt in the context of sess, replaying its history.
// The source is served from a context cache when one can be obtained and
// sent inline otherwise.
func (p *Pipeline) Converse(ctx context.Context, sess *types.Session, prompt string) (Reply, error) {
	if sess == nil {
		return Reply{}, errors.New("session is nil")
	}
	parts, err := p.Resolve(ctx, sess.Source)
	if err != nil {
		return Reply{}, err
	}
	req := gemini.Request{
		Model:   p.opts.Model,
		Source:  parts,
		History: p.replay(sess.History),
		Prompt:  BuildPrompt(prompt),
	}
	handle, err := p.cache.GetOrCreate(ctx, sess.Source.ContentID, parts, p.opts.Model)
	if err != nil {
		p.logger.Info("context cache unavailable, sending source inline", "session", sess.ID, "err", err)
	} else {
		req.CachedContent = handle
	}
	text, err := p.generate(ctx, sess.Source.ContentID, req)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: text, Cached: req.CachedContent != ""}, nil
}

// generate calls the model with retries. A permanent failure while using a
// context cache drops the handle and retries once inline.
func (p *Pipeline) generate(ctx context.Context, contentID string, req gemini.Request) (string, error) {
	call := func(req gemini.Request) (string, error) {
		return retry.Value(ctx, p.opts.Policy, func(ctx context.Context) (string, error) {
			return p.model.Generate(ctx, req)
		})
	}
	text, err := call(req)
	if err == nil || req.CachedContent == "" || retry.IsTransient(err) || ctx.Err() != nil {
		return text, err
	}
	p.logger.Warn("generation with context cache failed, retrying inline", "content_id", contentID, "handle", req.CachedContent, "err", err)
	p.cache.Delete(contentID, req.Model)
	req.CachedContent = ""
	text, inlineErr := call(req)
	if inlineErr != nil {
		return "", fmt.Errorf("%w (cached attempt: %v)", inlineErr, err)
	}
	return text, nil
}

// replay drops the oldest turns until the history fits MaxHistoryTokens.
func (p *Pipeline) replay(history []types.Turn) []types.Turn {
	limit := p.opts.MaxHistoryTokens
	if limit <= 0 {
		return history
	}
	for len(history) > 0 && historyTokens(history) > limit {
		history = history[1:]
	}
	return history
}

// PreWarm schedules context cache creation for src when its parts are known
// without an upload. Local files that were never uploaded are skipped.
func (p *Pipeline) PreWarm(src types.Source) {
	var parts []types.Part
	switch {
	case src.Kind == types.SourceRemote:
		parts, _ = p.Resolve(context.Background(), src)
	default:
		part, ok := p.uploads.Peek(src.ContentID)
		if !ok {
			return
		}
		parts = []types.Part{part}
	}
	p.cache.PreWarm(src.ContentID, parts, p.opts.Model)
}

// Purge drops memoized results and uploads.
func (p *Pipeline) Purge() {
	p.results.Purge()
	p.uploads.Purge()
}
