// Package service wires the session store, context cache registry, analysis
// pipeline and batch controller into one object built at process start and
// torn down at shutdown. Every caller-facing error it returns is an
// *apperrors.Error.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/yourorg/vidlens/internal/analysis"
	"github.com/yourorg/vidlens/internal/apperrors"
	"github.com/yourorg/vidlens/internal/batch"
	"github.com/yourorg/vidlens/internal/cache"
	"github.com/yourorg/vidlens/internal/config"
	"github.com/yourorg/vidlens/internal/filter"
	"github.com/yourorg/vidlens/internal/gemini"
	"github.com/yourorg/vidlens/internal/metrics"
	"github.com/yourorg/vidlens/internal/report"
	"github.com/yourorg/vidlens/internal/retry"
	"github.com/yourorg/vidlens/internal/session"
	"github.com/yourorg/vidlens/internal/store"
	"github.com/yourorg/vidlens/internal/worker"
	"github.com/yourorg/vidlens/pkg/types"
)

// Provider is the upstream model: generation, uploads and context caches.
type Provider interface {
	analysis.Model
	cache.Upstream
}

type Deps struct {
	Provider Provider
	// Store is optional; nil keeps sessions in memory only.
	Store   store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// maxTrackedJobs bounds the finished batch jobs kept for status queries.
const maxTrackedJobs = 64

type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    store.Store
	pool     *worker.Pool
	registry *cache.Registry
	sessions *session.Store
	pipeline *analysis.Pipeline
	redact   func(string) string

	jobsMu   sync.Mutex
	jobs     map[string]*batch.Job
	jobOrder []string
}

// Open builds a Service backed by the Gemini API and, when configured, the
// SQLite session store.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if err := cfg.ValidateProvider(); err != nil {
		return nil, err
	}
	client, err := gemini.New(ctx, gemini.Config{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		MaxOutputTokens:   cfg.LLM.MaxOutputTokens,
		Temperature:       cfg.LLM.TemperatureValue(),
		SystemInstruction: analysis.SystemInstruction(),
		CacheTTL:          cfg.Cache.UpstreamTTL,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	var st store.Store
	if cfg.Store.Path != "" {
		sq, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		st = sq
	}
	return New(cfg, Deps{Provider: client, Store: st, Metrics: m, Logger: logger})
}

func New(cfg *config.Config, deps Deps) (*Service, error) {
	if deps.Provider == nil {
		return nil, errors.New("service: provider is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	pool := worker.NewPool(cfg.Cache.PrewarmWorkers, deps.Logger)
	pool.OnDrop = func(string) { deps.Metrics.PrewarmDropped() }
	registry := cache.NewRegistry(deps.Provider, cache.Options{
		Path:    cfg.Cache.RegistryPath,
		Policy:  policy,
		Pool:    pool,
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
		Now:     deps.Now,
	})
	sessOpts := session.Options{
		MaxSessions: cfg.Session.MaxConcurrentSessions,
		IdleTTL:     cfg.Session.IdleTTL,
		MaxTurns:    cfg.Session.MaxTurns,
		Model:       cfg.LLM.Model,
		Cache:       registry,
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
		Now:         deps.Now,
	}
	if deps.Store != nil {
		sessOpts.Persistence = deps.Store
	}
	pipeline := analysis.New(deps.Provider, registry, analysis.Options{
		Model:            cfg.LLM.Model,
		Policy:           policy,
		ResultCacheSize:  cfg.Cache.ResultCacheSize,
		ResultCacheTTL:   cfg.Cache.ResultCacheTTL,
		MaxHistoryTokens: cfg.Session.MaxHistoryTokens,
		Logger:           deps.Logger,
		Metrics:          deps.Metrics,
		Now:              deps.Now,
	})

	return &Service{
		cfg:      cfg,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		store:    deps.Store,
		pool:     pool,
		registry: registry,
		sessions: session.NewStore(sessOpts),
		pipeline: pipeline,
		redact:   filter.Redactor(cfg.Sanitize),
		jobs:     make(map[string]*batch.Job),
	}, nil
}

// SessionInfo is returned by CreateSession.
type SessionInfo struct {
	SessionID   string            `json:"session_id"`
	Status      string            `json:"status"`
	TurnCount   int               `json:"turn_count"`
	MaxTurns    int               `json:"max_turns"`
	CacheStatus types.CacheStatus `json:"cache_status"`
	Source      types.Source      `json:"source"`
}

// TurnResult is returned by Continue.
type TurnResult struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
	TurnCount int    `json:"turn_count"`
	Cached    bool   `json:"cached"`
}

// CreateSession opens a session about ref. When no context cache is
// registered for the content yet, one is pre-warmed in the background.
func (s *Service) CreateSession(ctx context.Context, ref, description string) (*SessionInfo, error) {
	src, err := s.source(ref)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Create(src, description)
	if err != nil {
		return nil, err
	}
	if sess.CacheStatus != types.CacheCached {
		s.pipeline.PreWarm(src)
	}
	s.logger.Info("session created", "id", sess.ID, "source", s.redact(src.Ref), "cache_status", sess.CacheStatus)
	return &SessionInfo{
		SessionID:   sess.ID,
		Status:      "active",
		TurnCount:   sess.TurnCount,
		MaxTurns:    sess.MaxTurns,
		CacheStatus: sess.CacheStatus,
		Source:      sess.Source,
	}, nil
}

// Continue sends prompt within the session and records the turn. The turn
// is acknowledged only after it is durable.
func (s *Service) Continue(ctx context.Context, id, prompt string) (*TurnResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, apperrors.Permanent("prompt cannot be empty", nil)
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	reply, err := s.pipeline.Converse(ctx, sess, prompt)
	if err != nil {
		return nil, s.categorize("session turn failed", err)
	}
	status := types.CacheUncached
	if reply.Cached {
		status = types.CacheCached
	}
	// The session may have been evicted while the model was answering.
	_ = s.sessions.SetCacheStatus(id, status)
	updated, err := s.sessions.AddTurn(id, prompt, reply.Text)
	if err != nil {
		return nil, err
	}
	return &TurnResult{SessionID: id, Response: reply.Text, TurnCount: updated.TurnCount, Cached: reply.Cached}, nil
}

func (s *Service) GetSession(id string) (*types.Session, error) {
	return s.sessions.Get(id)
}

func (s *Service) DeleteSession(id string) error {
	return s.sessions.Delete(id)
}

// ListSessions lists durable sessions when a store is configured and the
// in-memory ones otherwise.
func (s *Service) ListSessions() ([]store.Summary, error) {
	if s.store != nil {
		list, err := s.store.ListSessions()
		if err != nil {
			return nil, apperrors.Persistence("list sessions", err)
		}
		return list, nil
	}
	live := s.sessions.List()
	out := make([]store.Summary, 0, len(live))
	for _, l := range live {
		out = append(out, store.Summary{
			ID:           l.ID,
			Description:  l.Description,
			SourceKind:   l.Source.Kind,
			SourceRef:    l.Source.Ref,
			TurnCount:    l.TurnCount,
			CacheStatus:  l.CacheStatus,
			LastActiveAt: l.LastActiveAt,
		})
	}
	return out, nil
}

// EvictIdle drops idle sessions from memory and returns how many went.
func (s *Service) EvictIdle() int {
	return s.sessions.EvictExpired()
}

// Analyze runs a one-shot analysis of ref.
func (s *Service) Analyze(ctx context.Context, ref, prompt string) (*types.Analysis, error) {
	src, err := s.source(ref)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	a, err := s.pipeline.Analyze(ctx, src, prompt)
	if err != nil {
		return nil, s.categorize("analysis failed", err)
	}
	return &a, nil
}

// BatchRequest describes a batch run over remote refs, files and
// directories.
type BatchRequest struct {
	Inputs []string `json:"inputs"`
	Prompt string   `json:"prompt"`
	// WriteReport renders the result to the configured output directory.
	WriteReport bool `json:"write_report"`
}

type BatchResult struct {
	*batch.Result[types.Analysis]
	Sources []string `json:"sources"`
	Reports []string `json:"reports,omitempty"`
	// Outcome is set when some items failed.
	Outcome *apperrors.Outcome `json:"outcome,omitempty"`
}

// Batch analyzes every input under the configured concurrency. Item
// failures are reported per item and summarized in Outcome; they never
// fail the call.
func (s *Service) Batch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	sources, err := filter.Sources(req.Inputs, s.cfg.Batch)
	if err != nil {
		return nil, apperrors.Permanent("resolve batch inputs", err)
	}
	if len(sources) == 0 {
		return nil, apperrors.Permanent("no media found in batch inputs", nil)
	}

	job := batch.NewJob(len(sources))
	s.trackJob(job)
	res := batch.Run(ctx, sources, func(ctx context.Context, src types.Source) (types.Analysis, error) {
		ctx, cancel := s.withTimeout(ctx)
		defer cancel()
		a, err := s.pipeline.Analyze(ctx, src, req.Prompt)
		if err != nil {
			return a, s.categorize("analysis failed", err)
		}
		return a, nil
	}, batch.Options{
		MaxConcurrency: s.cfg.Batch.MaxConcurrency,
		Logger:         s.logger,
		Metrics:        s.metrics,
		Job:            job,
	})
	for i := range res.Items {
		res.Items[i].Error = s.redact(res.Items[i].Error)
	}

	out := &BatchResult{Result: res, Sources: make([]string, len(sources))}
	for i, src := range sources {
		out.Sources[i] = src.Ref
	}
	if res.Failed > 0 {
		o := apperrors.ToOutcome(apperrors.New(apperrors.CategoryPartialBatchFailure,
			fmt.Sprintf("%d of %d items failed", res.Failed, len(res.Items)), nil), s.redact)
		out.Outcome = &o
	}
	if req.WriteReport {
		paths, err := report.Write(s.buildReport(out, req.Prompt), s.cfg.Output.Dir, s.cfg.Output.Formats)
		if err != nil {
			s.logger.Warn("write batch report", "job", res.JobID, "err", err)
		}
		out.Reports = paths
	}
	return out, nil
}

// BatchStatus returns the live progress of a recent batch job.
func (s *Service) BatchStatus(jobID string) (batch.Progress, error) {
	s.jobsMu.Lock()
	job, ok := s.jobs[jobID]
	s.jobsMu.Unlock()
	if !ok {
		return batch.Progress{}, apperrors.NotFound("batch job %s not found", jobID)
	}
	return job.Snapshot(), nil
}

// CacheEntries lists the context cache registry, optionally checking each
// handle upstream.
func (s *Service) CacheEntries(ctx context.Context, validate bool) []types.CacheEntry {
	return s.registry.Entries(ctx, validate)
}

// ClearCache wipes the context cache registry and the in-process result
// cache.
func (s *Service) ClearCache() {
	s.registry.Clear()
	s.pipeline.Purge()
	s.logger.Info("caches cleared")
}

// Outcome converts err into the structured caller-facing failure.
func (s *Service) Outcome(err error) apperrors.Outcome {
	return apperrors.ToOutcome(err, s.redact)
}

// Redact scrubs secrets from text leaving the process.
func (s *Service) Redact(msg string) string {
	return s.redact(msg)
}

// Close drains background work and closes the session store.
func (s *Service) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := s.pool.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close session store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Service) source(ref string) (types.Source, error) {
	if strings.TrimSpace(ref) == "" {
		return types.Source{}, apperrors.Permanent("source reference cannot be empty", nil)
	}
	src := types.NewSource(ref)
	if src.Kind == types.SourceLocal {
		info, err := os.Stat(src.ContentID)
		if err != nil {
			return types.Source{}, apperrors.Permanent(fmt.Sprintf("source %s is not readable", ref), err)
		}
		if info.IsDir() {
			return types.Source{}, apperrors.Permanent(fmt.Sprintf("source %s is a directory", ref), nil)
		}
	}
	return src, nil
}

func (s *Service) categorize(msg string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.CategoryOf(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(msg, err)
	}
	return apperrors.New(retry.Classify(err), msg, err)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.LLM.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.LLM.RequestTimeout)
}

func (s *Service) trackJob(job *batch.Job) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	for len(s.jobOrder) > maxTrackedJobs {
		delete(s.jobs, s.jobOrder[0])
		s.jobOrder = s.jobOrder[1:]
	}
}

func (s *Service) buildReport(res *BatchResult, prompt string) *report.Report {
	rep := &report.Report{
		JobID:       res.JobID,
		Model:       s.cfg.LLM.Model,
		Prompt:      analysis.BuildPrompt(prompt),
		GeneratedAt: time.Now(),
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		Items:       make([]report.Item, len(res.Items)),
	}
	for i, it := range res.Items {
		rep.Items[i] = report.Item{
			Index:  it.Index,
			Source: res.Sources[i],
			Status: it.Status,
			Cached: it.Value.Cached,
			Text:   it.Value.Text,
			Error:  it.Error,
		}
	}
	return rep
}
