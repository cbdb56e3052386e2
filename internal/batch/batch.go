// Package batch runs independent work items under bounded parallelism and
// reports per-item outcomes in input order. One item failing never aborts
// the others.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/vidlens/internal/metrics"
	"github.com/yourorg/vidlens/pkg/types"
)

// Worker processes one item.
type Worker[T, R any] func(ctx context.Context, item T) (R, error)

type Options struct {
	MaxConcurrency int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	// Job, when set, receives live status updates. Run creates one otherwise.
	Job *Job
}

// ItemResult is the terminal state of items[Index].
type ItemResult[R any] struct {
	Index  int              `json:"index"`
	Status types.ItemStatus `json:"status"`
	Value  R                `json:"value,omitempty"`
	Error  string           `json:"error,omitempty"`
	Err    error            `json:"-"`
}

type Result[R any] struct {
	JobID     string          `json:"job_id"`
	Items     []ItemResult[R] `json:"items"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// Partial reports whether some but not all items failed.
func (r *Result[R]) Partial() bool {
	return r.Failed > 0 && r.Succeeded > 0
}

// Run processes every item and returns once each one is terminal. Items not
// started before ctx is cancelled are recorded as failed with ctx.Err().
func Run[T, R any](ctx context.Context, items []T, worker Worker[T, R], opts Options) *Result[R] {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	job := opts.Job
	if job == nil {
		job = NewJob(len(items))
	}

	results := make([]ItemResult[R], len(items))
	g := new(errgroup.Group)
	g.SetLimit(opts.MaxConcurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = runOne(ctx, job, i, item, worker, opts.Logger)
			opts.Metrics.BatchItem(string(results[i].Status))
			return nil
		})
	}
	_ = g.Wait()

	out := &Result[R]{JobID: job.ID, Items: results}
	for _, r := range results {
		if r.Status == types.ItemSuccess {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	job.finish()
	opts.Logger.Info("batch finished", "job", job.ID, "items", len(items), "succeeded", out.Succeeded, "failed", out.Failed)
	return out
}

func runOne[T, R any](ctx context.Context, job *Job, i int, item T, worker Worker[T, R], logger *slog.Logger) (res ItemResult[R]) {
	res.Index = i
	if err := ctx.Err(); err != nil {
		res.Status, res.Err, res.Error = types.ItemFailed, err, err.Error()
		job.set(i, res.Status)
		return res
	}
	job.set(i, types.ItemRunning)
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("item %d panicked: %v", i, p)
			logger.Error("batch item panicked", "job", job.ID, "index", i, "panic", p)
			res.Status, res.Err, res.Error = types.ItemFailed, err, err.Error()
		}
		job.set(i, res.Status)
	}()

	v, err := worker(ctx, item)
	if err != nil {
		logger.Warn("batch item failed", "job", job.ID, "index", i, "err", err)
		res.Status, res.Err, res.Error = types.ItemFailed, err, err.Error()
		return res
	}
	res.Status, res.Value = types.ItemSuccess, v
	return res
}

// Job tracks the live status of a running batch.
type Job struct {
	ID string

	mu       sync.Mutex
	statuses []types.ItemStatus
	done     bool
}

func NewJob(n int) *Job {
	statuses := make([]types.ItemStatus, n)
	for i := range statuses {
		statuses[i] = types.ItemPending
	}
	return &Job{ID: uuid.NewString(), statuses: statuses}
}

// Progress is a point-in-time view of a Job.
type Progress struct {
	JobID     string             `json:"job_id"`
	Statuses  []types.ItemStatus `json:"statuses"`
	Pending   int                `json:"pending"`
	Running   int                `json:"running"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Done      bool               `json:"done"`
}

func (j *Job) Snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := Progress{JobID: j.ID, Statuses: append([]types.ItemStatus(nil), j.statuses...), Done: j.done}
	for _, s := range j.statuses {
		switch s {
		case types.ItemPending:
			p.Pending++
		case types.ItemRunning:
			p.Running++
		case types.ItemSuccess:
			p.Succeeded++
		case types.ItemFailed:
			p.Failed++
		}
	}
	return p
}

func (j *Job) set(i int, s types.ItemStatus) {
	j.mu.Lock()
	if i < len(j.statuses) {
		j.statuses[i] = s
	}
	j.mu.Unlock()
}

func (j *Job) finish() {
	j.mu.Lock()
	j.done = true
	j.mu.Unlock()
}
