// Package worker runs fire-and-forget background tasks on a bounded pool
// that can be drained at shutdown.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Task is one unit of background work. Its error is logged and discarded.
type Task func(ctx context.Context) error

type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// OnDrop is called when a task is rejected because every slot is busy.
	OnDrop func(name string)
}

func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit starts task if a slot is free and reports whether it was accepted.
// It never blocks.
func (p *Pool) Submit(name string, task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Debug("background task rejected after shutdown", "task", name)
		return false
	}
	if !p.sem.TryAcquire(1) {
		p.logger.Debug("background task dropped, pool full", "task", name)
		if p.OnDrop != nil {
			p.OnDrop(name)
		}
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		if err := task(p.ctx); err != nil {
			p.logger.Warn("background task failed", "task", name, "err", err)
		}
	}()
	return true
}

// Shutdown stops accepting tasks and waits for in-flight ones. When ctx
// expires first, running tasks are cancelled and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return errors.Join(errors.New("worker pool: shutdown deadline exceeded"), ctx.Err())
	}
}
