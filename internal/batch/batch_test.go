package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/vidlens/pkg/types"
)

func TestRun_PartialFailurePreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	// Later items finish first.
	delays := map[int]time.Duration{1: 40 * time.Millisecond, 2: 30 * time.Millisecond, 3: 20 * time.Millisecond, 4: 10 * time.Millisecond, 5: 0}

	res := Run(context.Background(), items, func(ctx context.Context, n int) (string, error) {
		time.Sleep(delays[n])
		if n == 2 || n == 4 {
			return "", fmt.Errorf("item %d: rejected", n)
		}
		return fmt.Sprintf("ok-%d", n), nil
	}, Options{MaxConcurrency: 5})

	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.True(t, res.Partial())
	require.Len(t, res.Items, 5)
	want := []types.ItemStatus{types.ItemSuccess, types.ItemFailed, types.ItemSuccess, types.ItemFailed, types.ItemSuccess}
	for i, r := range res.Items {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, want[i], r.Status, "item %d", i)
	}
	assert.Equal(t, "ok-1", res.Items[0].Value)
	assert.Equal(t, "item 2: rejected", res.Items[1].Error)
	assert.NotEmpty(t, res.JobID)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)
	res := Run(context.Background(), items, func(ctx context.Context, _ int) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	}, Options{MaxConcurrency: 3})

	assert.Equal(t, 20, res.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestRun_PanicIsItemFailure(t *testing.T) {
	res := Run(context.Background(), []string{"a", "boom", "c"}, func(ctx context.Context, s string) (string, error) {
		if s == "boom" {
			panic("kaboom")
		}
		return s, nil
	}, Options{MaxConcurrency: 2})

	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, types.ItemFailed, res.Items[1].Status)
	assert.Contains(t, res.Items[1].Error, "kaboom")
}

func TestRun_CancelledContextFailsRemainingItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	res := Run(ctx, []int{0, 1, 2, 3}, func(ctx context.Context, n int) (int, error) {
		if n == 0 {
			cancel()
		}
		return n, nil
	}, Options{MaxConcurrency: 1})

	assert.Equal(t, types.ItemSuccess, res.Items[0].Status)
	for _, r := range res.Items[1:] {
		assert.Equal(t, types.ItemFailed, r.Status)
		assert.True(t, errors.Is(r.Err, context.Canceled))
	}
}

func TestJobSnapshot(t *testing.T) {
	job := NewJob(2)
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan *Result[int])
	go func() {
		done <- Run(context.Background(), []int{0, 1}, func(ctx context.Context, n int) (int, error) {
			if n == 1 {
				close(started)
				<-release
			}
			return n, nil
		}, Options{MaxConcurrency: 1, Job: job})
	}()

	<-started
	p := job.Snapshot()
	assert.Equal(t, 1, p.Succeeded)
	assert.Equal(t, 1, p.Running)
	assert.False(t, p.Done)

	close(release)
	res := <-done
	assert.Equal(t, job.ID, res.JobID)
	p = job.Snapshot()
	assert.True(t, p.Done)
	assert.Equal(t, 2, p.Succeeded)
}

func TestRun_Empty(t *testing.T) {
	res := Run(context.Background(), []int(nil), func(ctx context.Context, n int) (int, error) { return n, nil }, Options{})
	assert.Empty(t, res.Items)
	assert.Equal(t, 0, res.Failed)
}
