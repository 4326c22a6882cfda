package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsUnits(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}))
	}
	pool.Wait()

	assert.EqualValues(t, 3, atomic.LoadInt64(&ran))
	assert.EqualValues(t, 3, pool.Metrics().Completed)
	assert.EqualValues(t, 0, pool.Metrics().Active)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var current, peak int64
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			c := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if c <= p || atomic.CompareAndSwapInt64(&peak, p, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	assert.Positive(t, atomic.LoadInt64(&peak))
}

func TestWorkerPool_SubmitBlocksWhenFull(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	admitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), func(context.Context) error { return nil })
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("second unit admitted while the only slot was busy")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second unit never admitted")
	}
	pool.Wait()
}

func TestWorkerPool_CountsFailuresAndPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { panic("bad unit") }))
	pool.Wait()

	m := pool.Metrics()
	assert.EqualValues(t, 2, m.Failed)
	assert.EqualValues(t, 1, m.Panics)

	// The pool keeps working after a panic.
	var ran int64
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
}

func TestWorkerPool_SubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, func(context.Context) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("submit ignored context cancellation")
	}
	close(release)
	pool.Wait()
	assert.EqualValues(t, 1, pool.Metrics().Rejected)
}

func TestWorkerPool_ShutdownDrainsAndRejects(t *testing.T) {
	pool := NewWorkerPool(2)

	var completed int64
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		}))
	}
	pool.Shutdown()
	pool.Shutdown()

	assert.EqualValues(t, 4, atomic.LoadInt64(&completed))
	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
	assert.True(t, isPoolShutdown(err))
}

func TestWorkerPool_ScheduleFromInsideUnit(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	// A unit that schedules its successor must not deadlock a size-1 pool.
	var runs int64
	done := make(chan struct{})
	var unit func(ctx context.Context) error
	unit = func(ctx context.Context) error {
		if atomic.AddInt64(&runs, 1) < 5 {
			pool.Schedule(ctx, unit, nil)
			return nil
		}
		close(done)
		return nil
	}
	pool.Schedule(context.Background(), unit, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("self-scheduling unit deadlocked")
	}
	assert.EqualValues(t, 5, atomic.LoadInt64(&runs))
}

func TestWorkerPool_ScheduleAfterShutdownRejects(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	rejected := make(chan error, 1)
	pool.Schedule(context.Background(), func(context.Context) error { return nil }, func(err error) {
		rejected <- err
	})

	select {
	case err := <-rejected:
		assert.True(t, isPoolShutdown(err))
	case <-time.After(time.Second):
		t.Fatal("rejection callback not called")
	}
}

func TestWorkerPool_Size(t *testing.T) {
	assert.Equal(t, 1, NewWorkerPool(0).Size())
	assert.Equal(t, 4, NewWorkerPool(4).Size())
}

func TestRegisterPoolMetrics(t *testing.T) {
	pool := NewWorkerPool(1)
	reg := prometheus.NewRegistry()
	RegisterPoolMetrics(reg, pool)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return errors.New("boom") }))
	pool.Wait()
	pool.Shutdown()
	require.ErrorIs(t, pool.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolShutdown)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				values[key] = c.GetValue()
			} else {
				values[key] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{
		"waypoint_pool_active_units":          0,
		"waypoint_pool_units_total/completed": 1,
		"waypoint_pool_units_total/failed":    1,
		"waypoint_pool_units_total/panic":     0,
		"waypoint_pool_units_total/rejected":  1,
	}, values)
}
