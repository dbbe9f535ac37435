package concurrency_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/concurrency"
)

func TestExecutorRunsSubmittedTasks(t *testing.T) {
	e := concurrency.NewExecutor(4)
	defer e.Close()

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, e.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	require.EqualValues(t, 100, n.Load())
}

func TestExecutorTaskResubmitsItself(t *testing.T) {
	e := concurrency.NewExecutor(1)
	defer e.Close()

	done := make(chan struct{})
	var rounds int
	var step func()
	step = func() {
		rounds++
		if rounds == 50 {
			close(done)
			return
		}
		if err := e.Submit(step); err != nil {
			t.Error(err)
		}
	}
	require.NoError(t, e.Submit(step))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("self-resubmitting task stalled")
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	e := concurrency.NewExecutor(1)
	defer e.Close()

	require.NoError(t, e.Submit(func() { panic("boom") }))
	ran := make(chan struct{})
	require.NoError(t, e.Submit(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after panic")
	}
	require.Eventually(t, func() bool { return e.Stats()["panics"] == 1 }, time.Second, time.Millisecond)
}

func TestExecutorHeavyHintDoesNotStarveWorkers(t *testing.T) {
	e := concurrency.NewExecutor(1)
	defer e.Close()

	release := make(chan struct{})
	require.NoError(t, api.SubmitHinted(e, func() { <-release }, api.HintHeavy))

	ran := make(chan struct{})
	require.NoError(t, e.Submit(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("heavy task occupied the only worker")
	}
	close(release)
}

func TestExecutorCloseRejectsAndDrains(t *testing.T) {
	e := concurrency.NewExecutor(2)

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Submit(func() { n.Add(1) }))
	}
	e.Close()
	require.EqualValues(t, 10, n.Load())

	err := e.Submit(func() {})
	require.True(t, errors.Is(err, concurrency.ErrExecutorClosed))
	require.True(t, errors.Is(err, api.ErrClosed))
	e.Close()
}
