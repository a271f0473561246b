package registry_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/registry"
)

func TestRegisterIsInsertIfAbsent(t *testing.T) {
	r := registry.New()
	first := registry.NewEntry("s-1", 1, nil)
	second := registry.NewEntry("s-1", 2, nil)

	got, ok := r.Register(first)
	require.True(t, ok)
	require.Same(t, first, got)

	got, ok = r.Register(second)
	require.False(t, ok)
	require.Same(t, first, got)
	require.Equal(t, 1, r.Len())
}

func TestConcurrentRegisterAdmitsOne(t *testing.T) {
	r := registry.New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(gen int64) {
			defer wg.Done()
			if _, ok := r.Register(registry.NewEntry("s-1", gen, nil)); ok {
				wins.Add(1)
			}
		}(int64(i))
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, 1, r.Len())
}

func TestRemoveIsCompareAndDelete(t *testing.T) {
	r := registry.New()
	old := registry.NewEntry("s-1", 1, nil)
	r.Register(old)
	require.True(t, r.Remove("s-1", old))

	fresh := registry.NewEntry("s-1", 2, nil)
	r.Register(fresh)
	require.False(t, r.Remove("s-1", old), "stale entry must not remove the new one")

	got, ok := r.Get("s-1")
	require.True(t, ok)
	require.Same(t, fresh, got)
}

func TestPauseResumeFlags(t *testing.T) {
	e := registry.NewEntry("s-1", 1, nil)
	require.True(t, e.Pause())
	require.False(t, e.Pause())
	require.True(t, e.Paused())
	require.True(t, e.Resume())
	require.False(t, e.Resume())

	e.Stop()
	require.False(t, e.Pause())
	require.False(t, e.Running())
}

func TestStopCancelsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := registry.NewEntry("s-1", 1, cancel)
	e.Stop()
	require.False(t, e.StopWith(domain.CauseShutdown))
	require.Error(t, ctx.Err())
	require.Equal(t, domain.CauseManual, e.Cause(), "first stop cause wins")
}

func TestStopAll(t *testing.T) {
	r := registry.New()
	var cancelled atomic.Int32
	for _, id := range []string{"b", "a", "c"} {
		r.Register(registry.NewEntry(id, 1, func() { cancelled.Add(1) }))
	}
	require.Equal(t, []string{"a", "b", "c"}, r.IDs())

	stopped := r.StopAll(domain.CauseShutdown)
	require.Len(t, stopped, 3)
	require.Equal(t, int32(3), cancelled.Load())
	require.Equal(t, 0, r.Len())
	for _, e := range stopped {
		require.False(t, e.Running())
		require.Equal(t, domain.CauseShutdown, e.Cause())
	}
}

func TestMarkDoneClosesOnce(t *testing.T) {
	e := registry.NewEntry("s-1", 1, nil)
	e.MarkDone()
	e.MarkDone()
	select {
	case <-e.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}
