package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheStoresOnlySuccessfulLoads(t *testing.T) {
	c := New[string](Options{TTL: time.Minute}, MetricsHooks{})
	ctx := context.Background()

	var calls int32
	failing := func(context.Context, string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "", false, errors.New("boom")
	}
	if _, _, err := c.Get(ctx, "sub-1", failing); err == nil {
		t.Fatal("expected loader error")
	}
	missing := func(context.Context, string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "", false, nil
	}
	if _, ok, err := c.Get(ctx, "sub-1", missing); err != nil || ok {
		t.Fatalf("expected not-found, got ok=%v err=%v", ok, err)
	}
	found := func(context.Context, string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		return "u-42", true, nil
	}
	for i := 0; i < 3; i++ {
		v, ok, err := c.Get(ctx, "sub-1", found)
		if err != nil || !ok || v != "u-42" {
			t.Fatalf("expected u-42, got %q ok=%v err=%v", v, ok, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 loader calls (error, miss, first hit), got %d", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New[int](Options{TTL: time.Second}, MetricsHooks{})
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Set("k", 7)
	if v, ok := c.Peek("k"); !ok || v != 7 {
		t.Fatalf("expected 7, got %v %v", v, ok)
	}
	now = now.Add(time.Second)
	if _, ok := c.Peek("k"); ok {
		t.Fatal("expected entry to expire")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be dropped, have %d", c.Len())
	}
}

func TestCacheEvictsOldest(t *testing.T) {
	c := New[int](Options{TTL: time.Minute, MaxEntries: 2}, MetricsHooks{})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	if _, ok := c.Peek("a"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	if _, ok := c.Peek("c"); !ok {
		t.Fatal("expected newest entry to remain")
	}
}

func TestCacheCollapsesConcurrentLoads(t *testing.T) {
	var hits, misses int32
	c := New[string](Options{TTL: time.Minute}, MetricsHooks{
		OnHit:  func() { atomic.AddInt32(&hits, 1) },
		OnMiss: func() { atomic.AddInt32(&misses, 1) },
	})

	release := make(chan struct{})
	var calls int32
	loader := func(context.Context, string) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", true, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = c.Get(context.Background(), "k", loader)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one loader call, got %d", got)
	}
	if atomic.LoadInt32(&hits)+atomic.LoadInt32(&misses) != 10 {
		t.Fatalf("expected every Get to report hit or miss")
	}
}

func TestCacheLoadTimeout(t *testing.T) {
	c := New[string](Options{TTL: time.Minute, LoadTimeout: 20 * time.Millisecond}, MetricsHooks{})

	_, _, err := c.Get(context.Background(), "k", func(ctx context.Context, _ string) (string, bool, error) {
		<-ctx.Done()
		return "", false, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected load deadline, got %v", err)
	}
}
