package secretcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func countingProvider(calls *int64) Provider[string] {
	return func(ctx context.Context) (string, error) {
		atomic.AddInt64(calls, 1)
		return "secret", nil
	}
}

func TestGetCachesWithinTTL(t *testing.T) {
	var calls int64
	c := New(countingProvider(&calls), time.Second, nil)

	h1, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *h1.Value() != "secret" {
		t.Fatalf("got %q", *h1.Value())
	}
	h1.Release()

	h2, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h2.Release()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("provider called %d times, want 1", got)
	}
}

func TestGetRegeneratesAfterExpiryWithNoHolders(t *testing.T) {
	var calls int64
	c := New(countingProvider(&calls), 20*time.Millisecond, nil)

	h, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h.Release()

	time.Sleep(100 * time.Millisecond)

	h2, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h2.Release()

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("provider called %d times, want 2", got)
	}
}

func TestLivingHolderSurvivesExpiry(t *testing.T) {
	var calls int64
	c := New(countingProvider(&calls), 20*time.Millisecond, nil)

	h, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer h.Release()

	time.Sleep(100 * time.Millisecond)

	if *h.Value() != "secret" {
		t.Fatalf("held value changed after expiry: %q", *h.Value())
	}
}

func TestWipeCalledWhenLastHolderReleasedAfterExpiry(t *testing.T) {
	var calls int64
	wiped := make(chan string, 1)
	c := New(countingProvider(&calls), 20*time.Millisecond, func(v *string) {
		wiped <- *v
	})

	h, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // expiry fires; h still holds it alive
	h.Release()                        // now nothing holds it

	select {
	case v := <-wiped:
		if v != "secret" {
			t.Fatalf("wiped value = %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("wipe was never called")
	}
}

func TestClearForcesRegeneration(t *testing.T) {
	var calls int64
	c := New(countingProvider(&calls), time.Hour, nil)

	h, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h.Release()

	c.Clear()

	h2, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h2.Release()

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("provider called %d times, want 2", got)
	}
}

func TestConcurrentGetCollapsesIntoOneProviderCall(t *testing.T) {
	var calls int64
	c := New(countingProvider(&calls), time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Get(context.Background())
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			h.Release()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("provider called %d times, want 1", got)
	}
}
