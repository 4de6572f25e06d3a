package holdermap

import (
	"fmt"
	"sync"
	"testing"
)

func TestInsertAndGet(t *testing.T) {
	m := New[string, string]()
	v := m.Insert("key1", "value1")
	if *v.Value() != "value1" {
		t.Fatalf("got %q, want value1", *v.Value())
	}
	g := m.Get("key1")
	if g == nil || *g.Value() != "value1" {
		t.Fatalf("Get returned %v", g)
	}
}

func TestGetOrInsertWithDoesNotOverwrite(t *testing.T) {
	m := New[string, string]()
	v1 := m.Insert("key", "value1")
	v2 := m.Insert("key", "value2")
	if *v2.Value() != "value1" {
		t.Fatalf("expected existing value preserved, got %q", *v2.Value())
	}
	_ = v1
}

func TestReleaseDropsEntryAtZeroRefcount(t *testing.T) {
	m := New[int, string]()
	h1 := m.Insert(1, "one")
	h2 := m.Get(1)
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
	h1.Release()
	if m.Len() != 1 {
		t.Fatalf("len = %d after first release, want 1 (still held)", m.Len())
	}
	h2.Release()
	if m.Len() != 0 {
		t.Fatalf("len = %d after last release, want 0", m.Len())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := New[int, string]()
	h := m.Insert(1, "one")
	h.Release()
	h.Release()
	if m.Len() != 0 {
		t.Fatalf("len = %d, want 0", m.Len())
	}
}

func TestGetNonexistentKey(t *testing.T) {
	m := New[string, string]()
	if m.Get("missing") != nil {
		t.Fatal("expected nil for missing key")
	}
}

func TestConcurrentInsertAndRelease(t *testing.T) {
	m := New[string, string]()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key%d", i%10)
			h := m.Insert(key, fmt.Sprintf("value%d", i))
			h.Release()
		}(i)
	}
	wg.Wait()
	if m.Len() != 0 {
		t.Fatalf("len = %d, want 0 after all holders released", m.Len())
	}
}

func TestGetRacesLastHolderRelease(t *testing.T) {
	// A Get landing in the window where the last holder's Release is
	// purging the same key must either miss cleanly or come back with
	// a holder over the still-intact value; it must never observe a
	// value the purge hook already tore down.
	for round := 0; round < 500; round++ {
		m := NewWithPurge[string, int](func(_ string, v *int) { *v = -1 })
		h := m.Insert("k", 42)

		var wg sync.WaitGroup
		var got *Holder[string, int]
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Release()
		}()
		go func() {
			defer wg.Done()
			got = m.Get("k")
		}()
		wg.Wait()

		if got != nil {
			if *got.Value() != 42 {
				t.Fatalf("round %d: holder observed purged value %d", round, *got.Value())
			}
			got.Release()
		}
		if m.Len() != 0 {
			t.Fatalf("round %d: len = %d after all holders released", round, m.Len())
		}
	}
}

func TestPurgeHookFiresOnLastRelease(t *testing.T) {
	var purged []string
	m := NewWithPurge[string, int](func(k string, v *int) {
		purged = append(purged, fmt.Sprintf("%s=%d", k, *v))
	})
	h1 := m.Insert("a", 1)
	h2 := m.Get("a")
	h1.Release()
	if len(purged) != 0 {
		t.Fatalf("purge hook fired while a holder was still live: %v", purged)
	}
	h2.Release()
	if len(purged) != 1 || purged[0] != "a=1" {
		t.Fatalf("purge hook = %v, want [a=1]", purged)
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d after purge, want 0", m.Len())
	}
}
