package queue

import (
	"sync"
	"testing"
)

func TestNewMessageDefaults(t *testing.T) {
	t.Parallel()
	m := NewMessage(42)
	if m.ID != 42 {
		t.Fatalf("ID = %d, want 42", m.ID)
	}
	if m.ExpectsReply {
		t.Fatal("ExpectsReply should default to false")
	}
	if m.Retries != DefaultMaxRetries {
		t.Fatalf("Retries = %d, want %d", m.Retries, DefaultMaxRetries)
	}
	if m.ErrorCount() != 0 || m.SentOnce() {
		t.Fatal("fresh message must have no attempt history")
	}
}

func TestReleaseRunsExactlyOnce(t *testing.T) {
	t.Parallel()
	m := NewMessage(1)
	m.Payload = []byte("x")

	var mu sync.Mutex
	count := 0
	m.SetRelease(func(any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Release()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("release ran %d times, want 1", count)
	}
}

func TestReleaseWithoutHookOrPayloadIsSafe(t *testing.T) {
	t.Parallel()
	m := NewMessage(2)
	m.Release() // no hook, no payload

	m2 := NewMessage(3)
	m2.SetRelease(func(any) { t.Fatal("hook must not run without a payload") })
	m2.Release()
}
