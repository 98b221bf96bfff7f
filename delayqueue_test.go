package tunem

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDelayQueueReleasesInReleaseTimeOrder(t *testing.T) {
	clock := &fakeClock{}
	dq := NewDelayQueue(clock, 0)

	// push out of order
	if err := dq.Push([]byte("third"), 30); err != nil {
		t.Fatal(err)
	}
	if err := dq.Push([]byte("first"), 10); err != nil {
		t.Fatal(err)
	}
	if err := dq.Push([]byte("second"), 20); err != nil {
		t.Fatal(err)
	}

	// nothing is ready yet
	if payload := dq.PopReady(); payload != nil {
		t.Fatalf("expected nothing ready, got %q", payload)
	}

	// advancing the clock releases in release-time order
	clock.Advance(30)
	got := []string{}
	for {
		payload := dq.PopReady()
		if payload == nil {
			break
		}
		got = append(got, string(payload))
	}
	expect := []string{"first", "second", "third"}
	if diff := cmp.Diff(expect, got); diff != "" {
		t.Fatal(diff)
	}
	if dq.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", dq.Len())
	}
}

func TestDelayQueueBreaksTiesInPushOrder(t *testing.T) {
	clock := &fakeClock{}
	dq := NewDelayQueue(clock, 0)

	// all packets share the same release time
	expect := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, payload := range expect {
		if err := dq.Push([]byte(payload), 5); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(5)
	got := []string{}
	for {
		payload := dq.PopReady()
		if payload == nil {
			break
		}
		got = append(got, string(payload))
	}
	if diff := cmp.Diff(expect, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestDelayQueuePopReadyBlockingWaitsForHead(t *testing.T) {
	dq := NewDelayQueue(SystemClock{}, 0)
	clock := SystemClock{}

	release := clock.Now() + 100
	if err := dq.Push([]byte("delayed"), release); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	payload := dq.PopReadyBlocking(5 * time.Second)
	elapsed := time.Since(start)

	if string(payload) != "delayed" {
		t.Fatalf("expected payload, got %v", payload)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("returned too early: %s", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("returned too late: %s", elapsed)
	}
}

func TestDelayQueuePopReadyBlockingTimesOutWhenEmpty(t *testing.T) {
	dq := NewDelayQueue(SystemClock{}, 0)

	start := time.Now()
	payload := dq.PopReadyBlocking(100 * time.Millisecond)
	elapsed := time.Since(start)

	if payload != nil {
		t.Fatalf("expected nil, got %q", payload)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("returned too early: %s", elapsed)
	}
}

func TestDelayQueuePushWakesBlockedWaiter(t *testing.T) {
	dq := NewDelayQueue(SystemClock{}, 0)

	done := make(chan []byte, 1)
	go func() {
		done <- dq.PopReadyBlocking(10 * time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := dq.Push([]byte("wake"), 0); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-done:
		if string(payload) != "wake" {
			t.Fatalf("expected wake, got %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestDelayQueueCloseUnblocksWaiter(t *testing.T) {
	dq := NewDelayQueue(SystemClock{}, 0)

	done := make(chan []byte, 1)
	go func() {
		done <- dq.PopReadyBlocking(10 * time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	dq.Close()

	select {
	case payload := <-done:
		if payload != nil {
			t.Fatalf("expected nil after close, got %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close did not unblock the waiter")
	}

	if err := dq.Push([]byte("x"), 0); !errors.Is(err, ErrShaperClosed) {
		t.Fatalf("expected ErrShaperClosed, got %v", err)
	}
}

func TestDelayQueueTailDropsAtHighWater(t *testing.T) {
	clock := &fakeClock{}
	dq := NewDelayQueue(clock, 2)

	if err := dq.Push([]byte("a"), 10); err != nil {
		t.Fatal(err)
	}
	if err := dq.Push([]byte("b"), 10); err != nil {
		t.Fatal(err)
	}
	if err := dq.Push([]byte("c"), 10); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if dq.Len() != 2 {
		t.Fatalf("expected 2 queued, got %d", dq.Len())
	}
}
