package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(time.Minute)
	select {
	case <-ch:
		t.Fatalf("waiter fired before advance")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatalf("waiter fired early")
	default:
	}

	f.Advance(30 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(time.Minute)) {
			t.Fatalf("fired at %v, want %v", got, start.Add(time.Minute))
		}
	default:
		t.Fatalf("waiter did not fire at deadline")
	}

	if !f.Now().Equal(start.Add(time.Minute)) {
		t.Fatalf("Now() = %v", f.Now())
	}
}
