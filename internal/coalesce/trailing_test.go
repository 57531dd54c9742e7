package coalesce

import (
	"testing"
	"time"

	"devsync/internal/clock"
)

func newFake() *clock.Fake {
	return clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestTrailing_BurstFlushesOnceWithLastValue(t *testing.T) {
	fc := newFake()
	var got []int
	tr := NewTrailing(fc, time.Second, func(v int) { got = append(got, v) })

	for i := 1; i <= 5; i++ {
		tr.Trigger(i)
		fc.Advance(200 * time.Millisecond)
	}

	if len(got) != 0 {
		t.Fatalf("flushed before window elapsed: %v", got)
	}

	fc.Advance(time.Second)

	if len(got) != 1 || got[0] != 5 {
		t.Fatalf("flushes = %v, want [5]", got)
	}
}

func TestTrailing_TriggerResetsDeadline(t *testing.T) {
	fc := newFake()
	flushed := 0
	tr := NewTrailing(fc, time.Second, func(string) { flushed++ })

	tr.Trigger("a")
	fc.Advance(900 * time.Millisecond)
	tr.Trigger("b")
	fc.Advance(900 * time.Millisecond)

	if flushed != 0 {
		t.Fatalf("flushed = %d before the refreshed deadline", flushed)
	}

	fc.Advance(100 * time.Millisecond)
	if flushed != 1 {
		t.Fatalf("flushed = %d, want 1", flushed)
	}
	if tr.Pending() {
		t.Error("Pending() = true after flush")
	}
}

func TestTrailing_SeparateWindowsFlushSeparately(t *testing.T) {
	fc := newFake()
	var got []string
	tr := NewTrailing(fc, time.Second, func(v string) { got = append(got, v) })

	tr.Trigger("first")
	fc.Advance(2 * time.Second)
	tr.Trigger("second")
	fc.Advance(2 * time.Second)

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("flushes = %v", got)
	}
}

func TestTrailing_StopCancelsPending(t *testing.T) {
	fc := newFake()
	flushed := false
	tr := NewTrailing(fc, time.Second, func(int) { flushed = true })

	tr.Trigger(1)
	tr.Stop()
	fc.Advance(5 * time.Second)
	tr.Trigger(2)
	fc.Advance(5 * time.Second)

	if flushed {
		t.Error("flush ran after Stop")
	}
	if fc.Pending() != 0 {
		t.Errorf("fake clock still has %d timers", fc.Pending())
	}
}

func TestTrailing_FlushMayRetrigger(t *testing.T) {
	fc := newFake()
	var got []int
	var tr *Trailing[int]
	tr = NewTrailing(fc, time.Second, func(v int) {
		got = append(got, v)
		if v == 1 {
			tr.Trigger(2)
		}
	})

	tr.Trigger(1)
	fc.Advance(time.Second)
	fc.Advance(time.Second)

	if len(got) != 2 || got[1] != 2 {
		t.Fatalf("flushes = %v, want [1 2]", got)
	}
}
