package fpr_test

import (
	"testing"
	"time"

	"github.com/repvi/fpr/internal/fpr"
)

// frame builds a test frame with the given type and sequence.
func frame(typ fpr.PackageType, seq uint32) *fpr.Frame {
	return &fpr.Frame{Type: typ, Sequence: seq}
}

func TestQueuePushPopOrder(t *testing.T) {
	t.Parallel()

	q := fpr.NewDeliveryQueue(4)
	for seq := uint32(1); seq <= 3; seq++ {
		if !q.Push(frame(fpr.PackageSingle, seq)) {
			t.Fatalf("push %d refused", seq)
		}
	}
	for seq := uint32(1); seq <= 3; seq++ {
		f := q.PopWait(time.Second)
		if f == nil || f.Sequence != seq {
			t.Fatalf("pop = %v, want seq %d", f, seq)
		}
	}
}

func TestQueueCapacityBound(t *testing.T) {
	t.Parallel()

	q := fpr.NewDeliveryQueue(2)
	if !q.Push(frame(fpr.PackageSingle, 1)) || !q.Push(frame(fpr.PackageSingle, 2)) {
		t.Fatalf("pushes within capacity refused")
	}
	if q.Push(frame(fpr.PackageSingle, 3)) {
		t.Fatalf("push over capacity accepted")
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueuePopWaitTimeout(t *testing.T) {
	t.Parallel()

	q := fpr.NewDeliveryQueue(2)
	start := time.Now()
	if f := q.PopWait(30 * time.Millisecond); f != nil {
		t.Fatalf("pop from empty queue returned %v", f)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("returned after %v, want a full wait", elapsed)
	}
}

func TestQueuePopWaitWakesOnPush(t *testing.T) {
	t.Parallel()

	q := fpr.NewDeliveryQueue(2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(frame(fpr.PackageSingle, 9))
	}()
	f := q.PopWait(2 * time.Second)
	if f == nil || f.Sequence != 9 {
		t.Fatalf("pop = %v, want seq 9", f)
	}
}

func TestQueueCompleteCount(t *testing.T) {
	t.Parallel()

	q := fpr.NewDeliveryQueue(8)
	q.Push(frame(fpr.PackageStart, 5))
	q.Push(frame(fpr.PackageContinued, 5))
	q.Push(frame(fpr.PackageEnd, 5))
	q.Push(frame(fpr.PackageSingle, 6))

	if got := q.CompleteCount(); got != 2 {
		t.Errorf("complete = %d, want 2 (End + Single)", got)
	}

	q.PopWait(time.Second) // Start
	q.PopWait(time.Second) // Continued
	q.PopWait(time.Second) // End
	if got := q.CompleteCount(); got != 1 {
		t.Errorf("complete after draining run = %d, want 1", got)
	}
}

func TestQueueDrain(t *testing.T) {
	t.Parallel()

	q := fpr.NewDeliveryQueue(8)
	q.Push(frame(fpr.PackageSingle, 1))
	q.Push(frame(fpr.PackageSingle, 2))

	if got := q.Drain(); got != 2 {
		t.Errorf("drained = %d, want 2", got)
	}
	if q.Len() != 0 || q.CompleteCount() != 0 {
		t.Errorf("queue not empty after drain")
	}
}

func TestQueueDrainSequenceStopsAtForeignFrame(t *testing.T) {
	t.Parallel()

	q := fpr.NewDeliveryQueue(8)
	// An unfinished run with seq 7 is drained whole; afterwards a frame
	// with seq 8 at the front stops a drain of seq 9 before it starts.
	q.Push(frame(fpr.PackageStart, 7))
	q.Push(frame(fpr.PackageContinued, 7))

	if got := q.DrainSequence(7); got != 2 {
		t.Errorf("drained = %d, want 2", got)
	}
	if q.Len() != 0 {
		t.Errorf("len = %d, want 0", q.Len())
	}

	q.Push(frame(fpr.PackageSingle, 8))
	q.Push(frame(fpr.PackageStart, 9))
	if got := q.DrainSequence(9); got != 0 {
		t.Errorf("drained = %d, want 0 (seq 9 not at front)", got)
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}
