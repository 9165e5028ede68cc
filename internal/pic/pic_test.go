package pic

import (
	"context"
	"testing"
	"time"
)

func TestPriorityAndAck(t *testing.T) {
	c := New()
	for _, v := range []uint8{0x20, 0xff, 0x41, 0x40} {
		c.Raise(v)
	}
	var got []uint8
	for {
		v, ok := c.GetNextPendingVector()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []uint8{0xff, 0x41, 0x40, 0x20}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if c.HasPending() {
		t.Fatal("HasPending after draining")
	}
	if c.Raised() != 4 {
		t.Fatalf("Raised = %d", c.Raised())
	}
}

func TestMask(t *testing.T) {
	c := New()
	c.Mask(0x30, true)
	c.Raise(0x30)
	if c.HasPending() {
		t.Fatal("masked vector reported pending")
	}
	if _, ok := c.GetNextPendingVector(); ok {
		t.Fatal("masked vector acknowledged")
	}
	// Drain any stale wake.
	select {
	case <-c.WaitChan():
	default:
	}
	c.Mask(0x30, false)
	select {
	case <-c.WaitChan():
	default:
		t.Fatal("unmasking a pending vector did not wake")
	}
	if v, ok := c.GetNextPendingVector(); !ok || v != 0x30 {
		t.Fatalf("GetNextPendingVector = %#x, %v", v, ok)
	}
}

func TestLower(t *testing.T) {
	c := New()
	c.Raise(0x22)
	c.Lower(0x22)
	if _, ok := c.GetNextPendingVector(); ok {
		t.Fatal("lowered vector delivered")
	}
}

func TestEvery(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Every(ctx, time.Millisecond, 0x20)

	select {
	case <-c.WaitChan():
	case <-ctx.Done():
		t.Fatal("timer never fired")
	}
	if v, ok := c.GetNextPendingVector(); !ok || v != 0x20 {
		t.Fatalf("GetNextPendingVector = %#x, %v", v, ok)
	}
}

func TestWakesCoalesce(t *testing.T) {
	c := New()
	c.Raise(0x20)
	c.Raise(0x21)
	c.Wake()
	<-c.WaitChan()
	select {
	case <-c.WaitChan():
		t.Fatal("more than one wake queued")
	default:
	}
}

func TestRequeue(t *testing.T) {
	c := New()
	c.Raise(0x20)
	v, ok := c.GetNextPendingVector()
	if !ok || v != 0x20 {
		t.Fatalf("GetNextPendingVector = %#x, %v", v, ok)
	}
	c.Requeue(v)
	if !c.HasPending() {
		t.Fatal("requeued vector not pending")
	}
	if got, ok := c.GetNextPendingVector(); !ok || got != 0x20 {
		t.Fatalf("after requeue got %#x, %v", got, ok)
	}
	if c.Raised() != 1 {
		t.Fatalf("Raised = %d, requeue counted as a raise", c.Raised())
	}
}
