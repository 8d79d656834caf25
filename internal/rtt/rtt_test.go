package rtt

import (
	"testing"
	"time"
)

func TestRetransmitTimeoutDefaultsToMaxBeforeFirstSample(t *testing.T) {
	e := New(time.Now())
	if got := e.RetransmitTimeout(50*time.Millisecond, time.Second); got != time.Second {
		t.Fatalf("expected max timeout before first sample, got %v", got)
	}
}

func TestRetransmitTimeoutClampedToMin(t *testing.T) {
	e := New(time.Now())
	e.Sample(time.Millisecond)
	if got := e.RetransmitTimeout(50*time.Millisecond, time.Second); got < 50*time.Millisecond {
		t.Fatalf("expected timeout clamped to min, got %v", got)
	}
}

func TestRetransmitTimeoutClampedToMax(t *testing.T) {
	e := New(time.Now())
	e.Sample(5 * time.Second)
	if got := e.RetransmitTimeout(50*time.Millisecond, time.Second); got > time.Second {
		t.Fatalf("expected timeout clamped to max, got %v", got)
	}
}

func TestSRTTConvergesTowardStableRTT(t *testing.T) {
	e := New(time.Now())
	for i := 0; i < 50; i++ {
		e.Sample(100 * time.Millisecond)
	}
	diff := e.SRTT() - 100*time.Millisecond
	if diff < 0 {
		diff = -diff
	}
	if diff > 2*time.Millisecond {
		t.Fatalf("srtt did not converge: %v", e.SRTT())
	}
}

func TestKeepaliveDue(t *testing.T) {
	start := time.Now()
	e := New(start)
	if e.KeepaliveDue(start.Add(time.Millisecond), KeepaliveInterval) {
		t.Fatalf("should not be due immediately")
	}
	if !e.KeepaliveDue(start.Add(KeepaliveInterval+time.Millisecond), KeepaliveInterval) {
		t.Fatalf("expected keepalive due after interval elapses")
	}
}

func TestIdleTimeout(t *testing.T) {
	start := time.Now()
	e := New(start)
	if e.IdleTimedOut(start.Add(time.Second), DisconnectTimeout) {
		t.Fatalf("should not be idle-timed-out yet")
	}
	if !e.IdleTimedOut(start.Add(DisconnectTimeout+time.Millisecond), DisconnectTimeout) {
		t.Fatalf("expected idle timeout after DisconnectTimeout elapses")
	}
	e.MarkReceived(start.Add(DisconnectTimeout + time.Millisecond))
	if e.IdleTimedOut(start.Add(DisconnectTimeout+2*time.Millisecond), DisconnectTimeout) {
		t.Fatalf("receiving a frame should reset idle timer")
	}
}
