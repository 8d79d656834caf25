// Package rtt implements a TCP-like smoothed round-trip-time estimator and
// the keepalive/idle-timeout thresholds derived from it.
package rtt

import "time"

// Defaults per spec §4.6.
const (
	KeepaliveInterval  = 100 * time.Millisecond
	DisconnectTimeout  = 10 * time.Second
	srttGain          = 0.125
	rttvarGain        = 0.25
)

// Estimator tracks smoothed RTT (srtt) and its mean deviation (rttvar)
// using the classic TCP estimator (Jacobson/Karels), and the last time a
// frame was sent/received for keepalive and idle-timeout decisions.
type Estimator struct {
	srtt   time.Duration
	rttvar time.Duration
	has    bool

	lastSent     time.Time
	lastReceived time.Time
}

// New returns an Estimator with no samples yet; RetransmitTimeout returns
// MaxRetransmitTimeout until the first sample arrives.
func New(now time.Time) *Estimator {
	return &Estimator{lastSent: now, lastReceived: now}
}

// Sample records one RTT observation (time between sending a reliable frame
// and receiving the Ack that covers it) and updates the smoothed estimate.
func (e *Estimator) Sample(rtt time.Duration) {
	if !e.has {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.has = true
		return
	}
	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = e.rttvar + time.Duration(rttvarGain*float64(diff-e.rttvar))
	e.srtt = e.srtt + time.Duration(srttGain*float64(rtt-e.srtt))
}

// RetransmitTimeout returns srtt + 4*rttvar clamped to [min, max], the
// interval after which an unacked reliable frame is considered lost.
func (e *Estimator) RetransmitTimeout(min, max time.Duration) time.Duration {
	if !e.has {
		return max
	}
	rto := e.srtt + 4*e.rttvar
	if rto < min {
		return min
	}
	if rto > max {
		return max
	}
	return rto
}

// SRTT returns the current smoothed RTT estimate (zero if no sample yet).
func (e *Estimator) SRTT() time.Duration {
	return e.srtt
}

// MarkSent records that an outgoing frame (of any kind) was just built.
func (e *Estimator) MarkSent(now time.Time) {
	e.lastSent = now
}

// MarkReceived records that an incoming frame was just processed.
func (e *Estimator) MarkReceived(now time.Time) {
	e.lastReceived = now
}

// KeepaliveDue reports whether no outgoing frame has been built for
// KeepaliveInterval, meaning an empty keepalive frame must be sent.
func (e *Estimator) KeepaliveDue(now time.Time, interval time.Duration) bool {
	return now.Sub(e.lastSent) >= interval
}

// IdleTimedOut reports whether no incoming frame has arrived for
// DisconnectTimeout.
func (e *Estimator) IdleTimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(e.lastReceived) >= timeout
}
