// Package retransmit tracks reliable frames sent but not yet acknowledged
// and decides when they must be resent or the peer disconnected.
//
// Driven synchronously from a room's tick; nothing here is safe for
// concurrent use, matching the single-threaded-per-room model the protocol
// engine assumes.
package retransmit

import (
	"time"

	"relay/internal/wire"
)

// Defaults per spec: retransmit timeout is derived from RTT and clamped to
// this range; DisconnectTimeout and MaxUnacked bound worst-case resource use
// for an unresponsive peer.
const (
	MinRetransmitTimeout = 50 * time.Millisecond
	MaxRetransmitTimeout = time.Second
	DefaultDisconnectTimeout = 10 * time.Second
	DefaultMaxUnacked        = 1024
)

// entry is one outstanding reliable frame, keyed in Engine by whichever
// frame id currently represents it (original, or latest retransmit).
type entry struct {
	frameID         uint64
	originalFrameID uint64
	sentAt          time.Time // most recent send, schedules the next retransmit
	firstSentAt     time.Time // original send, never refreshed; ages toward DisconnectTimeout
	reliable        []wire.CommandWithChannel
}

// Engine tracks unacked reliable frames for one peer.
type Engine struct {
	entries    map[uint64]*entry
	maxUnacked int
}

// New builds an Engine bounded to maxUnacked outstanding frames.
func New(maxUnacked int) *Engine {
	if maxUnacked <= 0 {
		maxUnacked = DefaultMaxUnacked
	}
	return &Engine{entries: make(map[uint64]*entry), maxUnacked: maxUnacked}
}

// Track begins tracking a freshly-sent reliable frame.
func (e *Engine) Track(frameID uint64, now time.Time, reliable []wire.CommandWithChannel) {
	e.entries[frameID] = &entry{frameID: frameID, originalFrameID: frameID, sentAt: now, firstSentAt: now, reliable: reliable}
}

// Ack drops the entry (if any) covering frameID — the id an Ack header
// refers to, which for a retransmitted frame is its latest frame id, not
// necessarily the original. Returns the time of its most recent send and
// whether an entry was found, so the caller can sample RTT.
func (e *Engine) Ack(frameID uint64) (sentAt time.Time, ok bool) {
	ent, ok := e.entries[frameID]
	if !ok {
		return time.Time{}, false
	}
	delete(e.entries, frameID)
	return ent.sentAt, true
}

// Due returns entries whose age exceeds timeout — candidates for
// retransmission this tick. Callers must call Retransmit on each returned
// entry (with a newly allocated frame id) to keep the bookkeeping current.
func (e *Engine) Due(now time.Time, timeout time.Duration) []RetransmitCandidate {
	var due []RetransmitCandidate
	for id, ent := range e.entries {
		if now.Sub(ent.sentAt) >= timeout {
			due = append(due, RetransmitCandidate{
				FrameID:         id,
				OriginalFrameID: ent.originalFrameID,
				FirstSentAt:     ent.firstSentAt,
				Reliable:        ent.reliable,
			})
		}
	}
	return due
}

// RetransmitCandidate is an outstanding frame ready to be resent.
type RetransmitCandidate struct {
	FrameID         uint64
	OriginalFrameID uint64
	FirstSentAt     time.Time
	Reliable        []wire.CommandWithChannel
}

// Retransmit replaces the tracking entry for an old frame id with a new one
// under newFrameID, preserving OriginalFrameID, FirstSentAt, and the
// reliable payload (unreliable commands are never retransmitted). sentAt is
// refreshed to schedule the next retransmit; FirstSentAt is carried forward
// untouched so a continuously-lost frame still ages toward
// DisconnectTimeout regardless of how many times it's resent.
func (e *Engine) Retransmit(c RetransmitCandidate, newFrameID uint64, now time.Time) {
	delete(e.entries, c.FrameID)
	e.entries[newFrameID] = &entry{
		frameID:         newFrameID,
		originalFrameID: c.OriginalFrameID,
		sentAt:          now,
		firstSentAt:     c.FirstSentAt,
		reliable:        c.Reliable,
	}
}

// Len reports the number of outstanding unacked frames.
func (e *Engine) Len() int {
	return len(e.entries)
}

// oldestAge returns the age of the entry that has been outstanding longest,
// measured from its original send — not its latest retransmit — so a frame
// under sustained loss still ages toward disconnectTimeout even though
// Retransmit refreshes sentAt on every resend.
func (e *Engine) oldestAge(now time.Time) time.Duration {
	var oldest time.Duration
	for _, ent := range e.entries {
		if age := now.Sub(ent.firstSentAt); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// ShouldDisconnect reports whether this peer has exceeded its retransmit
// budget: too many outstanding frames, or one has aged past disconnectTimeout.
func (e *Engine) ShouldDisconnect(now time.Time, disconnectTimeout time.Duration) (wire.DisconnectReason, bool) {
	if e.Len() > e.maxUnacked {
		return wire.DisconnectRetransmitExhausted, true
	}
	if e.oldestAge(now) > disconnectTimeout {
		return wire.DisconnectRetransmitExhausted, true
	}
	return 0, false
}
