// Package ack tracks received-but-unacknowledged reliable frame ids for one
// peer and coalesces them into Ack headers.
package ack

import (
	"sort"
	"time"

	"relay/internal/wire"
)

// DefaultAckDelay bounds how long a received reliable frame may go
// unacknowledged before a standalone (keepalive) frame is forced, even with
// nothing else to piggyback the ack on.
const DefaultAckDelay = 30 * time.Millisecond

// Engine accumulates received reliable frame ids pending acknowledgement.
type Engine struct {
	pending    map[uint64]struct{}
	oldestSeen time.Time
	hasPending bool
}

// New returns an empty Engine.
func New() *Engine {
	return &Engine{pending: make(map[uint64]struct{})}
}

// Received records that a reliable frame arrived and needs acking.
func (e *Engine) Received(frameID uint64, now time.Time) {
	if !e.hasPending {
		e.oldestSeen = now
		e.hasPending = true
	}
	e.pending[frameID] = struct{}{}
}

// HasPending reports whether any unacknowledged reliable frame is pending.
func (e *Engine) HasPending() bool {
	return len(e.pending) > 0
}

// Due reports whether a standalone ack frame must be built even with no
// other outgoing data, because ackDelay has elapsed since the oldest
// unacked arrival.
func (e *Engine) Due(now time.Time, ackDelay time.Duration) bool {
	return e.hasPending && now.Sub(e.oldestSeen) >= ackDelay
}

// Build coalesces pending frame ids into Ack headers (base + 64-bit bitmap
// of the following ids) and clears the pending set. Returns nil if nothing
// is pending.
func (e *Engine) Build() []wire.Header {
	if len(e.pending) == 0 {
		return nil
	}

	ids := make([]uint64, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var headers []wire.Header
	i := 0
	for i < len(ids) {
		base := ids[i]
		var bitmap uint64
		j := i + 1
		for j < len(ids) && ids[j]-base <= 64 {
			bitmap |= 1 << (ids[j] - base - 1)
			j++
		}
		headers = append(headers, wire.AckHeader(base, bitmap))
		i = j
	}

	e.pending = make(map[uint64]struct{})
	e.hasPending = false
	return headers
}

