// Package incommands collects commands arriving on a peer's frames and
// releases them in the order each channel's contract promises: immediately
// for unordered channels, newest-frame-wins for ordered channels, and
// gap-filled by sender-assigned sequence for sequence channels.
package incommands

import (
	"container/heap"

	"relay/internal/channel"
	"relay/internal/wire"
)

// Collector is per-peer, single-threaded state: the caller must not call
// Collect concurrently with itself or with TakeReady.
type Collector struct {
	orderedFrame map[channel.Key]uint64

	sequenceLast    map[channel.Key]channel.Sequence
	hasSequenceLast map[channel.Key]bool
	sequenceBuffer  map[channel.Key]*sequenceHeap

	ready      []wire.CommandWithChannel
	readyTaken bool
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{
		orderedFrame:    make(map[channel.Key]uint64),
		sequenceLast:    make(map[channel.Key]channel.Sequence),
		hasSequenceLast: make(map[channel.Key]bool),
		sequenceBuffer:  make(map[channel.Key]*sequenceHeap),
	}
}

// Collect processes every command in frame (reliable and unreliable alike),
// appending newly-ready ones to the ready list. originalFrameID is the id
// ordered channels must key on — the Retransmit header's original id when
// present, so a retransmitted frame isn't rejected as stale.
func (c *Collector) Collect(frame *wire.Frame, originalFrameID uint64) {
	if c.readyTaken {
		c.ready = c.ready[:0]
		c.readyTaken = false
	}

	for _, cmd := range frame.Reliable {
		c.collectOne(cmd, originalFrameID)
	}
	for _, cmd := range frame.Unreliable {
		c.collectOne(cmd, originalFrameID)
	}
}

func (c *Collector) collectOne(cmd wire.CommandWithChannel, frameID uint64) {
	switch cmd.Channel.Kind {
	case channel.ReliableUnordered, channel.UnreliableUnordered:
		c.ready = append(c.ready, cmd)

	case channel.ReliableOrderedByObject, channel.UnreliableOrderedByObject:
		c.processOrdered(channel.ObjectKey(cmd.Command.ObjectID), frameID, cmd)

	case channel.ReliableOrderedByGroup, channel.UnreliableOrderedByGroup:
		c.processOrdered(channel.GroupKey(cmd.Channel.Group), frameID, cmd)

	case channel.ReliableSequenceByObject:
		c.processSequence(channel.ObjectKey(cmd.Command.ObjectID), cmd.Channel.Sequence, cmd)

	case channel.ReliableSequenceByGroup:
		c.processSequence(channel.GroupKey(cmd.Channel.Group), cmd.Channel.Sequence, cmd)
	}
}

func (c *Collector) processOrdered(key channel.Key, frameID uint64, cmd wire.CommandWithChannel) {
	if stored, ok := c.orderedFrame[key]; !ok || frameID >= stored {
		c.orderedFrame[key] = frameID
		c.ready = append(c.ready, cmd)
	}
}

func (c *Collector) processSequence(key channel.Key, seq channel.Sequence, cmd wire.CommandWithChannel) {
	delivered := false

	if seq == 0 {
		c.sequenceLast[key] = seq
		c.hasSequenceLast[key] = true
		c.ready = append(c.ready, cmd)
		delivered = true
	}

	if last, ok := c.sequenceLast[key]; ok {
		if !delivered && seq.IsNext(last) {
			c.ready = append(c.ready, cmd)
			c.sequenceLast[key] = seq
			delivered = true
		}
		c.drainBuffered(key)
	}

	if !delivered {
		buf, ok := c.sequenceBuffer[key]
		if !ok {
			buf = &sequenceHeap{}
			heap.Init(buf)
			c.sequenceBuffer[key] = buf
		}
		heap.Push(buf, sequencedCommand{sequence: seq, command: cmd})
	}
}

func (c *Collector) drainBuffered(key channel.Key) {
	buf, ok := c.sequenceBuffer[key]
	if !ok {
		return
	}
	for buf.Len() > 0 {
		next := (*buf)[0]
		last := c.sequenceLast[key]
		if !next.sequence.IsNext(last) {
			break
		}
		heap.Pop(buf)
		c.ready = append(c.ready, next.command)
		c.sequenceLast[key] = next.sequence
	}
}

// TakeReady returns the commands that became ready since the last Collect,
// in the order they became ready, and marks the buffer for clearing on the
// next Collect call. Calling it again before a new Collect returns empty.
func (c *Collector) TakeReady() []wire.CommandWithChannel {
	if c.readyTaken {
		return nil
	}
	c.readyTaken = true
	return c.ready
}

type sequencedCommand struct {
	sequence channel.Sequence
	command  wire.CommandWithChannel
}

// sequenceHeap is a min-heap over pending out-of-order commands, ordered by
// sequence number so the lowest unresolved gap surfaces first.
type sequenceHeap []sequencedCommand

func (h sequenceHeap) Len() int            { return len(h) }
func (h sequenceHeap) Less(i, j int) bool  { return h[i].sequence < h[j].sequence }
func (h sequenceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sequenceHeap) Push(x interface{}) { *h = append(*h, x.(sequencedCommand)) }
func (h *sequenceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
