// Package outcommands assembles a peer's outgoing command stream: stamping
// sequence numbers for sequenced channels and letting the protocol engine
// requeue a batch whose frame failed to send.
package outcommands

import (
	"relay/internal/channel"
	"relay/internal/command"
	"relay/internal/wire"
)

// Collector buffers commands queued for one peer between ticks.
type Collector struct {
	pending []wire.CommandWithChannel
	counter map[channel.Key]channel.Sequence
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{counter: make(map[channel.Key]channel.Sequence)}
}

// Add queues cmd on ch, stamping a sequence number if ch is a sequenced
// channel kind (the caller-provided Sequence field is ignored and
// overwritten).
func (c *Collector) Add(ch channel.Channel, cmd *command.Command) {
	switch ch.Kind {
	case channel.ReliableSequenceByObject:
		key := channel.ObjectKey(cmd.ObjectID)
		ch.Sequence = c.counter[key]
		c.counter[key] = c.counter[key] + 1
	case channel.ReliableSequenceByGroup:
		key := channel.GroupKey(ch.Group)
		ch.Sequence = c.counter[key]
		c.counter[key] = c.counter[key] + 1
	}
	c.pending = append(c.pending, wire.CommandWithChannel{Channel: ch, Command: cmd})
}

// Empty reports whether nothing is queued.
func (c *Collector) Empty() bool {
	return len(c.pending) == 0
}

// Len reports how many commands are queued.
func (c *Collector) Len() int {
	return len(c.pending)
}

// Drain returns everything queued and empties the collector; the caller
// owns the returned slice.
func (c *Collector) Drain() []wire.CommandWithChannel {
	out := c.pending
	c.pending = nil
	return out
}

// PrependUnsent puts a previously-drained batch back at the front of the
// queue, used when the protocol engine built a frame from it but the send
// failed before the frame left the process.
func (c *Collector) PrependUnsent(batch []wire.CommandWithChannel) {
	c.pending = append(batch, c.pending...)
}

// SplitReliableUnreliable partitions cmds by channel reliability, the shape
// BuildNextFrame needs to populate a Frame's two command vectors.
func SplitReliableUnreliable(cmds []wire.CommandWithChannel) (reliable, unreliable []wire.CommandWithChannel) {
	for _, cmd := range cmds {
		if cmd.Channel.IsReliable() {
			reliable = append(reliable, cmd)
		} else {
			unreliable = append(unreliable, cmd)
		}
	}
	return reliable, unreliable
}
