package incommands

import (
	"testing"

	"relay/internal/channel"
	"relay/internal/command"
	"relay/internal/objectid"
	"relay/internal/wire"
)

func cmdOn(ch channel.Channel, objectID uint32, content int64) wire.CommandWithChannel {
	return wire.CommandWithChannel{
		Channel: ch,
		Command: &command.Command{
			Type: command.TypeSetField, ObjectID: objectid.Room(objectID), FieldID: 0, Value: command.LongValue(content),
		},
	}
}

func frameOf(frameID uint64, reliable ...wire.CommandWithChannel) *wire.Frame {
	return &wire.Frame{FrameID: frameID, Reliable: reliable}
}

func assertReady(t *testing.T, c *Collector, frameID uint64, in []wire.CommandWithChannel, want []wire.CommandWithChannel) {
	t.Helper()
	c.Collect(frameOf(frameID, in...), frameID)
	got := c.TakeReady()
	if len(got) != len(want) {
		t.Fatalf("frame %d: got %d ready, want %d: %+v", frameID, len(got), len(want), got)
	}
	for i := range want {
		if got[i].Command.Value.Long != want[i].Command.Value.Long {
			t.Fatalf("frame %d: ready[%d] = %v, want %v", frameID, i, got[i].Command.Value.Long, want[i].Command.Value.Long)
		}
	}
}

func TestTakeReadyClearsAfterCall(t *testing.T) {
	c := New()
	cmd := cmdOn(channel.Unordered(true), 0, 1)
	assertReady(t, c, 1, []wire.CommandWithChannel{cmd}, []wire.CommandWithChannel{cmd})
	if got := c.TakeReady(); got != nil {
		t.Fatalf("expected nil on repeated TakeReady, got %v", got)
	}
}

func TestUnorderedIsAlwaysReady(t *testing.T) {
	c := New()
	cmd2 := cmdOn(channel.Unordered(true), 0, 2)
	assertReady(t, c, 2, []wire.CommandWithChannel{cmd2}, []wire.CommandWithChannel{cmd2})
	cmd1 := cmdOn(channel.Unordered(true), 0, 1)
	assertReady(t, c, 1, []wire.CommandWithChannel{cmd1}, []wire.CommandWithChannel{cmd1})
}

func TestGroupOrderedDropsOlderFrame(t *testing.T) {
	c := New()
	ch := channel.OrderedByGroup(true, 1)
	cmd1 := cmdOn(ch, 0, 1)
	cmd2 := cmdOn(ch, 0, 2)
	cmd3 := cmdOn(ch, 0, 3)

	assertReady(t, c, 1, []wire.CommandWithChannel{cmd1}, []wire.CommandWithChannel{cmd1})
	assertReady(t, c, 3, []wire.CommandWithChannel{cmd3}, []wire.CommandWithChannel{cmd3})
	assertReady(t, c, 2, []wire.CommandWithChannel{cmd2}, nil)
}

func TestObjectOrderedWithDifferentObjects(t *testing.T) {
	c := New()
	ch := channel.OrderedByObject(true)
	cmd1a := cmdOn(ch, 1, 1)
	cmd2a := cmdOn(ch, 2, 1)
	cmd1c := cmdOn(ch, 1, 3)
	cmd2c := cmdOn(ch, 2, 3)
	cmd1b := cmdOn(ch, 1, 2)
	cmd2b := cmdOn(ch, 2, 2)

	assertReady(t, c, 1, []wire.CommandWithChannel{cmd1a, cmd2a}, []wire.CommandWithChannel{cmd1a, cmd2a})
	assertReady(t, c, 3, []wire.CommandWithChannel{cmd1c, cmd2c}, []wire.CommandWithChannel{cmd1c, cmd2c})
	assertReady(t, c, 2, []wire.CommandWithChannel{cmd1b, cmd2b}, nil)
}

func TestGroupSequenceGapFilling(t *testing.T) {
	c := New()
	g := channel.Group(1)
	cmd1 := cmdOn(channel.SequenceByGroup(g, 0), 0, 1)
	cmd2 := cmdOn(channel.SequenceByGroup(g, 1), 0, 2)
	cmd3 := cmdOn(channel.SequenceByGroup(g, 2), 0, 3)
	cmd4 := cmdOn(channel.SequenceByGroup(g, 3), 0, 4)
	cmd5 := cmdOn(channel.SequenceByGroup(g, 4), 0, 5)
	cmd6 := cmdOn(channel.SequenceByGroup(g, 5), 0, 6)

	assertReady(t, c, 3, []wire.CommandWithChannel{cmd3}, nil)
	assertReady(t, c, 1, []wire.CommandWithChannel{cmd1}, []wire.CommandWithChannel{cmd1})
	assertReady(t, c, 5, []wire.CommandWithChannel{cmd5}, nil)
	assertReady(t, c, 2, []wire.CommandWithChannel{cmd2}, []wire.CommandWithChannel{cmd2, cmd3})
	assertReady(t, c, 4, []wire.CommandWithChannel{cmd4}, []wire.CommandWithChannel{cmd4, cmd5})
	assertReady(t, c, 6, []wire.CommandWithChannel{cmd6}, []wire.CommandWithChannel{cmd6})
}

func TestObjectSequenceGapFilling(t *testing.T) {
	c := New()
	ch := func(seq channel.Sequence) channel.Channel { return channel.SequenceByObject(seq) }
	cmd1 := cmdOn(ch(0), 1, 1)
	cmd2 := cmdOn(ch(1), 1, 2)
	cmd3 := cmdOn(ch(2), 1, 3)
	cmd4 := cmdOn(ch(3), 1, 4)
	cmd5 := cmdOn(ch(4), 1, 5)

	assertReady(t, c, 1, []wire.CommandWithChannel{cmd1}, []wire.CommandWithChannel{cmd1})
	assertReady(t, c, 3, []wire.CommandWithChannel{cmd3}, nil)
	assertReady(t, c, 5, []wire.CommandWithChannel{cmd5}, nil)
	assertReady(t, c, 2, []wire.CommandWithChannel{cmd2}, []wire.CommandWithChannel{cmd2, cmd3})
	assertReady(t, c, 4, []wire.CommandWithChannel{cmd4}, []wire.CommandWithChannel{cmd4, cmd5})
}
