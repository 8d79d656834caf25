// Package channel defines the per-command ordering/reliability contract
// (Channel) and the key space in-commands collectors use to multiplex it.
package channel

import "relay/internal/objectid"

// Kind is the discriminant of a Channel tagged union.
type Kind uint8

const (
	ReliableUnordered Kind = iota
	UnreliableUnordered
	ReliableOrderedByObject
	UnreliableOrderedByObject
	ReliableOrderedByGroup
	UnreliableOrderedByGroup
	ReliableSequenceByObject
	ReliableSequenceByGroup
)

// Group is a channel-group id chosen by the sender to multiplex ordered or
// sequenced traffic that isn't tied to a single game object.
type Group uint16

// Sequence is a per-channel-key monotonic counter assigned by the sender.
// The wire value 0 begins a sequence; there is no separate "first" sentinel.
type Sequence uint32

// IsNext reports whether s immediately follows last.
func (s Sequence) IsNext(last Sequence) bool {
	return s == last+1
}

// Channel is a tagged union: exactly the fields relevant to Kind are valid.
type Channel struct {
	Kind     Kind
	Group    Group
	Sequence Sequence
}

func Unordered(reliable bool) Channel {
	if reliable {
		return Channel{Kind: ReliableUnordered}
	}
	return Channel{Kind: UnreliableUnordered}
}

func OrderedByObject(reliable bool) Channel {
	if reliable {
		return Channel{Kind: ReliableOrderedByObject}
	}
	return Channel{Kind: UnreliableOrderedByObject}
}

func OrderedByGroup(reliable bool, g Group) Channel {
	if reliable {
		return Channel{Kind: ReliableOrderedByGroup, Group: g}
	}
	return Channel{Kind: UnreliableOrderedByGroup, Group: g}
}

func SequenceByObject(seq Sequence) Channel {
	return Channel{Kind: ReliableSequenceByObject, Sequence: seq}
}

func SequenceByGroup(g Group, seq Sequence) Channel {
	return Channel{Kind: ReliableSequenceByGroup, Group: g, Sequence: seq}
}

// IsReliable reports whether frames carrying this channel require
// acknowledgement and retransmission.
func (c Channel) IsReliable() bool {
	switch c.Kind {
	case UnreliableUnordered, UnreliableOrderedByObject, UnreliableOrderedByGroup:
		return false
	default:
		return true
	}
}

// KeyKind distinguishes the two multiplexing key spaces in-commands
// collectors use: per channel-group, or per game object.
type KeyKind uint8

const (
	KeyGroup KeyKind = iota
	KeyObject
)

// Key identifies one ordering/sequencing stream inside a collector.
type Key struct {
	Kind     KeyKind
	Group    Group
	ObjectID objectid.ID
}

func GroupKey(g Group) Key {
	return Key{Kind: KeyGroup, Group: g}
}

func ObjectKey(id objectid.ID) Key {
	return Key{Kind: KeyObject, ObjectID: id}
}
