package room

import (
	"testing"
	"time"

	"relay/internal/channel"
	"relay/internal/codec"
	"relay/internal/command"
	"relay/internal/objectid"
	"relay/internal/protocolengine"
	"relay/internal/wire"
)

const allGroups objectid.AccessGroups = 0xFFFFFFFFFFFFFFFF

func testKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func memberTemplate(id uint16, key byte) MemberTemplate {
	return MemberTemplate{ID: id, PrivateKey: testKey(key), AccessGroups: allGroups}
}

// peerEngine builds a standalone protocol engine keyed exactly like the
// named member's, standing in for that member's real client: used both to
// craft C2S datagrams for Room.OnFrame and to decode S2C datagrams Room
// produced for it.
func peerEngine(t *testing.T, key byte, now time.Time) *protocolengine.Engine {
	t.Helper()
	cipher, err := codec.NewCipher(testKey(key))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return protocolengine.New(cipher, now, protocolengine.Config{})
}

// frameWith builds a single datagram carrying cmd on ch, as if the peer
// behind eng had just queued it.
func frameWith(t *testing.T, eng *protocolengine.Engine, now time.Time, ch channel.Channel, cmd *command.Command) []byte {
	t.Helper()
	eng.Out().Add(ch, cmd)
	datagram, ok := eng.BuildNextFrame(now)
	if !ok {
		t.Fatalf("expected a frame to build")
	}
	return datagram
}

// deliverTo decodes every datagram Room currently has queued for memberID
// through peer (memberID's own client-side engine) and returns whatever
// became ready.
func deliverTo(t *testing.T, r *Room, memberID uint16, peer *protocolengine.Engine, now time.Time) []wire.CommandWithChannel {
	t.Helper()
	var got []wire.CommandWithChannel
	r.BuildOutgoing(now, func(id uint16, datagram []byte) {
		if id != memberID {
			return
		}
		if err := peer.OnFrameReceived(datagram, now); err != nil {
			t.Fatalf("peer decode for member %d: %v", memberID, err)
		}
		got = append(got, peer.TakeReadyCommands()...)
	})
	return got
}

// attach drives memberID's AttachToRoom command through Room.OnFrame,
// using memberID's own keyed client-side engine.
func attach(t *testing.T, r *Room, memberID uint16, key byte, now time.Time) *protocolengine.Engine {
	t.Helper()
	peer := peerEngine(t, key, now)
	datagram := frameWith(t, peer, now, channel.Unordered(true), &command.Command{Type: command.TypeAttachToRoom})
	if err := r.OnFrame(memberID, datagram, now); err != nil {
		t.Fatalf("attach frame for member %d: %v", memberID, err)
	}
	return peer
}
