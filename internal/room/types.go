// Package room implements the server-side room/member/object model: the
// single-threaded-per-room state machine that drives protocol engines,
// applies C2S commands, and fans out the resulting S2C commands.
package room

import (
	"relay/internal/channel"
	"relay/internal/command"
	"relay/internal/objectid"
	"relay/internal/permission"
)

// ID identifies a room within a server process.
type ID uint64

// GameObject is one server-side object: its identity, its template's
// permission scope, and its current field values. Fields are stored by
// kind (Long/Double/Structure) mirroring command.Value's tagged union so a
// lookup never has to branch on a wrong type.
type GameObject struct {
	ObjectID     objectid.ID
	Template     uint16
	AccessGroups objectid.AccessGroups
	Created      bool

	Longs      map[uint16]int64
	Doubles    map[uint16]float64
	Structures map[uint16][]byte

	// pendingMutations buffers SetField/IncrementLong/IncrementDouble
	// commands applied before CreatedGameObject arrives; they are sent to the
	// visible members other than the sender when the object is marked
	// created, then cleared. CompareAndSet is not buffered: it fans out at
	// once, before or after Created. Attach replays current field values, not
	// this buffer.
	pendingMutations []command.Command

	// resets records (member, field) -> original value for a CompareAndSet
	// still outstanding, so a sender disconnect can roll it back.
	resets map[resetKey]command.Value
}

type resetKey struct {
	MemberID uint16
	FieldID  uint16
}

func newGameObject(id objectid.ID, template uint16, groups objectid.AccessGroups) *GameObject {
	return &GameObject{
		ObjectID:     id,
		Template:     template,
		AccessGroups: groups,
		Longs:        make(map[uint16]int64),
		Doubles:      make(map[uint16]float64),
		Structures:   make(map[uint16][]byte),
		resets:       make(map[resetKey]command.Value),
	}
}

// VisibleTo reports whether a member whose groups are userGroups can see
// this object.
func (o *GameObject) VisibleTo(userGroups objectid.AccessGroups) bool {
	return o.AccessGroups.ContainsAny(userGroups)
}

// GameObjectTemplate pre-populates an object at room or member
// registration time.
type GameObjectTemplate struct {
	ObjectID     uint32
	TemplateID   uint16
	AccessGroups objectid.AccessGroups
	Longs        map[uint16]int64
	Doubles      map[uint16]float64
	Structures   map[uint16][]byte
}

func (t GameObjectTemplate) toRoomObject() *GameObject {
	o := newGameObject(objectid.Room(t.ObjectID), t.TemplateID, t.AccessGroups)
	o.applyTemplateFields(t)
	o.Created = true
	return o
}

func (t GameObjectTemplate) toMemberObject(memberID uint16) *GameObject {
	o := newGameObject(objectid.Member(t.ObjectID, memberID), t.TemplateID, t.AccessGroups)
	o.applyTemplateFields(t)
	o.Created = true
	return o
}

func (o *GameObject) applyTemplateFields(t GameObjectTemplate) {
	for k, v := range t.Longs {
		o.Longs[k] = v
	}
	for k, v := range t.Doubles {
		o.Doubles[k] = v
	}
	for k, v := range t.Structures {
		o.Structures[k] = v
	}
}

// MemberTemplate describes a member to register, either at room
// construction or via the admin path. ID is assigned by the admin
// collaborator (the authentication service hands out member ids alongside
// private keys) — registering a second template with an ID already in use
// fails.
type MemberTemplate struct {
	ID         uint16
	PrivateKey [32]byte
	// PublicKey is the routing identifier a member's MemberPublicKey header
	// carries — handed out by the authentication collaborator alongside
	// PrivateKey, and distinct from it: PrivateKey keys the AEAD cipher,
	// PublicKey only ever appears on the wire in the clear, for dispatch
	// before a source address is known.
	PublicKey    [32]byte
	AccessGroups objectid.AccessGroups
	Objects      []GameObjectTemplate
	// Forwarder grants permission to send Forwarded commands on behalf of
	// other members (spec §4.12's "forwarder permission").
	Forwarder bool
}

// Template configures a Room at construction time: pre-populated objects,
// initial members, permission groups per object template, and whether a
// disconnected member is immediately re-registered.
type Template struct {
	ID              ID
	Objects         []GameObjectTemplate
	Members         []MemberTemplate
	Permissions     permission.Config
	AutoCreateMember bool
}

// Listener observes member lifecycle transitions, mirroring the teacher's
// callback-on-registration idiom for the external admin/auth layer.
type Listener interface {
	MemberRegistered(roomID ID, memberID uint16)
	MemberConnected(roomID ID, memberID uint16)
	MemberDisconnected(roomID ID, memberID uint16)
}

// channelForReliableEvent is the default channel commands executors build
// fan-out traffic on, matching the teacher's single hard-coded channel type
// for broadcast control messages: reliable, unordered — the sender's own
// ordering is irrelevant to S2C fan-out because each recipient gets the
// room's serialized execution order already (spec.md §5's fan-out
// guarantee).
func channelForReliableEvent() channel.Channel {
	return channel.Unordered(true)
}
