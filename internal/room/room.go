package room

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"relay/internal/channel"
	"relay/internal/command"
	"relay/internal/objectid"
	"relay/internal/permission"
	"relay/internal/protocolengine"
	"relay/internal/wire"
)

var (
	ErrMemberAlreadyRegistered = errors.New("room: member already registered")
	ErrUnknownMember           = errors.New("room: unknown member")
)

// Room is the single-threaded-per-room state machine: it owns every
// member's protocol engine, every game object, and the room's permission
// cache. Nothing in this package is safe for concurrent use — the server
// loop (C13) guarantees at most one goroutine ever touches a given Room.
type Room struct {
	ID ID

	members map[uint16]*Member

	// objectIDs preserves insertion order so attach replay is
	// deterministic; objects is the lookup table. A hash map alone would
	// break the ordering guarantee spec.md §9 requires.
	objectIDs []objectid.ID
	objects   map[objectid.ID]*GameObject

	permissions *permission.Manager

	autoCreateMember bool
	memberTemplates  map[uint16]MemberTemplate

	listeners []Listener

	protoConfig protocolengine.Config
	log         *zap.Logger

	// current* track the member/channel a command being executed arrived
	// on, mirroring the teacher's "current context" fields so executors
	// can call sendToGroup/sendToMember without threading it through every
	// call — valid only during OnFrame.
	currentMember  uint16
	currentChannel channel.Channel
}

// New builds a Room from tmpl, registering its initial members and
// pre-populated objects. now seeds every member's protocol clock.
func New(tmpl Template, log *zap.Logger, protoConfig protocolengine.Config, now time.Time) (*Room, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Room{
		ID:               tmpl.ID,
		members:          make(map[uint16]*Member),
		objects:          make(map[objectid.ID]*GameObject),
		permissions:      permission.New(tmpl.Permissions),
		autoCreateMember: tmpl.AutoCreateMember,
		memberTemplates:  make(map[uint16]MemberTemplate),
		protoConfig:      protoConfig,
		log:              log,
	}

	for _, ot := range tmpl.Objects {
		r.insertObject(ot.toRoomObject())
	}
	for _, mt := range tmpl.Members {
		if _, err := r.RegisterMember(mt, now); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AddListener registers a member-lifecycle observer.
func (r *Room) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// RegisterMember admits a new member from an admin-provided template,
// building its protocol engine. Fails if tmpl.ID is already registered.
func (r *Room) RegisterMember(tmpl MemberTemplate, now time.Time) (uint16, error) {
	if _, exists := r.members[tmpl.ID]; exists {
		return 0, ErrMemberAlreadyRegistered
	}

	m, err := newMember(tmpl, now, r.protoConfig)
	if err != nil {
		return 0, fmt.Errorf("room: register member %d: %w", tmpl.ID, err)
	}
	r.members[tmpl.ID] = m
	r.memberTemplates[tmpl.ID] = tmpl

	for _, l := range r.listeners {
		l.MemberRegistered(r.ID, tmpl.ID)
	}
	return tmpl.ID, nil
}

// OnFrame is the entry point for an inbound datagram from memberID: it
// feeds the protocol engine, fires the first-frame MemberConnected
// broadcast, then executes every command that became ready in the order
// the engine released them.
func (r *Room) OnFrame(memberID uint16, datagram []byte, now time.Time) error {
	m, ok := r.members[memberID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMember, memberID)
	}

	firstFrame := !m.connected
	if err := m.Protocol.OnFrameReceived(datagram, now); err != nil {
		return fmt.Errorf("room: on frame from member %d: %w", memberID, err)
	}

	if firstFrame {
		m.connected = true
		r.memberConnected(memberID)
	}

	ready := m.Protocol.TakeReadyCommands()
	for _, cmd := range ready {
		r.currentMember = memberID
		r.currentChannel = cmd.Channel
		if err := execute(r, memberID, cmd.Command); err != nil {
			r.log.Warn("dropping command",
				zap.Uint64("room", uint64(r.ID)),
				zap.Uint16("member", memberID),
				zap.Error(err))
		}
	}
	r.currentMember = 0
	r.currentChannel = channel.Channel{}
	return nil
}

// memberConnected fires on the first frame received from memberID: it
// notifies listeners, then creates the member's template-provided objects
// via insertObjectBroadcast, which announces each Create to already-attached
// members who can see it.
func (r *Room) memberConnected(memberID uint16) {
	for _, l := range r.listeners {
		l.MemberConnected(r.ID, memberID)
	}

	tmpl := r.memberTemplates[memberID]
	for _, ot := range tmpl.Objects {
		r.insertObjectBroadcast(ot.toMemberObject(memberID))
	}
}

// insertObjectBroadcast inserts o and announces its creation to every
// already-attached member who can see it, including the object's own
// owner if attached.
func (r *Room) insertObjectBroadcast(o *GameObject) {
	r.sendToGroup(true, o.AccessGroups, &command.Command{
		Type: command.TypeCreateGameObject, ObjectID: o.ObjectID, Template: o.Template, AccessGroups: o.AccessGroups,
	})
	r.insertObject(o)
}

// Attach marks memberID as attached and replays every object currently
// visible to it: Create, then a SetField for each current field value, then
// Created if the object has been created — in insertion order, exactly once
// each.
func (r *Room) Attach(memberID uint16) error {
	m, ok := r.members[memberID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMember, memberID)
	}
	m.Attached = true

	for _, id := range r.objectIDs {
		o := r.objects[id]
		if !o.VisibleTo(m.AccessGroups) {
			continue
		}
		r.replayObjectTo(m, o)
	}
	return nil
}

func (r *Room) replayObjectTo(m *Member, o *GameObject) {
	create := &command.Command{
		Type:         command.TypeCreateGameObject,
		ObjectID:     o.ObjectID,
		Template:     o.Template,
		AccessGroups: o.AccessGroups,
	}
	r.sendCommandToMember(m, create)

	for fieldID, v := range o.Longs {
		r.sendCommandToMember(m, &command.Command{Type: command.TypeSetField, ObjectID: o.ObjectID, FieldID: fieldID, Value: command.LongValue(v)})
	}
	for fieldID, v := range o.Doubles {
		r.sendCommandToMember(m, &command.Command{Type: command.TypeSetField, ObjectID: o.ObjectID, FieldID: fieldID, Value: command.DoubleValue(v)})
	}
	for fieldID, v := range o.Structures {
		r.sendCommandToMember(m, &command.Command{Type: command.TypeSetField, ObjectID: o.ObjectID, FieldID: fieldID, Value: command.StructureValue(v)})
	}

	if o.Created {
		r.sendCommandToMember(m, &command.Command{Type: command.TypeCreatedGameObject, ObjectID: o.ObjectID})
	}
}

// Detach clears memberID's attached flag; future fan-out skips it until
// re-attach.
func (r *Room) Detach(memberID uint16) error {
	m, ok := r.members[memberID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMember, memberID)
	}
	m.Attached = false
	return nil
}

// sendCommandToMember queues cmd for m on the default reliable-unordered
// fan-out channel.
func (r *Room) sendCommandToMember(m *Member, cmd *command.Command) {
	m.Protocol.Out().Add(channelForReliableEvent(), cmd)
}

// sendToGroup fans a command out to every attached member (other than the
// sender unless includeSelf) whose groups intersect accessGroups.
func (r *Room) sendToGroup(includeSelf bool, accessGroups objectid.AccessGroups, cmd *command.Command) {
	for id, m := range r.members {
		if !includeSelf && id == r.currentMember {
			continue
		}
		if !m.Attached {
			continue
		}
		if !accessGroups.ContainsAny(m.AccessGroups) {
			continue
		}
		r.sendCommandToMember(m, cmd)
	}
}

// sendToMember delivers cmd to exactly one member, if attached.
func (r *Room) sendToMember(memberID uint16, cmd *command.Command) {
	m, ok := r.members[memberID]
	if !ok || !m.Attached {
		return
	}
	r.sendCommandToMember(m, cmd)
}

func (r *Room) insertObject(o *GameObject) {
	r.objectIDs = append(r.objectIDs, o.ObjectID)
	r.objects[o.ObjectID] = o
}

func (r *Room) getObject(id objectid.ID) (*GameObject, bool) {
	o, ok := r.objects[id]
	return o, ok
}

func (r *Room) containsObject(id objectid.ID) bool {
	_, ok := r.objects[id]
	return ok
}

func (r *Room) deleteObject(id objectid.ID) {
	delete(r.objects, id)
	for i, got := range r.objectIDs {
		if got == id {
			r.objectIDs = append(r.objectIDs[:i], r.objectIDs[i+1:]...)
			break
		}
	}
}

// BuildOutgoing asks every member's protocol engine for its next datagram,
// calling send for each one produced. Intended for the per-tick "build
// outgoing for every member" phase spec.md §5 and §9 describe.
func (r *Room) BuildOutgoing(now time.Time, send func(memberID uint16, datagram []byte)) {
	for id, m := range r.members {
		datagram, ok := m.Protocol.BuildNextFrame(now)
		if ok {
			send(id, datagram)
		}
	}
}

// Tick checks every member's protocol engine for a disconnect condition and
// removes any that should now be disconnected. Retransmit and keepalive
// frames are produced by BuildOutgoing, not here.
func (r *Room) Tick(now time.Time) {
	var disconnected []uint16
	for id, m := range r.members {
		if _, should := m.Protocol.Disconnected(now); should {
			disconnected = append(disconnected, id)
		}
	}
	for _, id := range disconnected {
		r.DisconnectMember(id)
	}
}

// Shutdown builds a best-effort Disconnect(ServerStopped) frame for every
// remaining member and hands each to send, for the server's shutdown path
// (spec.md §6). The room is left in place; the caller is expected to
// discard it immediately after.
func (r *Room) Shutdown(now time.Time, send func(memberID uint16, datagram []byte)) {
	for id, m := range r.members {
		send(id, m.Protocol.BuildDisconnectFrame(now, wire.DisconnectServerStopped))
	}
}

// DisconnectMember removes memberID, deletes every object it owns (fanning
// out Delete to whoever could see them), rolls back any outstanding
// CompareAndSet reset still pending for it, notifies listeners, and
// re-registers the member immediately if the room auto-creates.
func (r *Room) DisconnectMember(memberID uint16) {
	tmpl, hadTemplate := r.memberTemplates[memberID]
	if _, ok := r.members[memberID]; !ok {
		return
	}
	delete(r.members, memberID)

	r.rollbackResetsFor(memberID)

	var owned []objectid.ID
	for _, id := range r.objectIDs {
		if id.Owner == objectid.OwnerMember && id.MemberID == memberID {
			owned = append(owned, id)
		}
	}
	for _, id := range owned {
		o := r.objects[id]
		r.deleteObject(id)
		r.sendToGroup(false, o.AccessGroups, &command.Command{Type: command.TypeDelete, ObjectID: id})
	}

	for _, l := range r.listeners {
		l.MemberDisconnected(r.ID, memberID)
	}

	if r.autoCreateMember && hadTemplate {
		if _, err := r.RegisterMember(tmpl, time.Now()); err != nil {
			r.log.Warn("auto re-register failed", zap.Uint16("member", memberID), zap.Error(err))
		}
	}
}

// rollbackResetsFor restores every field this member had an outstanding
// CompareAndSet reset recorded for, provided the field still holds the
// value the CompareAndSet set it to (spec.md §4.12, §8 scenario 4).
func (r *Room) rollbackResetsFor(memberID uint16) {
	for _, id := range r.objectIDs {
		o := r.objects[id]
		for key, resetValue := range o.resets {
			if key.MemberID != memberID {
				continue
			}
			delete(o.resets, key)
			if rollbackField(o, key.FieldID, resetValue) {
				r.sendToGroup(true, o.AccessGroups, &command.Command{
					Type: command.TypeSetField, ObjectID: id, FieldID: key.FieldID, Value: resetValue,
				})
			}
		}
	}
}

// rollbackField restores v into o at fieldID if the field's current value
// is the "new" side of the CompareAndSet (i.e. nothing else has changed it
// since); returns whether it actually rolled back.
func rollbackField(o *GameObject, fieldID uint16, v command.Value) bool {
	switch v.Type {
	case command.FieldLong:
		o.Longs[fieldID] = v.Long
	case command.FieldDouble:
		o.Doubles[fieldID] = v.Double
	case command.FieldStructure:
		o.Structures[fieldID] = v.Structure
	default:
		return false
	}
	return true
}

// MemberCount reports how many members are currently registered.
func (r *Room) MemberCount() int {
	return len(r.members)
}

// Member looks up a registered member by id.
func (r *Room) Member(id uint16) (*Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

// SetPermissions replaces the room's permission manager wholesale, used by
// the admin UpdateRoomPermissions call. Existing resolved-permission cache
// entries are discarded along with the old manager.
func (r *Room) SetPermissions(cfg permission.Config) {
	r.permissions = permission.New(cfg)
}
