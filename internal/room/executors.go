package room

import (
	"errors"
	"fmt"

	"relay/internal/command"
	"relay/internal/objectid"
	"relay/internal/permission"
)

// Sentinel drop-command errors (spec.md §7's "drop-command" tier): logged
// by the caller, never disconnect.
var (
	ErrObjectNotFound       = errors.New("room: object not found")
	ErrPermissionDenied     = errors.New("room: permission denied")
	ErrOwnershipViolation   = errors.New("room: object id violates ownership")
	ErrObjectAlreadyExists  = errors.New("room: object already exists")
	ErrFieldTypeMismatch    = errors.New("room: field type mismatch")
	ErrCompareMismatch      = errors.New("room: compare-and-set value mismatch")
	ErrInvalidObjectID      = errors.New("room: object id must be nonzero")
	ErrNotAForwarder        = errors.New("room: member lacks forwarder permission")
	ErrUnhandledCommandType = errors.New("room: no executor for command type")
)

// CommandError wraps a dropped command with the type id it failed to
// execute, so the room's log line names both without the caller needing to
// inspect cmd itself.
type CommandError struct {
	Type command.TypeID
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command type %d: %v", e.Type, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// execute validates and applies one C2S command on behalf of callerID.
// Failures are always CommandError — drop-command tier — never a reason to
// disconnect (spec.md §4.12's failure semantics).
func execute(r *Room, callerID uint16, cmd *command.Command) error {
	var err error
	switch cmd.Type {
	case command.TypeCreateGameObject:
		err = executeCreateGameObject(r, callerID, cmd)
	case command.TypeCreatedGameObject:
		err = executeCreatedGameObject(r, callerID, cmd)
	case command.TypeSetField:
		err = executeSetField(r, callerID, cmd)
	case command.TypeIncrementLong:
		err = executeIncrementLong(r, callerID, cmd)
	case command.TypeIncrementDouble:
		err = executeIncrementDouble(r, callerID, cmd)
	case command.TypeCompareAndSetLong:
		err = executeCompareAndSetLong(r, callerID, cmd)
	case command.TypeCompareAndSetStructure:
		err = executeCompareAndSetStructure(r, callerID, cmd)
	case command.TypeEvent:
		err = executeEvent(r, callerID, cmd)
	case command.TypeTargetEvent:
		err = executeTargetEvent(r, callerID, cmd)
	case command.TypeDelete:
		err = executeDelete(r, callerID, cmd)
	case command.TypeDeleteField:
		err = executeDeleteField(r, callerID, cmd)
	case command.TypeAttachToRoom:
		err = r.Attach(callerID)
	case command.TypeDetachFromRoom:
		err = r.Detach(callerID)
	case command.TypeForwarded:
		err = executeForwarded(r, callerID, cmd)
	default:
		err = ErrUnhandledCommandType
	}
	if err == nil {
		return nil
	}
	return &CommandError{Type: cmd.Type, Err: err}
}

func executeCreateGameObject(r *Room, callerID uint16, cmd *command.Command) error {
	if cmd.ObjectID.ID == 0 {
		return ErrInvalidObjectID
	}
	if cmd.ObjectID.Owner == objectid.OwnerMember && cmd.ObjectID.MemberID != callerID {
		return ErrOwnershipViolation
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !cmd.AccessGroups.IsSubGroupsOf(caller.AccessGroups) {
		return ErrPermissionDenied
	}
	if r.containsObject(cmd.ObjectID) {
		return ErrObjectAlreadyExists
	}

	o := newGameObject(cmd.ObjectID, cmd.Template, cmd.AccessGroups)
	r.insertObject(o)
	return nil
}

// executeCreatedGameObject marks the object created and fans out the full
// Create + buffered-mutations + Created bundle to every other visible
// member (spec.md §4.12).
func executeCreatedGameObject(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	o.Created = true

	r.sendToGroup(false, o.AccessGroups, &command.Command{
		Type: command.TypeCreateGameObject, ObjectID: o.ObjectID, Template: o.Template, AccessGroups: o.AccessGroups,
	})
	for i := range o.pendingMutations {
		mut := o.pendingMutations[i]
		r.sendToGroup(false, o.AccessGroups, &mut)
	}
	o.pendingMutations = nil
	r.sendToGroup(false, o.AccessGroups, &command.Command{Type: command.TypeCreatedGameObject, ObjectID: o.ObjectID})
	return nil
}

func executeSetField(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !r.hasWritePermission(o.Template, cmd.FieldID, cmd.Value.Type, caller.AccessGroups) {
		return ErrPermissionDenied
	}
	if err := setField(o, cmd.FieldID, cmd.Value); err != nil {
		return err
	}

	if !o.Created {
		o.pendingMutations = append(o.pendingMutations, *cmd)
		return nil
	}
	r.sendToGroup(false, o.AccessGroups, cmd)
	return nil
}

func executeIncrementLong(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !r.hasWritePermission(o.Template, cmd.FieldID, command.FieldLong, caller.AccessGroups) {
		return ErrPermissionDenied
	}
	// Wraps on overflow (two's-complement), the locked-in resolution to
	// spec.md §9's open question.
	result := o.Longs[cmd.FieldID] + cmd.IncrementLong
	o.Longs[cmd.FieldID] = result

	out := &command.Command{Type: command.TypeSetField, ObjectID: o.ObjectID, FieldID: cmd.FieldID, Value: command.LongValue(result)}
	if !o.Created {
		o.pendingMutations = append(o.pendingMutations, *out)
		return nil
	}
	r.sendToGroup(false, o.AccessGroups, out)
	return nil
}

func executeIncrementDouble(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !r.hasWritePermission(o.Template, cmd.FieldID, command.FieldDouble, caller.AccessGroups) {
		return ErrPermissionDenied
	}
	result := o.Doubles[cmd.FieldID] + cmd.IncrementDouble
	o.Doubles[cmd.FieldID] = result

	out := &command.Command{Type: command.TypeSetField, ObjectID: o.ObjectID, FieldID: cmd.FieldID, Value: command.DoubleValue(result)}
	if !o.Created {
		o.pendingMutations = append(o.pendingMutations, *out)
		return nil
	}
	r.sendToGroup(false, o.AccessGroups, out)
	return nil
}

func executeCompareAndSetLong(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !r.hasWritePermission(o.Template, cmd.FieldID, command.FieldLong, caller.AccessGroups) {
		return ErrPermissionDenied
	}
	if o.Longs[cmd.FieldID] != cmd.CompareCurrent.Long {
		return ErrCompareMismatch
	}
	o.Longs[cmd.FieldID] = cmd.CompareNew.Long
	r.recordReset(o, callerID, cmd.FieldID, command.FieldLong, cmd.CompareReset)

	r.sendToGroup(false, o.AccessGroups, &command.Command{
		Type: command.TypeSetField, ObjectID: o.ObjectID, FieldID: cmd.FieldID, Value: cmd.CompareNew,
	})
	return nil
}

func executeCompareAndSetStructure(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !r.hasWritePermission(o.Template, cmd.FieldID, command.FieldStructure, caller.AccessGroups) {
		return ErrPermissionDenied
	}
	if string(o.Structures[cmd.FieldID]) != string(cmd.CompareCurrent.Structure) {
		return ErrCompareMismatch
	}
	o.Structures[cmd.FieldID] = cmd.CompareNew.Structure
	r.recordReset(o, callerID, cmd.FieldID, command.FieldStructure, cmd.CompareReset)

	r.sendToGroup(false, o.AccessGroups, &command.Command{
		Type: command.TypeSetField, ObjectID: o.ObjectID, FieldID: cmd.FieldID, Value: cmd.CompareNew,
	})
	return nil
}

// executeEvent fans out a stateless event. Always Rw-permissioned on
// field_type=Event per spec.md §4.12.
func executeEvent(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !r.hasWritePermission(o.Template, cmd.FieldID, command.FieldEvent, caller.AccessGroups) {
		return ErrPermissionDenied
	}
	r.sendToGroup(false, o.AccessGroups, cmd)
	return nil
}

// executeTargetEvent delivers only to cmd.TargetMember.
func executeTargetEvent(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !r.hasWritePermission(o.Template, cmd.FieldID, command.FieldEvent, caller.AccessGroups) {
		return ErrPermissionDenied
	}
	target, ok := r.members[cmd.TargetMember]
	if !ok || !target.AccessGroups.ContainsAny(o.AccessGroups) {
		return ErrPermissionDenied
	}
	r.sendToMember(cmd.TargetMember, cmd)
	return nil
}

// executeDelete removes an object: only its owning member (for
// Member-owned objects) or the caller acting on a Room-owned object may
// delete it.
func executeDelete(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	if o.ObjectID.Owner == objectid.OwnerMember && o.ObjectID.MemberID != callerID {
		return ErrOwnershipViolation
	}
	r.deleteObject(o.ObjectID)
	r.sendToGroup(false, o.AccessGroups, &command.Command{Type: command.TypeDelete, ObjectID: o.ObjectID})
	return nil
}

func executeDeleteField(r *Room, callerID uint16, cmd *command.Command) error {
	o, ok := r.getObject(cmd.ObjectID)
	if !ok {
		return ErrObjectNotFound
	}
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !r.hasWritePermission(o.Template, cmd.FieldID, cmd.FieldType, caller.AccessGroups) {
		return ErrPermissionDenied
	}
	switch cmd.FieldType {
	case command.FieldLong:
		delete(o.Longs, cmd.FieldID)
	case command.FieldDouble:
		delete(o.Doubles, cmd.FieldID)
	case command.FieldStructure:
		delete(o.Structures, cmd.FieldID)
	default:
		return ErrFieldTypeMismatch
	}
	r.sendToGroup(false, o.AccessGroups, cmd)
	return nil
}

// executeForwarded executes cmd.Inner as if cmd.CreatorMemberID had sent
// it, provided callerID has forwarder permission.
func executeForwarded(r *Room, callerID uint16, cmd *command.Command) error {
	caller, ok := r.members[callerID]
	if !ok {
		return ErrUnknownMember
	}
	if !caller.Forwarder {
		return ErrNotAForwarder
	}
	if cmd.Inner == nil {
		return ErrUnhandledCommandType
	}

	prevMember := r.currentMember
	r.currentMember = cmd.CreatorMemberID
	defer func() { r.currentMember = prevMember }()
	return execute(r, cmd.CreatorMemberID, cmd.Inner)
}

func (r *Room) hasWritePermission(template uint16, fieldID uint16, fieldType command.FieldType, callerGroups objectid.AccessGroups) bool {
	return r.permissions.GetPermission(template, fieldID, fieldType, callerGroups) >= permission.Rw
}

// recordReset remembers original for (memberID, fieldID) on o so a later
// disconnect can roll it back, unless the permission fast path proves no
// other member could ever write this field — in which case there is never
// a conflicting write to roll back from, and bookkeeping is skipped.
func (r *Room) recordReset(o *GameObject, memberID uint16, fieldID uint16, fieldType command.FieldType, original command.Value) {
	if !r.permissions.HasWriteAccess(o.Template, fieldID, fieldType) {
		return
	}
	o.resets[resetKey{MemberID: memberID, FieldID: fieldID}] = original
}

func setField(o *GameObject, fieldID uint16, v command.Value) error {
	switch v.Type {
	case command.FieldLong:
		o.Longs[fieldID] = v.Long
	case command.FieldDouble:
		o.Doubles[fieldID] = v.Double
	case command.FieldStructure:
		o.Structures[fieldID] = v.Structure
	default:
		return ErrFieldTypeMismatch
	}
	return nil
}
