// Package command defines the C2S/S2C command tagged union and its wire
// codec, including the per-frame context compression for object/field ids.
package command

import (
	"errors"
	"fmt"

	"relay/internal/codec"
	"relay/internal/objectid"
)

// TypeID is the 1-byte wire discriminant for a Command.
type TypeID uint8

const (
	TypeCreateGameObject TypeID = iota + 1
	TypeCreatedGameObject
	TypeSetField
	TypeIncrementLong
	TypeIncrementDouble
	TypeCompareAndSetLong
	TypeCompareAndSetStructure
	TypeEvent
	TypeTargetEvent
	TypeDelete
	TypeDeleteField
	TypeAttachToRoom
	TypeDetachFromRoom
	TypeForwarded
	TypeMemberConnected // server -> client only
)

// FieldType distinguishes the field kinds for permission lookup and
// DeleteField's payload: Long, Double and Structure hold values; Event names
// an event field and carries no stored value.
type FieldType uint8

const (
	FieldLong FieldType = iota
	FieldDouble
	FieldStructure
	FieldEvent
)

// MaxPayloadSize bounds Structure and Event payloads.
const MaxPayloadSize = 255

// Value is a tagged union over a field's possible stored types.
type Value struct {
	Type      FieldType
	Long      int64
	Double    float64
	Structure []byte
}

func LongValue(v int64) Value      { return Value{Type: FieldLong, Long: v} }
func DoubleValue(v float64) Value  { return Value{Type: FieldDouble, Double: v} }
func StructureValue(b []byte) Value { return Value{Type: FieldStructure, Structure: b} }

// Command is a tagged union of every C2S/S2C message. Only the fields
// relevant to Type are meaningful for a given value.
type Command struct {
	Type TypeID

	ObjectID     objectid.ID
	Template     uint16
	AccessGroups objectid.AccessGroups
	SingletonKey []byte // CreatedGameObject, optional

	FieldID uint16
	Value   Value

	IncrementLong   int64
	IncrementDouble float64

	CompareCurrent Value
	CompareNew     Value
	CompareReset   Value

	Payload []byte // Event / TargetEvent

	TargetMember uint16 // TargetEvent

	FieldType FieldType // DeleteField

	CreatorMemberID uint16   // Forwarded
	Inner           *Command // Forwarded

	MemberID uint16 // MemberConnected
}

var (
	ErrUnknownTypeID           = errors.New("command: unknown type id")
	ErrMissingContextObjectID  = errors.New("command: no object id in context")
	ErrMissingContextFieldID   = errors.New("command: no field id in context")
	ErrPayloadTooLarge         = errors.New("command: payload exceeds maximum size")
	ErrTruncated               = errors.New("command: truncated command body")
)

// NeedsObjectID reports whether this command type carries an object id
// reference in the wire context.
func (t TypeID) NeedsObjectID() bool {
	switch t {
	case TypeAttachToRoom, TypeDetachFromRoom, TypeMemberConnected, TypeForwarded:
		return false
	default:
		return true
	}
}

// NeedsFieldID reports whether this command type carries a field id
// reference in the wire context.
func (t TypeID) NeedsFieldID() bool {
	switch t {
	case TypeSetField, TypeIncrementLong, TypeIncrementDouble, TypeCompareAndSetLong,
		TypeCompareAndSetStructure, TypeEvent, TypeTargetEvent, TypeDeleteField:
		return true
	default:
		return false
	}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("command: %s: %v", e.Stage, e.Err)
}

// DecodeError wraps a decode failure with the name of the stage it occurred
// at; it carries no command index or byte offset.
type DecodeError struct {
	Stage string
	Err   error
}

func wrapErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &DecodeError{Stage: stage, Err: err}
}

// Context carries the per-frame "inherit" state for object/field id
// compression: a wire value of 0 means "same as previous command in this
// frame", any other value is a marker followed by the full encoded id, which
// is used and replaces the context.
type Context struct {
	hasObjectID bool
	objectID    objectid.ID
	hasFieldID  bool
	fieldID     uint16
}

func (c *Context) resolveObjectID(buf []byte) (objectid.ID, []byte, error) {
	ref, n, err := codec.Uvarint(buf)
	if err != nil {
		return objectid.ID{}, nil, err
	}
	buf = buf[n:]
	if ref == 0 {
		if !c.hasObjectID {
			return objectid.ID{}, nil, ErrMissingContextObjectID
		}
		return c.objectID, buf, nil
	}
	id, rest, err := decodeObjectID(buf)
	if err != nil {
		return objectid.ID{}, nil, err
	}
	c.hasObjectID = true
	c.objectID = id
	return id, rest, nil
}

func (c *Context) resolveFieldID(buf []byte) (uint16, []byte, error) {
	ref, n, err := codec.Uvarint(buf)
	if err != nil {
		return 0, nil, err
	}
	buf = buf[n:]
	if ref == 0 {
		if !c.hasFieldID {
			return 0, nil, ErrMissingContextFieldID
		}
		return c.fieldID, buf, nil
	}
	raw, n, err := codec.Uvarint(buf)
	if err != nil {
		return 0, nil, err
	}
	buf = buf[n:]
	id := uint16(raw)
	c.fieldID = id
	c.hasFieldID = true
	return id, buf, nil
}

func decodeObjectID(buf []byte) (objectid.ID, []byte, error) {
	if len(buf) < 1 {
		return objectid.ID{}, nil, ErrTruncated
	}
	owner := objectid.OwnerKind(buf[0])
	buf = buf[1:]
	rawID, n, err := codec.Uvarint(buf)
	if err != nil {
		return objectid.ID{}, nil, err
	}
	buf = buf[n:]
	if owner == objectid.OwnerRoom {
		return objectid.Room(uint32(rawID)), buf, nil
	}
	memberID, n, err := codec.Uvarint(buf)
	if err != nil {
		return objectid.ID{}, nil, err
	}
	buf = buf[n:]
	return objectid.Member(uint32(rawID), uint16(memberID)), buf, nil
}

func encodeObjectID(out []byte, id objectid.ID) []byte {
	out = append(out, byte(id.Owner))
	out = codec.PutUvarint(out, uint64(id.ID))
	if id.Owner == objectid.OwnerMember {
		out = codec.PutUvarint(out, uint64(id.MemberID))
	}
	return out
}

// contextMatchesObjectID reports whether id equals the object id already in
// context, in which case the encoder can write the 0 "inherit" reference
// instead of the full id. It does not modify the context.
func contextMatchesObjectID(ctx *Context, id objectid.ID) bool {
	return ctx.hasObjectID && ctx.objectID == id
}

func contextMatchesFieldID(ctx *Context, id uint16) bool {
	return ctx.hasFieldID && ctx.fieldID == id
}
