package command

import (
	"math"

	"relay/internal/codec"
	"relay/internal/objectid"
)

// Encode appends cmd's wire form — type id, object/field id references
// (context-compressed against ctx), then payload — to out.
func Encode(out []byte, cmd *Command, ctx *Context) []byte {
	out = append(out, byte(cmd.Type))

	if cmd.Type.NeedsObjectID() {
		if contextMatchesObjectID(ctx, cmd.ObjectID) {
			out = codec.PutUvarint(out, 0)
		} else {
			out = codec.PutUvarint(out, 1)
			out = encodeObjectID(out, cmd.ObjectID)
			ctx.hasObjectID = true
			ctx.objectID = cmd.ObjectID
		}
	}
	if cmd.Type.NeedsFieldID() {
		if contextMatchesFieldID(ctx, cmd.FieldID) {
			out = codec.PutUvarint(out, 0)
		} else {
			out = codec.PutUvarint(out, 1)
			out = codec.PutUvarint(out, uint64(cmd.FieldID))
			ctx.hasFieldID = true
			ctx.fieldID = cmd.FieldID
		}
	}

	switch cmd.Type {
	case TypeCreateGameObject:
		out = codec.PutUvarint(out, uint64(cmd.Template))
		out = codec.PutUvarint(out, uint64(cmd.AccessGroups))
	case TypeCreatedGameObject:
		out = encodeOptionalBytes(out, cmd.SingletonKey)
	case TypeSetField:
		out = encodeValue(out, cmd.Value)
	case TypeIncrementLong:
		out = codec.PutVarint(out, cmd.IncrementLong)
	case TypeIncrementDouble:
		out = encodeFloat64(out, cmd.IncrementDouble)
	case TypeCompareAndSetLong:
		out = codec.PutVarint(out, cmd.CompareCurrent.Long)
		out = codec.PutVarint(out, cmd.CompareNew.Long)
		out = codec.PutVarint(out, cmd.CompareReset.Long)
	case TypeCompareAndSetStructure:
		out = encodeBytes(out, cmd.CompareCurrent.Structure)
		out = encodeBytes(out, cmd.CompareNew.Structure)
		out = encodeBytes(out, cmd.CompareReset.Structure)
	case TypeEvent:
		out = encodeBytes(out, cmd.Payload)
	case TypeTargetEvent:
		out = codec.PutUvarint(out, uint64(cmd.TargetMember))
		out = encodeBytes(out, cmd.Payload)
	case TypeDelete:
		// no payload; object id carried in context section above
	case TypeDeleteField:
		out = append(out, byte(cmd.FieldType))
	case TypeAttachToRoom, TypeDetachFromRoom:
		// no payload
	case TypeForwarded:
		out = codec.PutUvarint(out, uint64(cmd.CreatorMemberID))
		out = Encode(out, cmd.Inner, ctx)
	case TypeMemberConnected:
		out = codec.PutUvarint(out, uint64(cmd.MemberID))
	}
	return out
}

// Decode reads one command from the front of buf, resolving object/field id
// references against ctx (updating it), and returns the remaining bytes.
func Decode(buf []byte, ctx *Context) (*Command, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, wrapErr("type", ErrTruncated)
	}
	typ := TypeID(buf[0])
	buf = buf[1:]
	cmd := &Command{Type: typ}

	if typ.NeedsObjectID() {
		id, rest, err := ctx.resolveObjectID(buf)
		if err != nil {
			return nil, nil, wrapErr("object_id", err)
		}
		cmd.ObjectID = id
		buf = rest
	}
	if typ.NeedsFieldID() {
		id, rest, err := ctx.resolveFieldID(buf)
		if err != nil {
			return nil, nil, wrapErr("field_id", err)
		}
		cmd.FieldID = id
		buf = rest
	}

	var err error
	switch typ {
	case TypeCreateGameObject:
		var tmpl, groups uint64
		if tmpl, buf, err = consumeUvarint(buf); err != nil {
			return nil, nil, wrapErr("template", err)
		}
		if groups, buf, err = consumeUvarint(buf); err != nil {
			return nil, nil, wrapErr("access_groups", err)
		}
		cmd.Template = uint16(tmpl)
		cmd.AccessGroups = objectid.AccessGroups(groups)
	case TypeCreatedGameObject:
		if cmd.SingletonKey, buf, err = decodeOptionalBytes(buf); err != nil {
			return nil, nil, wrapErr("singleton_key", err)
		}
	case TypeSetField:
		if cmd.Value, buf, err = decodeValue(buf); err != nil {
			return nil, nil, wrapErr("value", err)
		}
	case TypeIncrementLong:
		var v int64
		if v, buf, err = consumeVarint(buf); err != nil {
			return nil, nil, wrapErr("increment_long", err)
		}
		cmd.IncrementLong = v
	case TypeIncrementDouble:
		if cmd.IncrementDouble, buf, err = decodeFloat64(buf); err != nil {
			return nil, nil, wrapErr("increment_double", err)
		}
	case TypeCompareAndSetLong:
		var cur, nw, rst int64
		if cur, buf, err = consumeVarint(buf); err != nil {
			return nil, nil, wrapErr("cas_current", err)
		}
		if nw, buf, err = consumeVarint(buf); err != nil {
			return nil, nil, wrapErr("cas_new", err)
		}
		if rst, buf, err = consumeVarint(buf); err != nil {
			return nil, nil, wrapErr("cas_reset", err)
		}
		cmd.CompareCurrent, cmd.CompareNew, cmd.CompareReset = LongValue(cur), LongValue(nw), LongValue(rst)
	case TypeCompareAndSetStructure:
		var cur, nw, rst []byte
		if cur, buf, err = decodeBytes(buf); err != nil {
			return nil, nil, wrapErr("cas_current", err)
		}
		if nw, buf, err = decodeBytes(buf); err != nil {
			return nil, nil, wrapErr("cas_new", err)
		}
		if rst, buf, err = decodeBytes(buf); err != nil {
			return nil, nil, wrapErr("cas_reset", err)
		}
		cmd.CompareCurrent, cmd.CompareNew, cmd.CompareReset = StructureValue(cur), StructureValue(nw), StructureValue(rst)
	case TypeEvent:
		if cmd.Payload, buf, err = decodeBytes(buf); err != nil {
			return nil, nil, wrapErr("event_payload", err)
		}
	case TypeTargetEvent:
		var target uint64
		if target, buf, err = consumeUvarint(buf); err != nil {
			return nil, nil, wrapErr("target_member", err)
		}
		cmd.TargetMember = uint16(target)
		if cmd.Payload, buf, err = decodeBytes(buf); err != nil {
			return nil, nil, wrapErr("event_payload", err)
		}
	case TypeDelete, TypeAttachToRoom, TypeDetachFromRoom:
		// no payload
	case TypeDeleteField:
		if len(buf) < 1 {
			return nil, nil, wrapErr("field_type", ErrTruncated)
		}
		cmd.FieldType = FieldType(buf[0])
		buf = buf[1:]
	case TypeForwarded:
		var creator uint64
		if creator, buf, err = consumeUvarint(buf); err != nil {
			return nil, nil, wrapErr("creator_member_id", err)
		}
		cmd.CreatorMemberID = uint16(creator)
		var inner *Command
		if inner, buf, err = Decode(buf, ctx); err != nil {
			return nil, nil, err
		}
		cmd.Inner = inner
	case TypeMemberConnected:
		var member uint64
		if member, buf, err = consumeUvarint(buf); err != nil {
			return nil, nil, wrapErr("member_id", err)
		}
		cmd.MemberID = uint16(member)
	default:
		return nil, nil, wrapErr("type", ErrUnknownTypeID)
	}
	return cmd, buf, nil
}

func consumeUvarint(buf []byte) (uint64, []byte, error) {
	v, n, err := codec.Uvarint(buf)
	if err != nil {
		return 0, nil, err
	}
	return v, buf[n:], nil
}

func consumeVarint(buf []byte) (int64, []byte, error) {
	v, n, err := codec.Varint(buf)
	if err != nil {
		return 0, nil, err
	}
	return v, buf[n:], nil
}

func encodeValue(out []byte, v Value) []byte {
	out = append(out, byte(v.Type))
	switch v.Type {
	case FieldLong:
		out = codec.PutVarint(out, v.Long)
	case FieldDouble:
		out = encodeFloat64(out, v.Double)
	case FieldStructure:
		out = encodeBytes(out, v.Structure)
	}
	return out
}

func decodeValue(buf []byte) (Value, []byte, error) {
	if len(buf) < 1 {
		return Value{}, nil, ErrTruncated
	}
	typ := FieldType(buf[0])
	buf = buf[1:]
	switch typ {
	case FieldLong:
		v, rest, err := consumeVarint(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return LongValue(v), rest, nil
	case FieldDouble:
		v, rest, err := decodeFloat64(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return DoubleValue(v), rest, nil
	case FieldStructure:
		b, rest, err := decodeBytes(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return StructureValue(b), rest, nil
	default:
		return Value{}, nil, ErrUnknownTypeID
	}
}

func encodeBytes(out []byte, b []byte) []byte {
	out = codec.PutUvarint(out, uint64(len(b)))
	return append(out, b...)
}

func decodeBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := consumeUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if n > MaxPayloadSize {
		return nil, nil, ErrPayloadTooLarge
	}
	if uint64(len(rest)) < n {
		return nil, nil, ErrTruncated
	}
	return rest[:n], rest[n:], nil
}

func encodeOptionalBytes(out []byte, b []byte) []byte {
	if b == nil {
		return codec.PutUvarint(out, 0)
	}
	out = codec.PutUvarint(out, uint64(len(b)+1))
	return append(out, b...)
}

func decodeOptionalBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := consumeUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, rest, nil
	}
	n--
	if n > MaxPayloadSize {
		return nil, nil, ErrPayloadTooLarge
	}
	if uint64(len(rest)) < n {
		return nil, nil, ErrTruncated
	}
	return rest[:n], rest[n:], nil
}

func encodeFloat64(out []byte, f float64) []byte {
	bits := math.Float64bits(f)
	for i := 0; i < 8; i++ {
		out = append(out, byte(bits>>(8*i)))
	}
	return out
}

func decodeFloat64(buf []byte) (float64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, ErrTruncated
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(buf[i]) << (8 * i)
	}
	return math.Float64frombits(bits), buf[8:], nil
}
