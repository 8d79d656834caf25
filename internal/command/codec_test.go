package command

import (
	"bytes"
	"testing"

	"relay/internal/objectid"
)

func roundTrip(t *testing.T, cmd *Command) *Command {
	t.Helper()
	encCtx := &Context{}
	buf := Encode(nil, cmd, encCtx)
	decCtx := &Context{}
	got, rest, err := Decode(buf, decCtx)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %v", rest)
	}
	return got
}

func TestRoundTripCreateGameObject(t *testing.T) {
	id := objectid.Member(100, 7)
	cmd := &Command{Type: TypeCreateGameObject, ObjectID: id, Template: 3, AccessGroups: 0b101}
	got := roundTrip(t, cmd)
	if got.ObjectID != id || got.Template != 3 || got.AccessGroups != 0b101 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripCreatedGameObjectWithSingletonKey(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{Type: TypeCreatedGameObject, ObjectID: id, SingletonKey: []byte("key")}
	got := roundTrip(t, cmd)
	if got.ObjectID != id || !bytes.Equal(got.SingletonKey, []byte("key")) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripSetFieldLong(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{Type: TypeSetField, ObjectID: id, FieldID: 9, Value: LongValue(42)}
	got := roundTrip(t, cmd)
	if got.Value.Type != FieldLong || got.Value.Long != 42 || got.FieldID != 9 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripSetFieldDouble(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{Type: TypeSetField, ObjectID: id, FieldID: 9, Value: DoubleValue(3.25)}
	got := roundTrip(t, cmd)
	if got.Value.Type != FieldDouble || got.Value.Double != 3.25 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripIncrementLong(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{Type: TypeIncrementLong, ObjectID: id, FieldID: 1, IncrementLong: -17}
	got := roundTrip(t, cmd)
	if got.IncrementLong != -17 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripCompareAndSetLong(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{
		Type: TypeCompareAndSetLong, ObjectID: id, FieldID: 2,
		CompareCurrent: LongValue(0), CompareNew: LongValue(5), CompareReset: LongValue(0),
	}
	got := roundTrip(t, cmd)
	if got.CompareCurrent.Long != 0 || got.CompareNew.Long != 5 || got.CompareReset.Long != 0 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripCompareAndSetStructure(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{
		Type: TypeCompareAndSetStructure, ObjectID: id, FieldID: 2,
		CompareCurrent: StructureValue([]byte{1}), CompareNew: StructureValue([]byte{2, 3}), CompareReset: StructureValue([]byte{1}),
	}
	got := roundTrip(t, cmd)
	if !bytes.Equal(got.CompareNew.Structure, []byte{2, 3}) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripEvent(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{Type: TypeEvent, ObjectID: id, FieldID: 3, Payload: []byte{9, 9, 9}}
	got := roundTrip(t, cmd)
	if !bytes.Equal(got.Payload, []byte{9, 9, 9}) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripTargetEvent(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{Type: TypeTargetEvent, ObjectID: id, FieldID: 3, TargetMember: 11, Payload: []byte{1}}
	got := roundTrip(t, cmd)
	if got.TargetMember != 11 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripDelete(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{Type: TypeDelete, ObjectID: id}
	got := roundTrip(t, cmd)
	if got.ObjectID != id {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripDeleteField(t *testing.T) {
	id := objectid.Room(5)
	cmd := &Command{Type: TypeDeleteField, ObjectID: id, FieldID: 4, FieldType: FieldStructure}
	got := roundTrip(t, cmd)
	if got.FieldType != FieldStructure {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripAttachDetach(t *testing.T) {
	for _, typ := range []TypeID{TypeAttachToRoom, TypeDetachFromRoom} {
		cmd := &Command{Type: typ}
		got := roundTrip(t, cmd)
		if got.Type != typ {
			t.Fatalf("mismatch: %+v", got)
		}
	}
}

func TestRoundTripForwarded(t *testing.T) {
	id := objectid.Room(5)
	inner := &Command{Type: TypeEvent, ObjectID: id, FieldID: 1, Payload: []byte{7}}
	cmd := &Command{Type: TypeForwarded, CreatorMemberID: 3, Inner: inner}
	got := roundTrip(t, cmd)
	if got.CreatorMemberID != 3 || got.Inner == nil || got.Inner.Type != TypeEvent {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRoundTripMemberConnected(t *testing.T) {
	cmd := &Command{Type: TypeMemberConnected, MemberID: 42}
	got := roundTrip(t, cmd)
	if got.MemberID != 42 {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestContextCompressionOmitsRepeatedIDs(t *testing.T) {
	id := objectid.Room(5)
	ctx := &Context{}
	a := Encode(nil, &Command{Type: TypeSetField, ObjectID: id, FieldID: 1, Value: LongValue(1)}, ctx)
	b := Encode(nil, &Command{Type: TypeSetField, ObjectID: id, FieldID: 1, Value: LongValue(2)}, ctx)
	if len(b) >= len(a) {
		t.Fatalf("expected second command to compress shorter than first: %d >= %d", len(b), len(a))
	}
}

func TestDecodeUnknownTypeID(t *testing.T) {
	_, _, err := Decode([]byte{0xFF}, &Context{})
	de, ok := err.(*DecodeError)
	if !ok || de.Err != ErrUnknownTypeID {
		t.Fatalf("expected ErrUnknownTypeID, got %v", err)
	}
}

func TestDecodeMissingContextObjectID(t *testing.T) {
	buf := []byte{byte(TypeDelete), 0} // ref=0 but no prior context
	_, _, err := Decode(buf, &Context{})
	de, ok := err.(*DecodeError)
	if !ok || de.Err != ErrMissingContextObjectID {
		t.Fatalf("expected ErrMissingContextObjectID, got %v", err)
	}
}
