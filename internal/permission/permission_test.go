package permission

import (
	"testing"

	"relay/internal/command"
	"relay/internal/objectid"
)

const (
	groupA objectid.AccessGroups = 1 << 0
	groupB objectid.AccessGroups = 1 << 1
)

func TestTemplateDefaultAppliesWhenNoFieldOverride(t *testing.T) {
	m := New(Config{Templates: []Template{
		{TemplateID: 1, Groups: []Group{{Groups: groupA, Permission: Rw}}},
	}})

	if got := m.GetPermission(1, 5, command.FieldLong, groupA); got != Rw {
		t.Fatalf("expected Rw from template default, got %v", got)
	}
}

func TestFieldOverrideWinsOverTemplateDefault(t *testing.T) {
	m := New(Config{Templates: []Template{
		{
			TemplateID: 1,
			Groups:     []Group{{Groups: groupA, Permission: Rw}},
			Fields: []Field{
				{FieldID: 5, FieldType: command.FieldLong, Groups: []Group{{Groups: groupA, Permission: Deny}}},
			},
		},
	}})

	if got := m.GetPermission(1, 5, command.FieldLong, groupA); got != Deny {
		t.Fatalf("expected field override Deny, got %v", got)
	}
	// a different field on the same template still falls back to the template default
	if got := m.GetPermission(1, 6, command.FieldLong, groupA); got != Rw {
		t.Fatalf("expected unrelated field to use template default Rw, got %v", got)
	}
}

func TestUnknownTemplateDefaultsToRo(t *testing.T) {
	m := New(Config{})
	if got := m.GetPermission(99, 1, command.FieldLong, groupA); got != Ro {
		t.Fatalf("expected Ro default for unknown template, got %v", got)
	}
}

func TestGroupWithNoMatchingEntryDefaultsToRo(t *testing.T) {
	m := New(Config{Templates: []Template{
		{TemplateID: 1, Groups: []Group{{Groups: groupA, Permission: Rw}}},
	}})
	if got := m.GetPermission(1, 1, command.FieldLong, groupB); got != Ro {
		t.Fatalf("expected Ro for a group with no matching entry, got %v", got)
	}
}

func TestHasWriteAccessFastPath(t *testing.T) {
	m := New(Config{Templates: []Template{
		{TemplateID: 1, Groups: []Group{{Groups: groupA, Permission: Ro}}},
		{
			TemplateID: 2,
			Groups:     []Group{{Groups: groupA, Permission: Ro}},
			Fields: []Field{
				{FieldID: 1, FieldType: command.FieldLong, Groups: []Group{{Groups: groupB, Permission: Rw}}},
			},
		},
	}})

	if m.HasWriteAccess(1, 1, command.FieldLong) {
		t.Fatalf("template 1 has no write-access group anywhere, fast path should be false")
	}
	if !m.HasWriteAccess(2, 1, command.FieldLong) {
		t.Fatalf("template 2 field 1 has a write-access group, fast path should be true")
	}
	if m.HasWriteAccess(2, 2, command.FieldLong) {
		t.Fatalf("template 2 field 2 has no override and template default is Ro, fast path should be false")
	}
}

func TestGetPermissionIsStableAcrossRepeatedLookups(t *testing.T) {
	m := New(Config{Templates: []Template{
		{TemplateID: 1, Groups: []Group{{Groups: groupA, Permission: Rw}}},
	}})
	first := m.GetPermission(1, 1, command.FieldLong, groupA)
	second := m.GetPermission(1, 1, command.FieldLong, groupA)
	if first != second {
		t.Fatalf("expected cached lookup to be stable, got %v then %v", first, second)
	}
}
