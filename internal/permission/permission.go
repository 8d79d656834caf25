// Package permission resolves per-(template, field, group) read/write
// access for room templates, caching resolved results.
package permission

import (
	"fmt"

	gocache "github.com/patrickmn/go-cache"

	"relay/internal/command"
	"relay/internal/objectid"
)

// Level orders Deny < Ro < Rw so "greater than Ro" means write access.
type Level uint8

const (
	Deny Level = iota
	Ro
	Rw
)

// Group is one access-group-scoped permission entry within a template or
// field's permission list.
type Group struct {
	Groups     objectid.AccessGroups
	Permission Level
}

// Field describes the permission groups for one (field_id, field_type)
// pair within a template, overriding the template default.
type Field struct {
	FieldID   uint16
	FieldType command.FieldType
	Groups    []Group
}

// Template is one room template's default permission groups plus any
// per-field overrides.
type Template struct {
	TemplateID uint16
	Groups     []Group
	Fields     []Field
}

// Config is the full set of template permissions for a room.
type Config struct {
	Templates []Template
}

type fieldKey struct {
	template  uint16
	fieldID   uint16
	fieldType command.FieldType
}

// Manager resolves and caches (template, field, field_type, group) lookups
// and exposes a write-access fast path for executors to skip
// object-creator bookkeeping when no other member could ever write.
type Manager struct {
	templates map[uint16][]Group
	fields    map[fieldKey][]Group

	writeAccessTemplate map[uint16]bool
	writeAccessFields   map[fieldKey]bool

	cache *gocache.Cache
}

// New builds a Manager from cfg, pre-computing the write-access fast path.
func New(cfg Config) *Manager {
	m := &Manager{
		templates:           make(map[uint16][]Group),
		fields:              make(map[fieldKey][]Group),
		writeAccessTemplate: make(map[uint16]bool),
		writeAccessFields:   make(map[fieldKey]bool),
		cache:               gocache.New(gocache.NoExpiration, gocache.NoExpiration),
	}

	for _, tmpl := range cfg.Templates {
		m.templates[tmpl.TemplateID] = tmpl.Groups
		if anyWriteAccess(tmpl.Groups) {
			m.writeAccessTemplate[tmpl.TemplateID] = true
		}

		for _, field := range tmpl.Fields {
			key := fieldKey{template: tmpl.TemplateID, fieldID: field.FieldID, fieldType: field.FieldType}
			m.fields[key] = field.Groups
			if anyWriteAccess(field.Groups) {
				m.writeAccessFields[key] = true
			}
		}
	}
	return m
}

func anyWriteAccess(groups []Group) bool {
	for _, g := range groups {
		if g.Permission > Ro {
			return true
		}
	}
	return false
}

// HasWriteAccess reports whether any group other than the object's creator
// could ever write this (template, field) pair — the fast path executors
// use to skip per-write creator bookkeeping.
func (m *Manager) HasWriteAccess(template uint16, fieldID uint16, fieldType command.FieldType) bool {
	if m.writeAccessTemplate[template] {
		return true
	}
	return m.writeAccessFields[fieldKey{template: template, fieldID: fieldID, fieldType: fieldType}]
}

// GetPermission resolves the permission level for userGroups against
// (template, field, field_type): field override wins, else template
// default, else Ro. Pure for fixed inputs and memoized.
func (m *Manager) GetPermission(template uint16, fieldID uint16, fieldType command.FieldType, userGroups objectid.AccessGroups) Level {
	key := fieldKey{template: template, fieldID: fieldID, fieldType: fieldType}
	cacheKey := fmt.Sprintf("%d:%d:%d:%d", key.template, key.fieldID, key.fieldType, userGroups)

	if cached, ok := m.cache.Get(cacheKey); ok {
		return cached.(Level)
	}

	var resolved Level
	if groups, ok := m.fields[key]; ok {
		resolved = resolveByGroup(userGroups, groups)
	} else if groups, ok := m.templates[template]; ok {
		resolved = resolveByGroup(userGroups, groups)
	} else {
		resolved = Ro
	}

	m.cache.Set(cacheKey, resolved, gocache.NoExpiration)
	return resolved
}

func resolveByGroup(userGroups objectid.AccessGroups, groups []Group) Level {
	for _, g := range groups {
		if g.Groups.ContainsAny(userGroups) {
			return g.Permission
		}
	}
	return Ro
}
