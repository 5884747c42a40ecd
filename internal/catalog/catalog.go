// Package catalog is the compile-time registry of syncable entities. Every
// table and column name the sync engine touches comes from here, never from
// client input: unknown entity names are rejected before storage is reached.
package catalog

import (
	"fmt"
	"sort"

	"github.com/prudhvinik1/classsync/internal/models"
)

// ScopeRule selects the visibility predicate applied for a role.
type ScopeRule int

const (
	// ScopeSchool: every record in the caller's school.
	ScopeSchool ScopeRule = iota
	// ScopeOwner: records the caller created.
	ScopeOwner
	// ScopeStudentLink: records of students linked to the caller through the
	// guardian_links table.
	ScopeStudentLink
)

// EntityDescriptor is immutable configuration for one syncable entity.
type EntityDescriptor struct {
	Name  string
	Table string
	// Visibility maps a role to its scope rule; roles absent from the map
	// cannot see the entity at all.
	Visibility map[models.Role]ScopeRule
	// Writers may submit create/update/delete changes for this entity.
	Writers []models.Role
	// StudentScoped entities carry a student_id column, filled from the
	// payload on create so guardian scoping can filter on it.
	StudentScoped bool
	// NaturalKey lists payload fields that identify a record for
	// create-dedupe. Empty means duplicate creates are allowed.
	NaturalKey []string
	// ConflictExempt entities are append-only on arrival: they carry no
	// version and never produce conflicts.
	ConflictExempt bool
}

var registry = map[string]EntityDescriptor{
	"grades": {
		Name:  "grades",
		Table: "grades",
		Visibility: map[models.Role]ScopeRule{
			models.RoleTeacher:   ScopeOwner,
			models.RolePrincipal: ScopeSchool,
			models.RoleDirector:  ScopeSchool,
			models.RoleParent:    ScopeStudentLink,
		},
		Writers:       []models.Role{models.RoleTeacher, models.RolePrincipal},
		StudentScoped: true,
		NaturalKey:    []string{"student_id", "assignment_id"},
	},
	"attendance": {
		Name:  "attendance",
		Table: "attendance_entries",
		Visibility: map[models.Role]ScopeRule{
			models.RoleTeacher:   ScopeOwner,
			models.RolePrincipal: ScopeSchool,
			models.RoleDirector:  ScopeSchool,
			models.RoleParent:    ScopeStudentLink,
		},
		Writers:       []models.Role{models.RoleTeacher, models.RolePrincipal},
		StudentScoped: true,
		NaturalKey:    []string{"student_id", "date"},
	},
	"homework": {
		Name:  "homework",
		Table: "homework_assignments",
		Visibility: map[models.Role]ScopeRule{
			models.RoleTeacher:   ScopeOwner,
			models.RolePrincipal: ScopeSchool,
			models.RoleDirector:  ScopeSchool,
			models.RoleParent:    ScopeStudentLink,
		},
		Writers:       []models.Role{models.RoleTeacher},
		StudentScoped: true,
	},
	"behavior_notes": {
		Name:  "behavior_notes",
		Table: "behavior_notes",
		// Staff only: guardians never sync behavior notes.
		Visibility: map[models.Role]ScopeRule{
			models.RoleTeacher:   ScopeOwner,
			models.RolePrincipal: ScopeSchool,
			models.RoleDirector:  ScopeSchool,
		},
		Writers:       []models.Role{models.RoleTeacher, models.RolePrincipal},
		StudentScoped: true,
	},
	"announcements": {
		Name:  "announcements",
		Table: "announcements",
		Visibility: map[models.Role]ScopeRule{
			models.RoleTeacher:   ScopeSchool,
			models.RolePrincipal: ScopeSchool,
			models.RoleDirector:  ScopeSchool,
			models.RoleParent:    ScopeSchool,
		},
		Writers: []models.Role{models.RoleTeacher, models.RolePrincipal, models.RoleDirector},
	},
	"events": {
		Name:  "events",
		Table: "school_events",
		Visibility: map[models.Role]ScopeRule{
			models.RoleTeacher:   ScopeSchool,
			models.RolePrincipal: ScopeSchool,
			models.RoleDirector:  ScopeSchool,
			models.RoleParent:    ScopeSchool,
		},
		Writers:    []models.Role{models.RolePrincipal, models.RoleDirector},
		NaturalKey: []string{"title", "starts_at"},
	},
	"messages": {
		Name:  "messages",
		Table: "messages",
		Visibility: map[models.Role]ScopeRule{
			models.RoleTeacher:   ScopeOwner,
			models.RolePrincipal: ScopeOwner,
			models.RoleDirector:  ScopeOwner,
			models.RoleParent:    ScopeOwner,
		},
		Writers: []models.Role{
			models.RoleTeacher, models.RolePrincipal,
			models.RoleDirector, models.RoleParent,
		},
		// Free-text messages carry no version or base timestamp, so
		// optimistic concurrency does not apply: they are applied on arrival.
		ConflictExempt: true,
	},
}

// ErrUnknownEntity wraps the offending name.
type ErrUnknownEntity struct {
	Name string
}

func (e ErrUnknownEntity) Error() string {
	return fmt.Sprintf("unknown entity %q", e.Name)
}

// Lookup returns the descriptor for name.
func Lookup(name string) (EntityDescriptor, error) {
	desc, ok := registry[name]
	if !ok {
		return EntityDescriptor{}, ErrUnknownEntity{Name: name}
	}
	return desc, nil
}

// VisibleTo reports whether role can read this entity, and under which rule.
func (d EntityDescriptor) VisibleTo(role models.Role) (ScopeRule, bool) {
	rule, ok := d.Visibility[role]
	return rule, ok
}

// WritableBy reports whether role may submit changes for this entity.
func (d EntityDescriptor) WritableBy(role models.Role) bool {
	for _, r := range d.Writers {
		if r == role {
			return true
		}
	}
	return false
}

// ResolveEntities returns the descriptors visible to role, sorted by name so
// delta pulls iterate entities in a stable order.
func ResolveEntities(role models.Role) []EntityDescriptor {
	var out []EntityDescriptor
	for _, desc := range registry {
		if _, ok := desc.Visibility[role]; ok {
			out = append(out, desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
