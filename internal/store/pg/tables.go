package pg

import (
	"fmt"

	"incidentdesk.org/internal/org"
)

// entityTable maps an entity kind onto its table. Column expressions return
// '' where the kind has no such column so every kind scans the same shape.
type entityTable struct {
	table     string
	parentCol string // "" when the kind has no parent
	hasRegion bool
	hasHolder bool
}

var entityTables = map[org.Kind]entityTable{
	org.KindDirection:   {table: "directions"},
	org.KindDepartment:  {table: "departments", parentCol: "direction_id"},
	org.KindCrew:        {table: "crews", parentCol: "department_id"},
	org.KindTerritorial: {table: "territorials", hasRegion: true, hasHolder: true},
	org.KindSecpla:      {table: "secplas", hasHolder: true},
}

func (t entityTable) columns() string {
	parent, region, holder := "''", "''", "''"
	if t.parentCol != "" {
		parent = t.parentCol
	}
	if t.hasRegion {
		region = "region"
	}
	if t.hasHolder {
		holder = "coalesce(holder_id, '')"
	}
	return fmt.Sprintf("id, name, %s, %s, %s, active, created_at", parent, region, holder)
}

func entityTableFor(kind org.Kind) (entityTable, error) {
	t, ok := entityTables[kind]
	if !ok {
		return entityTable{}, fmt.Errorf("entity table for %s: %w", kind, org.ErrUnknownKind)
	}
	return t, nil
}

// membershipTable describes one roster table. Direction, department and crew
// rosters share a single implementation parameterized by this descriptor.
type membershipTable struct {
	table     string
	entityCol string
	manager   bool
}

var membershipTables = map[org.Kind]membershipTable{
	org.KindDirection:  {table: "direction_members", entityCol: "direction_id", manager: true},
	org.KindDepartment: {table: "department_members", entityCol: "department_id", manager: true},
	org.KindCrew:       {table: "crew_members", entityCol: "crew_id"},
}

// membershipKinds fixes the scan order of MembershipsOf.
var membershipKinds = []org.Kind{org.KindDirection, org.KindDepartment, org.KindCrew}

func (t membershipTable) managerExpr() string {
	if t.manager {
		return "manager"
	}
	return "false"
}

func membershipTableFor(kind org.Kind) (membershipTable, error) {
	t, ok := membershipTables[kind]
	if !ok {
		return membershipTable{}, fmt.Errorf("membership table for %s: %w", kind, org.ErrInvalidRole)
	}
	return t, nil
}
