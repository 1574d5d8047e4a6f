// Package store declares the persistence contract shared by the role engine,
// the incident lifecycle and the audit log. Every mutating operation runs
// inside Store.InTx so that it either commits entirely or not at all.
package store

import (
	"context"
	"errors"

	"incidentdesk.org/internal/incident"
	"incidentdesk.org/internal/org"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
)

// Store opens transactions.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the unit of atomicity. Lock* methods take a row lock held until the
// transaction ends.
type Tx interface {
	PersonStore
	EntityStore
	MembershipStore
	IncidentStore
	LogStore
}

type PersonStore interface {
	CreatePerson(ctx context.Context, p org.Person) (org.Person, error)
	GetPerson(ctx context.Context, id org.PersonID) (org.Person, error)
	LockPerson(ctx context.Context, id org.PersonID) (org.Person, error)
	// ListPersons returns persons holding any of roles, or everyone when roles is empty.
	ListPersons(ctx context.Context, roles ...org.Role) ([]org.Person, error)
	// SetPersonRole writes the role pointer if the stored version equals
	// expectVersion and returns the person with the bumped version.
	SetPersonRole(ctx context.Context, id org.PersonID, role org.Role, expectVersion int64) (org.Person, error)
}

type EntityStore interface {
	org.Reader
	CreateEntity(ctx context.Context, e org.Entity) (org.Entity, error)
	LockEntity(ctx context.Context, kind org.Kind, id string) (org.Entity, error)
	SetEntityActive(ctx context.Context, kind org.Kind, id string, active bool) error
	// SetHolder binds a territorial or secpla entity to holder; empty clears it.
	SetHolder(ctx context.Context, kind org.Kind, id string, holder org.PersonID) error
	// HeldBy lists singleton entities whose holder is person.
	HeldBy(ctx context.Context, person org.PersonID) ([]org.Entity, error)
}

type MembershipStore interface {
	ListMembers(ctx context.Context, kind org.Kind, entityID string) ([]org.Membership, error)
	// MembershipsOf lists the person's memberships across all membership kinds.
	MembershipsOf(ctx context.Context, person org.PersonID) ([]org.Membership, error)
	AddMember(ctx context.Context, m org.Membership) error
	SetManager(ctx context.Context, kind org.Kind, entityID string, person org.PersonID, manager bool) error
	RemoveMember(ctx context.Context, kind org.Kind, entityID string, person org.PersonID) error
}

type IncidentStore interface {
	CreateIncident(ctx context.Context, inc incident.Incident) (incident.Incident, error)
	GetIncident(ctx context.Context, id string) (incident.Incident, error)
	LockIncident(ctx context.Context, id string) (incident.Incident, error)
	// UpdateIncident persists inc if the stored version equals expectVersion.
	UpdateIncident(ctx context.Context, inc incident.Incident, expectVersion int64) (incident.Incident, error)
	CountByStatus(ctx context.Context, territorial org.TerritorialID) (map[incident.Status]int, error)
}

// LogStore is insert-only.
type LogStore interface {
	InsertLogEntry(ctx context.Context, e incident.LogEntry) error
	LastLogEntry(ctx context.Context, incidentID string) (incident.LogEntry, bool, error)
	ListLogEntries(ctx context.Context, incidentID string) ([]incident.LogEntry, error)
}
