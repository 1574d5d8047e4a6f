package org

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the organizational entity kinds a person can be bound to.
type Kind uint8

const (
	KindNone Kind = iota
	KindDirection
	KindDepartment
	KindCrew
	KindTerritorial
	KindSecpla
)

var (
	ErrUnknownKind = errors.New("unknown role kind")
	ErrInvalidRole = errors.New("invalid role")
)

var kindNames = [...]string{
	KindNone:        "none",
	KindDirection:   "direction",
	KindDepartment:  "department",
	KindCrew:        "crew",
	KindTerritorial: "territorial",
	KindSecpla:      "secpla",
}

var kindLabels = [...]string{
	KindNone:        "Sin rol",
	KindDirection:   "Dirección",
	KindDepartment:  "Departamento",
	KindCrew:        "Cuadrilla",
	KindTerritorial: "Territorial",
	KindSecpla:      "SECPLA",
}

// Kinds lists every assignable kind in hierarchy order.
var Kinds = []Kind{KindDirection, KindDepartment, KindCrew, KindTerritorial, KindSecpla}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Label is the human readable name shown in forms and error messages.
func (k Kind) Label() string {
	if int(k) < len(kindLabels) {
		return kindLabels[k]
	}
	return k.String()
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool { return int(k) < len(kindNames) }

// IsMembership reports whether the kind binds people through membership rows.
func (k Kind) IsMembership() bool {
	return k == KindDirection || k == KindDepartment || k == KindCrew
}

// SupportsManager reports whether memberships of this kind carry a manager flag.
// Crew rosters are flat.
func (k Kind) SupportsManager() bool {
	return k == KindDirection || k == KindDepartment
}

// IsSingleton reports whether the kind uses a direct one-to-one holder binding.
func (k Kind) IsSingleton() bool {
	return k == KindTerritorial || k == KindSecpla
}

// ParseKind maps the wire name of a kind back to its value. Unknown names are rejected.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return KindNone, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

type (
	PersonID      string
	DirectionID   string
	DepartmentID  string
	CrewID        string
	TerritorialID string
	SecplaID      string
)

// Role is the closed set of operational roles a person can hold. Exactly one
// variant applies at any time; NoRole is the explicit unassigned state.
// Variants are comparable values, so two roles are equal iff r1 == r2.
type Role interface {
	Kind() Kind
	EntityID() string
	role()
}

type NoRole struct{}

type DirectionRole struct{ ID DirectionID }

type DepartmentRole struct{ ID DepartmentID }

type CrewRole struct{ ID CrewID }

type TerritorialRole struct{ ID TerritorialID }

type SecplaRole struct{ ID SecplaID }

func (NoRole) Kind() Kind          { return KindNone }
func (DirectionRole) Kind() Kind   { return KindDirection }
func (DepartmentRole) Kind() Kind  { return KindDepartment }
func (CrewRole) Kind() Kind        { return KindCrew }
func (TerritorialRole) Kind() Kind { return KindTerritorial }
func (SecplaRole) Kind() Kind      { return KindSecpla }

func (NoRole) EntityID() string            { return "" }
func (r DirectionRole) EntityID() string   { return string(r.ID) }
func (r DepartmentRole) EntityID() string  { return string(r.ID) }
func (r CrewRole) EntityID() string        { return string(r.ID) }
func (r TerritorialRole) EntityID() string { return string(r.ID) }
func (r SecplaRole) EntityID() string      { return string(r.ID) }

func (NoRole) role()          {}
func (DirectionRole) role()   {}
func (DepartmentRole) role()  {}
func (CrewRole) role()        {}
func (TerritorialRole) role() {}
func (SecplaRole) role()      {}

// NewRole builds the role variant for a (kind, entity id) pair as stored in the
// persons table. KindNone yields NoRole regardless of id.
func NewRole(kind Kind, entityID string) (Role, error) {
	entityID = strings.TrimSpace(entityID)
	if kind == KindNone {
		return NoRole{}, nil
	}
	if entityID == "" {
		return nil, fmt.Errorf("%w: %s requires an entity id", ErrInvalidRole, kind)
	}
	switch kind {
	case KindDirection:
		return DirectionRole{ID: DirectionID(entityID)}, nil
	case KindDepartment:
		return DepartmentRole{ID: DepartmentID(entityID)}, nil
	case KindCrew:
		return CrewRole{ID: CrewID(entityID)}, nil
	case KindTerritorial:
		return TerritorialRole{ID: TerritorialID(entityID)}, nil
	case KindSecpla:
		return SecplaRole{ID: SecplaID(entityID)}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
}

// MustRole is NewRole for literals known to be valid.
func MustRole(kind Kind, entityID string) Role {
	r, err := NewRole(kind, entityID)
	if err != nil {
		panic(err)
	}
	return r
}

// Normalize turns a nil role into NoRole.
func Normalize(r Role) Role {
	if r == nil {
		return NoRole{}
	}
	return r
}

// HasRole reports whether r is an actual assignment.
func HasRole(r Role) bool {
	return r != nil && r.Kind() != KindNone
}

// FormatRole renders a role as "kind:id", or "none".
func FormatRole(r Role) string {
	r = Normalize(r)
	if r.Kind() == KindNone {
		return KindNone.String()
	}
	return r.Kind().String() + ":" + r.EntityID()
}

// ParseRole is the inverse of FormatRole.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, KindNone.String()) {
		return NoRole{}, nil
	}
	kindPart, idPart, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	kind, err := ParseKind(kindPart)
	if err != nil {
		return nil, err
	}
	if kind == KindNone {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return NewRole(kind, idPart)
}

// Describe renders the role with the entity name, e.g. "Cuadrilla: Norte 1".
func Describe(r Role, entityName string) string {
	r = Normalize(r)
	if r.Kind() == KindNone {
		return KindNone.Label()
	}
	if entityName == "" {
		entityName = r.EntityID()
	}
	return r.Kind().Label() + ": " + entityName
}
