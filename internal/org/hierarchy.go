package org

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInactive   = errors.New("entity is inactive")
	ErrOutOfScope = errors.New("entity is outside the requested scope")
)

// Reader is the read side of the entity store used for structural queries.
// ListEntities with an empty parentID lists every entity of the kind.
type Reader interface {
	GetEntity(ctx context.Context, kind Kind, id string) (Entity, error)
	ListEntities(ctx context.Context, kind Kind, parentID string) ([]Entity, error)
}

// Hierarchy answers scope questions over direction → department → crew.
type Hierarchy struct {
	r Reader
}

func NewHierarchy(r Reader) Hierarchy {
	return Hierarchy{r: r}
}

// Resolve loads the entity a role points at.
func (h Hierarchy) Resolve(ctx context.Context, role Role) (Entity, error) {
	if !HasRole(role) {
		return Entity{}, fmt.Errorf("%w: no entity for %s", ErrInvalidRole, FormatRole(role))
	}
	return h.r.GetEntity(ctx, role.Kind(), role.EntityID())
}

// RequireActive fails with ErrInactive for a deactivated entity. Inactive
// entities keep their history but accept no new bindings or incidents.
func RequireActive(ent Entity) error {
	if !ent.Active {
		return fmt.Errorf("%w: %s %s", ErrInactive, ent.Kind, ent.ID)
	}
	return nil
}

// CrewFor loads crew for a manager of dept. The crew must exist, be active
// and belong to dept. On ErrInactive and ErrOutOfScope the entity is
// returned along with the error.
func (h Hierarchy) CrewFor(ctx context.Context, crew CrewID, dept DepartmentID) (Entity, error) {
	ent, err := h.Resolve(ctx, CrewRole{ID: crew})
	if err != nil {
		return Entity{}, err
	}
	if err := RequireActive(ent); err != nil {
		return ent, err
	}
	if DepartmentID(ent.ParentID) != dept {
		return ent, fmt.Errorf("%w: crew %s is not under department %s", ErrOutOfScope, crew, dept)
	}
	return ent, nil
}

func (h Hierarchy) DepartmentsUnder(ctx context.Context, dir DirectionID, activeOnly bool) ([]Entity, error) {
	items, err := h.r.ListEntities(ctx, KindDepartment, string(dir))
	if err != nil {
		return nil, err
	}
	return filterActive(items, activeOnly), nil
}

func (h Hierarchy) CrewsUnder(ctx context.Context, dept DepartmentID, activeOnly bool) ([]Entity, error) {
	items, err := h.r.ListEntities(ctx, KindCrew, string(dept))
	if err != nil {
		return nil, err
	}
	return filterActive(items, activeOnly), nil
}

// Selectable lists the active entities of a kind, for selection lists.
func (h Hierarchy) Selectable(ctx context.Context, kind Kind) ([]Entity, error) {
	items, err := h.r.ListEntities(ctx, kind, "")
	if err != nil {
		return nil, err
	}
	return filterActive(items, true), nil
}

// DepartmentOf returns the department owning the crew.
func (h Hierarchy) DepartmentOf(ctx context.Context, crew CrewID) (DepartmentID, error) {
	ent, err := h.r.GetEntity(ctx, KindCrew, string(crew))
	if err != nil {
		return "", err
	}
	return DepartmentID(ent.ParentID), nil
}

// CrewBelongsTo reports whether crew is owned by dept.
func (h Hierarchy) CrewBelongsTo(ctx context.Context, crew CrewID, dept DepartmentID) (bool, error) {
	owner, err := h.DepartmentOf(ctx, crew)
	if err != nil {
		return false, err
	}
	return owner == dept, nil
}

func filterActive(items []Entity, activeOnly bool) []Entity {
	if !activeOnly {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		if it.Active {
			out = append(out, it)
		}
	}
	return out
}
