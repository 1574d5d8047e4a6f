package roles

import (
	"context"
	"fmt"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
)

// Selectable lists the active entities of kind for pickers.
func (e *Engine) Selectable(ctx context.Context, kind org.Kind) ([]org.Entity, error) {
	if kind == org.KindNone || !kind.Valid() {
		return nil, apperr.Validation("kind", "unknown entity kind")
	}
	var out []org.Entity
	err := e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = org.NewHierarchy(tx).Selectable(ctx, kind)
		return err
	})
	return out, err
}

// Children lists the departments under a direction or the crews under a
// department. Inactive children are left out unless includeInactive is set.
func (e *Engine) Children(ctx context.Context, kind org.Kind, id string, includeInactive bool) ([]org.Entity, error) {
	if kind != org.KindDirection && kind != org.KindDepartment {
		return nil, apperr.Validation("kind", "%s has no child entities", kind.Label())
	}
	parent, err := org.NewRole(kind, id)
	if err != nil {
		return nil, apperr.Validation("id", "%v", err)
	}
	var out []org.Entity
	err = e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		h := org.NewHierarchy(tx)
		if _, err := h.Resolve(ctx, parent); err != nil {
			return fmt.Errorf("%s %s: %w", kind, id, err)
		}
		var err error
		if kind == org.KindDirection {
			out, err = h.DepartmentsUnder(ctx, org.DirectionID(id), !includeInactive)
		} else {
			out, err = h.CrewsUnder(ctx, org.DepartmentID(id), !includeInactive)
		}
		return err
	})
	return out, err
}
