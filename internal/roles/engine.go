// Package roles is the only writer of memberships, singleton holder bindings
// and person role pointers. It guarantees that every person holds at most one
// operational role, and all exclusivity checks live here.
package roles

import (
	"context"
	"errors"
	"fmt"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/audit"
	"incidentdesk.org/internal/obs"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
)

type Engine struct {
	st store.Store
}

func NewEngine(st store.Store) *Engine {
	return &Engine{st: st}
}

// AssignRequest binds a person to one entity.
//
// IfVersion is the person's version as last read by the caller. Zero means the
// caller did not look, which is only acceptable when the person has no role
// or already holds the requested one; moving a person off another role needs
// the version as explicit authorization. A non-zero IfVersion that no longer
// matches yields StaleState.
//
// AllowDisplace lets a territorial or secpla assignment clear the previous
// holder of the slot; the displaced person is reported in the result.
type AssignRequest struct {
	PersonID      org.PersonID
	Role          org.Role
	Manager       bool
	IfVersion     int64
	AllowDisplace bool
}

type AssignResult struct {
	Person    org.Person
	Previous  org.Role
	Changed   bool
	Displaced []org.Person
}

func (e *Engine) Assign(ctx context.Context, req AssignRequest) (AssignResult, error) {
	if req.PersonID == "" {
		return AssignResult{}, apperr.Validation("person_id", "person is required")
	}
	if !org.HasRole(req.Role) {
		return AssignResult{}, apperr.Validation("role", "a role is required, use clear to remove roles")
	}
	if req.Manager && !req.Role.Kind().SupportsManager() {
		return AssignResult{}, apperr.Validation("manager", "%s memberships have no manager flag", req.Role.Kind().Label())
	}

	var res AssignResult
	err := e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = assignTx(ctx, tx, req)
		return err
	})
	if err != nil {
		recordFailure(err)
		return AssignResult{}, err
	}

	kind := req.Role.Kind().String()
	if !res.Changed {
		obs.RecordRoleChange(kind, "unchanged")
		return res, nil
	}
	obs.RecordRoleChange(kind, "assigned")
	_ = audit.LogEvent(ctx, "role.assign", map[string]any{
		"person_id": string(res.Person.ID),
		"role":      org.FormatRole(res.Person.Role),
		"previous":  org.FormatRole(res.Previous),
		"manager":   req.Manager,
		"version":   res.Person.Version,
	})
	for _, d := range res.Displaced {
		obs.RecordRoleChange(kind, "displaced")
		_ = audit.LogEvent(ctx, "role.displace", map[string]any{
			"person_id":   string(d.ID),
			"role":        org.FormatRole(req.Role),
			"replaced_by": string(res.Person.ID),
		})
	}
	return res, nil
}

func assignTx(ctx context.Context, tx store.Tx, req AssignRequest) (AssignResult, error) {
	person, err := tx.LockPerson(ctx, req.PersonID)
	if err != nil {
		return AssignResult{}, notFoundAs(err, apperr.InvalidAssignment(string(req.PersonID), "person %s does not exist", req.PersonID))
	}
	if req.IfVersion != 0 && person.Version != req.IfVersion {
		return AssignResult{}, staleRole(person, req.Role)
	}

	kind := req.Role.Kind()
	ent, err := tx.LockEntity(ctx, kind, req.Role.EntityID())
	if err != nil {
		return AssignResult{}, notFoundAs(err, apperr.InvalidAssignment(org.FormatRole(req.Role), "%s %s does not exist", kind.Label(), req.Role.EntityID()))
	}
	res := AssignResult{Person: person, Previous: org.Normalize(person.Role)}

	// Repeating a held role is a no-op even after the entity was deactivated.
	if org.Normalize(person.Role) == req.Role {
		if !kind.SupportsManager() {
			return res, nil
		}
		if !ent.Active {
			pending, err := managerFlagDiffers(ctx, tx, kind, ent.ID, person.ID, req.Manager)
			if err != nil {
				return AssignResult{}, err
			}
			if pending {
				return AssignResult{}, inactiveEntity(req.Role, ent)
			}
			return res, nil
		}
		changed, err := syncManagerFlag(ctx, tx, kind, ent.ID, person.ID, req.Manager)
		if err != nil {
			return AssignResult{}, err
		}
		res.Changed = changed
		return res, nil
	}

	if org.RequireActive(ent) != nil {
		return AssignResult{}, inactiveEntity(req.Role, ent)
	}

	if org.HasRole(person.Role) && req.IfVersion == 0 {
		return AssignResult{}, apperr.RoleConflict(
			fmt.Sprintf("%s already holds a different role", person.DisplayName()),
			personRef(ctx, tx, person),
		)
	}

	if kind.IsSingleton() && ent.HolderID != "" && ent.HolderID != person.ID {
		holder, err := tx.LockPerson(ctx, ent.HolderID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return AssignResult{}, err
		}
		if err == nil {
			if !req.AllowDisplace {
				return AssignResult{}, apperr.RoleConflict(
					fmt.Sprintf("%s %s is held by another person", kind.Label(), ent.Name),
					personRef(ctx, tx, holder),
				)
			}
			cleared, err := clearTx(ctx, tx, holder)
			if err != nil {
				return AssignResult{}, err
			}
			res.Displaced = append(res.Displaced, cleared)
		}
	}

	if err := dropBindings(ctx, tx, person.ID); err != nil {
		return AssignResult{}, err
	}
	if err := bind(ctx, tx, req.Role, person.ID, req.Manager); err != nil {
		return AssignResult{}, err
	}
	updated, err := tx.SetPersonRole(ctx, person.ID, req.Role, person.Version)
	if err != nil {
		return AssignResult{}, versionAs(err, staleRole(person, req.Role))
	}
	res.Person = updated
	res.Changed = true
	return res, nil
}

// ClearRequest reverts a person to NoRole. IfVersion, when non-zero, must
// match the person's current version.
type ClearRequest struct {
	PersonID  org.PersonID
	IfVersion int64
}

type ClearResult struct {
	Person   org.Person
	Previous org.Role
	Changed  bool
}

func (e *Engine) Clear(ctx context.Context, req ClearRequest) (ClearResult, error) {
	if req.PersonID == "" {
		return ClearResult{}, apperr.Validation("person_id", "person is required")
	}
	var res ClearResult
	err := e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		person, err := tx.LockPerson(ctx, req.PersonID)
		if err != nil {
			return notFoundAs(err, apperr.InvalidAssignment(string(req.PersonID), "person %s does not exist", req.PersonID))
		}
		if req.IfVersion != 0 && person.Version != req.IfVersion {
			return staleRole(person, org.NoRole{})
		}
		res.Previous = org.Normalize(person.Role)
		if !org.HasRole(person.Role) {
			res.Person = person
			return nil
		}
		res.Person, err = clearTx(ctx, tx, person)
		res.Changed = err == nil
		return err
	})
	if err != nil {
		recordFailure(err)
		return ClearResult{}, err
	}
	if res.Changed {
		obs.RecordRoleChange(res.Previous.Kind().String(), "cleared")
		_ = audit.LogEvent(ctx, "role.clear", map[string]any{
			"person_id": string(res.Person.ID),
			"previous":  org.FormatRole(res.Previous),
			"version":   res.Person.Version,
		})
	}
	return res, nil
}

// clearTx removes every binding of person and resets the role pointer.
func clearTx(ctx context.Context, tx store.Tx, person org.Person) (org.Person, error) {
	if err := dropBindings(ctx, tx, person.ID); err != nil {
		return org.Person{}, err
	}
	updated, err := tx.SetPersonRole(ctx, person.ID, org.NoRole{}, person.Version)
	if err != nil {
		return org.Person{}, versionAs(err, staleRole(person, org.NoRole{}))
	}
	return updated, nil
}

func dropBindings(ctx context.Context, tx store.Tx, person org.PersonID) error {
	memberships, err := tx.MembershipsOf(ctx, person)
	if err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}
	for _, m := range memberships {
		if err := tx.RemoveMember(ctx, m.Kind, m.EntityID, person); err != nil {
			return fmt.Errorf("remove %s membership: %w", m.Kind, err)
		}
	}
	held, err := tx.HeldBy(ctx, person)
	if err != nil {
		return fmt.Errorf("list holdings: %w", err)
	}
	for _, ent := range held {
		if err := tx.SetHolder(ctx, ent.Kind, ent.ID, ""); err != nil {
			return fmt.Errorf("release %s: %w", ent.Kind, err)
		}
	}
	return nil
}

func bind(ctx context.Context, tx store.Tx, role org.Role, person org.PersonID, manager bool) error {
	kind := role.Kind()
	switch {
	case kind.IsMembership():
		return tx.AddMember(ctx, org.Membership{
			Kind:     kind,
			EntityID: role.EntityID(),
			PersonID: person,
			Manager:  manager && kind.SupportsManager(),
		})
	case kind.IsSingleton():
		return tx.SetHolder(ctx, kind, role.EntityID(), person)
	}
	return fmt.Errorf("bind %s: %w", org.FormatRole(role), org.ErrInvalidRole)
}

func syncManagerFlag(ctx context.Context, tx store.Tx, kind org.Kind, entityID string, person org.PersonID, manager bool) (bool, error) {
	members, err := tx.ListMembers(ctx, kind, entityID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.PersonID != person {
			continue
		}
		if m.Manager == manager {
			return false, nil
		}
		return true, tx.SetManager(ctx, kind, entityID, person, manager)
	}
	// Role pointer without a membership row: restore the row.
	return true, tx.AddMember(ctx, org.Membership{Kind: kind, EntityID: entityID, PersonID: person, Manager: manager})
}

func managerFlagDiffers(ctx context.Context, tx store.Tx, kind org.Kind, entityID string, person org.PersonID, manager bool) (bool, error) {
	members, err := tx.ListMembers(ctx, kind, entityID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.PersonID == person {
			return m.Manager != manager, nil
		}
	}
	return true, nil
}

func inactiveEntity(role org.Role, ent org.Entity) error {
	return apperr.InvalidAssignment(org.FormatRole(role), "%s %s is inactive", role.Kind().Label(), ent.Name)
}

// SetActive toggles an entity. Inactive entities stay referenced by history
// but accept no new assignments and are hidden from selection lists.
func (e *Engine) SetActive(ctx context.Context, kind org.Kind, id string, active bool) (org.Entity, error) {
	if kind == org.KindNone || !kind.Valid() {
		return org.Entity{}, apperr.Validation("kind", "unknown entity kind")
	}
	var ent org.Entity
	err := e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ent, err = tx.LockEntity(ctx, kind, id)
		if err != nil {
			return notFoundAs(err, apperr.InvalidAssignment(id, "%s %s does not exist", kind.Label(), id))
		}
		if ent.Active == active {
			return nil
		}
		if err := tx.SetEntityActive(ctx, kind, id, active); err != nil {
			return err
		}
		ent.Active = active
		return nil
	})
	if err != nil {
		recordFailure(err)
		return org.Entity{}, err
	}
	_ = audit.LogEvent(ctx, "entity.active", map[string]any{
		"kind":   kind.String(),
		"id":     id,
		"active": active,
	})
	return ent, nil
}

// Members lists the current roster of a membership entity.
func (e *Engine) Members(ctx context.Context, kind org.Kind, id string) ([]org.Membership, error) {
	if !kind.IsMembership() {
		return nil, apperr.Validation("kind", "%s has no membership roster", kind.Label())
	}
	var out []org.Membership
	err := e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetEntity(ctx, kind, id); err != nil {
			return notFoundAs(err, apperr.InvalidAssignment(id, "%s %s does not exist", kind.Label(), id))
		}
		var err error
		out, err = tx.ListMembers(ctx, kind, id)
		return err
	})
	return out, err
}

func staleRole(person org.Person, attempted org.Role) error {
	return apperr.Stale(string(person.ID), org.FormatRole(person.Role), org.FormatRole(attempted),
		fmt.Sprintf("%s changed since it was read (version %d)", person.DisplayName(), person.Version))
}

func notFoundAs(err error, domain *apperr.Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain
	}
	return err
}

func versionAs(err error, domain error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return domain
	}
	return err
}

func personRef(ctx context.Context, r org.Reader, p org.Person) apperr.PersonRef {
	return apperr.PersonRef{ID: string(p.ID), Name: p.DisplayName(), Role: describeRole(ctx, r, p.Role)}
}

func describeRole(ctx context.Context, r org.Reader, role org.Role) string {
	if !org.HasRole(role) {
		return org.Describe(role, "")
	}
	ent, err := r.GetEntity(ctx, role.Kind(), role.EntityID())
	if err != nil {
		return org.Describe(role, "")
	}
	return org.Describe(role, ent.Name)
}

func recordFailure(err error) {
	if kind := apperr.KindOf(err); kind != "" {
		obs.RecordFailure(string(kind))
	}
}
