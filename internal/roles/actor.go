package roles

import (
	"context"
	"errors"
	"fmt"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
)

// Actor is a person resolved together with the entity their role points at.
type Actor struct {
	Person  org.Person
	Role    org.Role
	Entity  org.Entity
	Manager bool
}

// Kind is the actor's role kind.
func (a Actor) Kind() org.Kind { return org.Normalize(a.Role).Kind() }

// ResolveActor loads the current role of personID inside tx. Unknown persons
// and persons bound to inactive entities act without authority.
func ResolveActor(ctx context.Context, tx store.Tx, personID org.PersonID) (Actor, error) {
	p, err := tx.GetPerson(ctx, personID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Actor{}, apperr.PermissionDenied("unknown actor %s", personID)
		}
		return Actor{}, fmt.Errorf("load actor: %w", err)
	}
	a := Actor{Person: p, Role: org.Normalize(p.Role)}
	if !org.HasRole(a.Role) {
		return a, nil
	}
	ent, err := org.NewHierarchy(tx).Resolve(ctx, a.Role)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Actor{Person: p, Role: org.NoRole{}}, nil
		}
		return Actor{}, fmt.Errorf("load actor entity: %w", err)
	}
	if org.RequireActive(ent) != nil {
		return Actor{Person: p, Role: org.NoRole{}}, nil
	}
	a.Entity = ent
	if a.Role.Kind().SupportsManager() {
		members, err := tx.ListMembers(ctx, a.Role.Kind(), ent.ID)
		if err != nil {
			return Actor{}, fmt.Errorf("load actor membership: %w", err)
		}
		for _, m := range members {
			if m.PersonID == p.ID {
				a.Manager = m.Manager
				break
			}
		}
	}
	return a, nil
}

// Violation describes a person whose bindings break exclusivity.
type Violation struct {
	PersonID org.PersonID
	Role     org.Role
	Bindings []string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s (role %s) bound to %v", v.PersonID, org.FormatRole(v.Role), v.Bindings)
}

// VerifyExclusivity scans every person and binding and reports persons bound
// to more than one entity, or whose bindings disagree with their role pointer.
func (e *Engine) VerifyExclusivity(ctx context.Context) ([]Violation, error) {
	var out []Violation
	err := e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		bindings := map[org.PersonID][]org.Role{}
		for _, kind := range org.Kinds {
			ents, err := tx.ListEntities(ctx, kind, "")
			if err != nil {
				return err
			}
			for _, ent := range ents {
				role, err := ent.Role()
				if err != nil {
					return err
				}
				if kind.IsSingleton() {
					if ent.HolderID != "" {
						bindings[ent.HolderID] = append(bindings[ent.HolderID], role)
					}
					continue
				}
				members, err := tx.ListMembers(ctx, kind, ent.ID)
				if err != nil {
					return err
				}
				for _, m := range members {
					bindings[m.PersonID] = append(bindings[m.PersonID], role)
				}
			}
		}
		persons, err := tx.ListPersons(ctx)
		if err != nil {
			return err
		}
		for _, p := range persons {
			got := bindings[p.ID]
			role := org.Normalize(p.Role)
			ok := (len(got) == 0 && !org.HasRole(role)) || (len(got) == 1 && got[0] == role)
			if ok {
				continue
			}
			v := Violation{PersonID: p.ID, Role: role}
			for _, b := range got {
				v.Bindings = append(v.Bindings, org.FormatRole(b))
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}
