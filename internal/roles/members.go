package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/audit"
	"incidentdesk.org/internal/obs"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
)

// ListEligiblePersons returns the persons that may be selected for an entity
// of the given kind: those without a role, plus those already bound to
// currentEntityID so an edit form can show existing holders. Ordered by
// display name under Spanish collation; ties fall back to username and id.
func (e *Engine) ListEligiblePersons(ctx context.Context, kind org.Kind, currentEntityID string) ([]org.Person, error) {
	if kind == org.KindNone || !kind.Valid() {
		return nil, apperr.Validation("kind", "unknown role kind")
	}
	roles := []org.Role{org.NoRole{}}
	if id := strings.TrimSpace(currentEntityID); id != "" {
		r, err := org.NewRole(kind, id)
		if err != nil {
			return nil, apperr.Validation("entity_id", "%v", err)
		}
		roles = append(roles, r)
	}
	var out []org.Person
	err := e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListPersons(ctx, roles...)
		return err
	})
	if err != nil {
		return nil, err
	}
	SortByDisplayName(out)
	return out, nil
}

// SortByDisplayName orders persons the way selection lists show them.
func SortByDisplayName(persons []org.Person) {
	col := collate.New(language.Spanish, collate.IgnoreCase)
	sort.SliceStable(persons, func(i, j int) bool {
		if c := col.CompareString(persons[i].DisplayName(), persons[j].DisplayName()); c != 0 {
			return c < 0
		}
		if persons[i].Username != persons[j].Username {
			return persons[i].Username < persons[j].Username
		}
		return persons[i].ID < persons[j].ID
	})
}

// Conflict is a candidate who holds a role other than the target one.
type Conflict struct {
	Person  org.Person
	Current org.Role
	Label   string
}

// ValidateMembershipBatch checks every candidate against the target role
// without writing anything and returns all conflicts, not only the first.
func (e *Engine) ValidateMembershipBatch(ctx context.Context, candidates []org.PersonID, target org.Role) ([]Conflict, error) {
	if !org.HasRole(target) {
		return nil, apperr.Validation("role", "a target role is required")
	}
	if dup := firstDuplicate(candidates); dup != "" {
		return nil, apperr.Validation("members", "person %s is listed more than once", dup)
	}
	var out []Conflict
	err := e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetEntity(ctx, target.Kind(), target.EntityID()); err != nil {
			return notFoundAs(err, apperr.InvalidAssignment(org.FormatRole(target), "%s %s does not exist", target.Kind().Label(), target.EntityID()))
		}
		var err error
		out, err = collectConflicts(ctx, tx, candidates, target)
		return err
	})
	return out, err
}

func collectConflicts(ctx context.Context, tx store.Tx, candidates []org.PersonID, target org.Role) ([]Conflict, error) {
	var (
		out     []Conflict
		missing []string
	)
	for _, id := range candidates {
		p, err := tx.GetPerson(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				missing = append(missing, string(id))
				continue
			}
			return nil, err
		}
		if org.HasRole(p.Role) && org.Normalize(p.Role) != target {
			out = append(out, Conflict{Person: p, Current: p.Role, Label: describeRole(ctx, tx, p.Role)})
		}
	}
	if len(missing) > 0 {
		return nil, apperr.InvalidAssignment(org.FormatRole(target), "unknown persons: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// ConflictError folds conflicts into a single RoleConflict naming everyone.
func ConflictError(target string, conflicts []Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	refs := make([]apperr.PersonRef, 0, len(conflicts))
	for _, c := range conflicts {
		refs = append(refs, apperr.PersonRef{ID: string(c.Person.ID), Name: c.Person.DisplayName(), Role: c.Label})
	}
	err := apperr.RoleConflict(fmt.Sprintf("%d selected persons already hold another role", len(conflicts)), refs...)
	err.Entity = target
	return err
}

// SyncRequest describes the desired roster of a direction, department or crew.
type SyncRequest struct {
	Kind     org.Kind
	EntityID string
	Members  []org.PersonID
	Managers []org.PersonID
}

type SyncResult struct {
	Added    []org.PersonID
	Removed  []org.PersonID
	Promoted []org.PersonID
	Demoted  []org.PersonID
}

func (r SyncResult) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Promoted)+len(r.Demoted) > 0
}

// SyncMembers reconciles an entity's roster to exactly req.Members. Persons no
// longer selected lose their membership and, if their role still points here,
// their role. New persons gain membership and role. Manager flags follow
// req.Managers. Validation runs before any write and the whole reconciliation
// is one transaction.
func (e *Engine) SyncMembers(ctx context.Context, req SyncRequest) (SyncResult, error) {
	if !req.Kind.IsMembership() {
		return SyncResult{}, apperr.Validation("kind", "%s has no membership roster", req.Kind.Label())
	}
	target, err := org.NewRole(req.Kind, req.EntityID)
	if err != nil {
		return SyncResult{}, apperr.Validation("entity_id", "%v", err)
	}
	if dup := firstDuplicate(req.Members); dup != "" {
		return SyncResult{}, apperr.Validation("members", "person %s is listed more than once", dup)
	}
	if dup := firstDuplicate(req.Managers); dup != "" {
		return SyncResult{}, apperr.Validation("managers", "person %s is listed more than once", dup)
	}
	if len(req.Managers) > 0 && !req.Kind.SupportsManager() {
		return SyncResult{}, apperr.Validation("managers", "%s memberships have no manager flag", req.Kind.Label())
	}
	desired := toSet(req.Members)
	managers := toSet(req.Managers)
	for id := range managers {
		if _, ok := desired[id]; !ok {
			return SyncResult{}, apperr.Validation("managers", "manager %s must also be a member", id)
		}
	}

	var res SyncResult
	err = e.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = syncTx(ctx, tx, req, target, desired, managers)
		return err
	})
	if err != nil {
		recordFailure(err)
		return SyncResult{}, err
	}
	if res.Changed() {
		obs.RecordRoleChange(req.Kind.String(), "synced")
		_ = audit.LogEvent(ctx, "roles.sync", map[string]any{
			"role":     org.FormatRole(target),
			"added":    idsToStrings(res.Added),
			"removed":  idsToStrings(res.Removed),
			"promoted": idsToStrings(res.Promoted),
			"demoted":  idsToStrings(res.Demoted),
		})
	}
	return res, nil
}

func syncTx(ctx context.Context, tx store.Tx, req SyncRequest, target org.Role, desired, managers map[org.PersonID]struct{}) (SyncResult, error) {
	ent, err := tx.LockEntity(ctx, req.Kind, req.EntityID)
	if err != nil {
		return SyncResult{}, notFoundAs(err, apperr.InvalidAssignment(org.FormatRole(target), "%s %s does not exist", req.Kind.Label(), req.EntityID))
	}

	conflicts, err := collectConflicts(ctx, tx, req.Members, target)
	if err != nil {
		return SyncResult{}, err
	}
	if len(conflicts) > 0 {
		return SyncResult{}, ConflictError(org.FormatRole(target), conflicts)
	}

	current, err := tx.ListMembers(ctx, req.Kind, req.EntityID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list members: %w", err)
	}
	existing := make(map[org.PersonID]org.Membership, len(current))
	for _, m := range current {
		existing[m.PersonID] = m
	}

	var res SyncResult
	for _, id := range req.Members {
		if _, ok := existing[id]; !ok {
			res.Added = append(res.Added, id)
		}
	}
	if len(res.Added) > 0 && org.RequireActive(ent) != nil {
		return SyncResult{}, inactiveEntity(target, ent)
	}

	for _, m := range current {
		if _, keep := desired[m.PersonID]; keep {
			continue
		}
		if err := tx.RemoveMember(ctx, req.Kind, req.EntityID, m.PersonID); err != nil {
			return SyncResult{}, fmt.Errorf("remove member %s: %w", m.PersonID, err)
		}
		p, err := tx.LockPerson(ctx, m.PersonID)
		if err != nil {
			return SyncResult{}, err
		}
		if org.Normalize(p.Role) == target {
			if _, err := tx.SetPersonRole(ctx, p.ID, org.NoRole{}, p.Version); err != nil {
				return SyncResult{}, versionAs(err, staleRole(p, org.NoRole{}))
			}
		}
		res.Removed = append(res.Removed, m.PersonID)
	}

	for _, id := range res.Added {
		p, err := tx.LockPerson(ctx, id)
		if err != nil {
			return SyncResult{}, err
		}
		if err := dropBindings(ctx, tx, id); err != nil {
			return SyncResult{}, err
		}
		_, isManager := managers[id]
		if err := bind(ctx, tx, target, id, isManager); err != nil {
			return SyncResult{}, err
		}
		if org.Normalize(p.Role) != target {
			if _, err := tx.SetPersonRole(ctx, id, target, p.Version); err != nil {
				return SyncResult{}, versionAs(err, staleRole(p, target))
			}
		}
	}

	for _, id := range req.Members {
		m, ok := existing[id]
		if !ok {
			continue
		}
		_, want := managers[id]
		if m.Manager == want {
			continue
		}
		if err := tx.SetManager(ctx, req.Kind, req.EntityID, id, want); err != nil {
			return SyncResult{}, fmt.Errorf("set manager %s: %w", id, err)
		}
		if want {
			res.Promoted = append(res.Promoted, id)
		} else {
			res.Demoted = append(res.Demoted, id)
		}
	}
	return res, nil
}

func firstDuplicate(ids []org.PersonID) org.PersonID {
	seen := make(map[org.PersonID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id
		}
		seen[id] = struct{}{}
	}
	return ""
}

func toSet(ids []org.PersonID) map[org.PersonID]struct{} {
	out := make(map[org.PersonID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func idsToStrings(ids []org.PersonID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
