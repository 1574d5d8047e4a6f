package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/policy"
	"incidentdesk.org/internal/roles"
	"incidentdesk.org/internal/store"
)

// personView is the wire form of a person with the role flattened to
// "kind:id".
type personView struct {
	ID          org.PersonID `json:"id"`
	Username    string       `json:"username"`
	DisplayName string       `json:"display_name"`
	Role        string       `json:"role"`
	Version     int64        `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func viewPerson(p org.Person) personView {
	return personView{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName(),
		Role:        org.FormatRole(p.Role),
		Version:     p.Version,
		UpdatedAt:   p.UpdatedAt,
	}
}

func viewPersons(ps []org.Person) []personView {
	out := make([]personView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewPerson(p))
	}
	return out
}

type assignRequest struct {
	PersonID      string `json:"person_id"`
	Role          string `json:"role"`
	Manager       bool   `json:"manager"`
	IfVersion     int64  `json:"if_version"`
	AllowDisplace bool   `json:"allow_displace"`
}

type clearRequest struct {
	PersonID  string `json:"person_id"`
	IfVersion int64  `json:"if_version"`
}

type validateRequest struct {
	Role    string         `json:"role"`
	Persons []org.PersonID `json:"persons"`
}

type syncRequest struct {
	Members  []org.PersonID `json:"members"`
	Managers []org.PersonID `json:"managers"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

// authorizeAdmin checks the acting person against the policy for role and
// entity administration.
func (a *API) authorizeAdmin(ctx context.Context, actor org.PersonID, obj, act string) error {
	return a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ac, err := roles.ResolveActor(ctx, tx, actor)
		if err != nil {
			return err
		}
		return a.policy.Require(ac.Kind(), obj, act)
	})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	role, err := org.ParseRole(req.Role)
	if err != nil {
		handleError(w, r, apperr.Validation("role", "%v", err))
		return
	}
	version, err := ifVersion(r, req.IfVersion)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjRoles, policy.ActAssign); err != nil {
		handleError(w, r, err)
		return
	}
	res, err := a.roles.Assign(r.Context(), roles.AssignRequest{
		PersonID:      org.PersonID(req.PersonID),
		Role:          role,
		Manager:       req.Manager,
		IfVersion:     version,
		AllowDisplace: req.AllowDisplace,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"person":    viewPerson(res.Person),
		"previous":  org.FormatRole(res.Previous),
		"changed":   res.Changed,
		"displaced": viewPersons(res.Displaced),
	})
}

func (a *API) clearRole(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	version, err := ifVersion(r, req.IfVersion)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjRoles, policy.ActClear); err != nil {
		handleError(w, r, err)
		return
	}
	res, err := a.roles.Clear(r.Context(), roles.ClearRequest{PersonID: org.PersonID(req.PersonID), IfVersion: version})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"person":   viewPerson(res.Person),
		"previous": org.FormatRole(res.Previous),
		"changed":  res.Changed,
	})
}

// eligible serves GET /v1/roles/eligible?kind=crew&current=c1.
func (a *API) eligible(w http.ResponseWriter, r *http.Request) {
	kind, err := org.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		handleError(w, r, apperr.Validation("kind", "%v", err))
		return
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjRoles, policy.ActInspect); err != nil {
		handleError(w, r, err)
		return
	}
	persons, err := a.roles.ListEligiblePersons(r.Context(), kind, r.URL.Query().Get("current"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"persons": viewPersons(persons)})
}

type conflictView struct {
	Person  personView `json:"person"`
	Current string     `json:"current"`
	Label   string     `json:"label"`
}

func (a *API) validateBatch(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	target, err := org.ParseRole(req.Role)
	if err != nil {
		handleError(w, r, apperr.Validation("role", "%v", err))
		return
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjRoles, policy.ActInspect); err != nil {
		handleError(w, r, err)
		return
	}
	conflicts, err := a.roles.ValidateMembershipBatch(r.Context(), req.Persons, target)
	if err != nil {
		handleError(w, r, err)
		return
	}
	out := make([]conflictView, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, conflictView{Person: viewPerson(c.Person), Current: org.FormatRole(c.Current), Label: c.Label})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":      org.FormatRole(target),
		"ok":        len(out) == 0,
		"conflicts": out,
	})
}

func entityPath(r *http.Request) (org.Kind, string, error) {
	kind, err := org.ParseKind(chi.URLParam(r, "kind"))
	if err != nil || kind == org.KindNone {
		return org.KindNone, "", apperr.Validation("kind", "unknown entity kind %q", chi.URLParam(r, "kind"))
	}
	return kind, chi.URLParam(r, "id"), nil
}

func viewEntities(ents []org.Entity) []org.Entity {
	if ents == nil {
		return []org.Entity{}
	}
	return ents
}

// selectable serves GET /v1/entities/{kind}: the active entities of a kind.
func (a *API) selectable(w http.ResponseWriter, r *http.Request) {
	kind, _, err := entityPath(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjEntities, policy.ActList); err != nil {
		handleError(w, r, err)
		return
	}
	ents, err := a.roles.Selectable(r.Context(), kind)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": viewEntities(ents)})
}

// children serves GET /v1/entities/{kind}/{id}/children?all=true.
func (a *API) children(w http.ResponseWriter, r *http.Request) {
	kind, id, err := entityPath(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	all := false
	if v := r.URL.Query().Get("all"); v != "" {
		if all, err = strconv.ParseBool(v); err != nil {
			handleError(w, r, apperr.Validation("all", "all must be a boolean"))
			return
		}
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjEntities, policy.ActList); err != nil {
		handleError(w, r, err)
		return
	}
	ents, err := a.roles.Children(r.Context(), kind, id, all)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": viewEntities(ents)})
}

func (a *API) members(w http.ResponseWriter, r *http.Request) {
	kind, id, err := entityPath(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjRoles, policy.ActInspect); err != nil {
		handleError(w, r, err)
		return
	}
	ms, err := a.roles.Members(r.Context(), kind, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if ms == nil {
		ms = []org.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": ms})
}

func (a *API) syncMembers(w http.ResponseWriter, r *http.Request) {
	kind, id, err := entityPath(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjRoles, policy.ActSync); err != nil {
		handleError(w, r, err)
		return
	}
	res, err := a.roles.SyncMembers(r.Context(), roles.SyncRequest{
		Kind:     kind,
		EntityID: id,
		Members:  req.Members,
		Managers: req.Managers,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":    nonNil(res.Added),
		"removed":  nonNil(res.Removed),
		"promoted": nonNil(res.Promoted),
		"demoted":  nonNil(res.Demoted),
		"changed":  res.Changed(),
	})
}

func (a *API) setActive(w http.ResponseWriter, r *http.Request) {
	kind, id, err := entityPath(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req activeRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	if req.Active == nil {
		handleError(w, r, apperr.Validation("active", "active is required"))
		return
	}
	if err := a.authorizeAdmin(r.Context(), actorFrom(r), policy.ObjEntities, policy.ActActivate); err != nil {
		handleError(w, r, err)
		return
	}
	ent, err := a.roles.SetActive(r.Context(), kind, id, *req.Active)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func nonNil(ids []org.PersonID) []org.PersonID {
	if ids == nil {
		return []org.PersonID{}
	}
	return ids
}
