// Package policy holds the role-kind × action matrix consulted before any
// lifecycle transition or role administration call.
package policy

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/org"
)

const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

// Objects
const (
	ObjIncident = "incident"
	ObjRoles    = "roles"
	ObjEntities = "entities"
)

// Actions on roles and entities. Incident actions use incident.Event names.
const (
	ActAssign   = "assign"
	ActClear    = "clear"
	ActSync     = "sync"
	ActInspect  = "inspect"
	ActActivate = "activate"
	ActRead     = "read"
	ActList     = "list"
	ActCounts   = "status_counts"
)

var defaultPolicies = [][]string{
	{"territorial", ObjIncident, "create"},
	{"territorial", ObjIncident, "approve"},
	{"territorial", ObjIncident, "reject"},
	{"territorial", ObjIncident, "redirect"},
	{"territorial", ObjIncident, ActCounts},
	{"department", ObjIncident, "assign_crew"},
	{"department", ObjIncident, "unassign_crew"},
	{"crew", ObjIncident, "begin_work"},
	{"crew", ObjIncident, "submit_response"},
	{"secpla", ObjIncident, ActCounts},
	{"secpla", ObjRoles, ActAssign},
	{"secpla", ObjRoles, ActClear},
	{"secpla", ObjRoles, ActSync},
	{"secpla", ObjRoles, ActInspect},
	{"secpla", ObjEntities, ActActivate},
}

// Enforcer answers whether a role kind may perform an action.
type Enforcer struct {
	e *casbin.SyncedEnforcer
}

// New builds the enforcer. With an empty policyFile the built-in matrix is
// used; otherwise policies are loaded from the CSV file.
func New(policyFile string) (*Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("policy model: %w", err)
	}
	if policyFile != "" {
		e, err := casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(policyFile))
		if err != nil {
			return nil, fmt.Errorf("load policy %s: %w", policyFile, err)
		}
		return &Enforcer{e: e}, nil
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("policy enforcer: %w", err)
	}
	for _, p := range defaultPolicies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", p, err)
		}
	}
	for _, k := range org.Kinds {
		if _, err := e.AddPolicy(k.String(), ObjIncident, ActRead); err != nil {
			return nil, fmt.Errorf("add read policy: %w", err)
		}
		if _, err := e.AddPolicy(k.String(), ObjEntities, ActList); err != nil {
			return nil, fmt.Errorf("add list policy: %w", err)
		}
	}
	return &Enforcer{e: e}, nil
}

// Allowed reports whether kind may perform act on obj.
func (p *Enforcer) Allowed(kind org.Kind, obj, act string) (bool, error) {
	if kind == org.KindNone {
		return false, nil
	}
	ok, err := p.e.Enforce(kind.String(), obj, act)
	if err != nil {
		return false, fmt.Errorf("enforce %s %s/%s: %w", kind, obj, act, err)
	}
	return ok, nil
}

// Require returns PermissionDenied unless the action is allowed.
func (p *Enforcer) Require(kind org.Kind, obj, act string) error {
	ok, err := p.Allowed(kind, obj, act)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.PermissionDenied("%s may not %s %s", kind.Label(), act, obj)
	}
	return nil
}
