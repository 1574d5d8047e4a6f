package roles

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
	"incidentdesk.org/internal/store/memstore"
)

type fixture struct {
	st     *memstore.Store
	engine *Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		entities := []org.Entity{
			{Kind: org.KindDirection, ID: "dir1", Name: "Operaciones", Active: true},
			{Kind: org.KindDepartment, ID: "dep1", Name: "Aseo", ParentID: "dir1", Active: true},
			{Kind: org.KindDepartment, ID: "dep2", Name: "Alumbrado", ParentID: "dir1", Active: true},
			{Kind: org.KindCrew, ID: "c1", Name: "Norte 1", ParentID: "dep1", Active: true},
			{Kind: org.KindCrew, ID: "c2", Name: "Norte 2", ParentID: "dep1", Active: true},
			{Kind: org.KindCrew, ID: "c3", Name: "Sur 1", ParentID: "dep2", Active: false},
			{Kind: org.KindTerritorial, ID: "t1", Name: "Centro", Region: "centro", Active: true},
			{Kind: org.KindTerritorial, ID: "t2", Name: "Cordillera", Region: "oriente", Active: true},
			{Kind: org.KindSecpla, ID: "s1", Name: "SECPLA", Active: true},
		}
		for _, e := range entities {
			if _, err := tx.CreateEntity(ctx, e); err != nil {
				return err
			}
		}
		persons := []org.Person{
			{ID: "ana", Username: "ana", FirstName: "Ana", LastName: "Pérez"},
			{ID: "alvaro", Username: "alvaro", FirstName: "Álvaro", LastName: "Núñez"},
			{ID: "beto", Username: "beto"},
			{ID: "nadia", Username: "nadia", FirstName: "Nadia", LastName: "Ortiz"},
			{ID: "nusta", Username: "nusta", FirstName: "Ñusta", LastName: "Quispe"},
			{ID: "zoe", Username: "zoe", FirstName: "Zoe", LastName: "Ruiz"},
		}
		for _, p := range persons {
			if _, err := tx.CreatePerson(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))
	return fixture{st: st, engine: NewEngine(st)}
}

func (f fixture) person(t *testing.T, id org.PersonID) org.Person {
	t.Helper()
	var p org.Person
	require.NoError(t, f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetPerson(ctx, id)
		return err
	}))
	return p
}

func (f fixture) memberships(t *testing.T, id org.PersonID) []org.Membership {
	t.Helper()
	var out []org.Membership
	require.NoError(t, f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.MembershipsOf(ctx, id)
		return err
	}))
	return out
}

func (f fixture) entity(t *testing.T, kind org.Kind, id string) org.Entity {
	t.Helper()
	var ent org.Entity
	require.NoError(t, f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		ent, err = tx.GetEntity(ctx, kind, id)
		return err
	}))
	return ent
}

func (f fixture) requireExclusive(t *testing.T) {
	t.Helper()
	violations, err := f.engine.VerifyExclusivity(context.Background())
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestAssignIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.CrewRole{ID: "c1"}})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, org.Role(org.NoRole{}), res.Previous)
	assert.Equal(t, int64(2), res.Person.Version)

	res, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.CrewRole{ID: "c1"}})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, int64(2), res.Person.Version)

	assert.Len(t, f.memberships(t, "ana"), 1)
	f.requireExclusive(t)
}

func TestRepeatAssignOnDeactivatedEntityIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.DepartmentRole{ID: "dep1"}, Manager: true})
	require.NoError(t, err)
	_, err = f.engine.SetActive(ctx, org.KindDepartment, "dep1", false)
	require.NoError(t, err)

	res, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.DepartmentRole{ID: "dep1"}, Manager: true})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.DepartmentRole{ID: "dep1"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment, "manager flag change on inactive department")

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "beto", Role: org.DepartmentRole{ID: "dep1"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment, "new binding on inactive department")

	ms := f.memberships(t, "ana")
	require.Len(t, ms, 1)
	assert.True(t, ms[0].Manager)
}

func TestAssignTransferRequiresVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.CrewRole{ID: "c1"}})
	require.NoError(t, err)

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.DepartmentRole{ID: "dep1"}})
	require.ErrorIs(t, err, apperr.ErrRoleConflict)
	e, ok := apperr.As(err)
	require.True(t, ok)
	require.Len(t, e.Persons, 1)
	assert.Equal(t, "Ana Pérez", e.Persons[0].Name)
	assert.Equal(t, "Cuadrilla: Norte 1", e.Persons[0].Role)

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.DepartmentRole{ID: "dep1"}, IfVersion: 1})
	require.ErrorIs(t, err, apperr.ErrStaleState)
	e, _ = apperr.As(err)
	assert.Equal(t, "crew:c1", e.Current)
	assert.Equal(t, "department:dep1", e.Attempted)

	res, err := f.engine.Assign(ctx, AssignRequest{
		PersonID:  "ana",
		Role:      org.DepartmentRole{ID: "dep1"},
		Manager:   true,
		IfVersion: first.Person.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, org.Role(org.CrewRole{ID: "c1"}), res.Previous)

	ms := f.memberships(t, "ana")
	require.Len(t, ms, 1)
	assert.Equal(t, org.KindDepartment, ms[0].Kind)
	assert.True(t, ms[0].Manager)
	f.requireExclusive(t)
}

func TestAssignRejectsInvalidTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.CrewRole{ID: "c3"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment, "inactive crew")

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.CrewRole{ID: "nope"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment)

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ghost", Role: org.CrewRole{ID: "c1"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment)

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.NoRole{}})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.CrewRole{ID: "c1"}, Manager: true})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, org.Role(org.NoRole{}), f.person(t, "ana").Role)
}

func TestSingletonDisplacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignRequest{PersonID: "beto", Role: org.TerritorialRole{ID: "t1"}})
	require.NoError(t, err)

	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.TerritorialRole{ID: "t1"}})
	require.ErrorIs(t, err, apperr.ErrRoleConflict)
	e, _ := apperr.As(err)
	require.Len(t, e.Persons, 1)
	assert.Equal(t, "beto", e.Persons[0].ID)

	res, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.TerritorialRole{ID: "t1"}, AllowDisplace: true})
	require.NoError(t, err)
	require.Len(t, res.Displaced, 1)
	assert.Equal(t, org.PersonID("beto"), res.Displaced[0].ID)
	assert.Equal(t, org.Role(org.NoRole{}), res.Displaced[0].Role)

	assert.Equal(t, org.PersonID("ana"), f.entity(t, org.KindTerritorial, "t1").HolderID)
	assert.Equal(t, org.Role(org.NoRole{}), f.person(t, "beto").Role)
	f.requireExclusive(t)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.SecplaRole{ID: "s1"}})
	require.NoError(t, err)

	res, err := f.engine.Clear(ctx, ClearRequest{PersonID: "ana"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, org.Role(org.SecplaRole{ID: "s1"}), res.Previous)
	assert.Equal(t, org.PersonID(""), f.entity(t, org.KindSecpla, "s1").HolderID)

	res, err = f.engine.Clear(ctx, ClearRequest{PersonID: "ana"})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = f.engine.Clear(ctx, ClearRequest{PersonID: "ana", IfVersion: 1})
	assert.ErrorIs(t, err, apperr.ErrStaleState)
	f.requireExclusive(t)
}

func TestListEligiblePersons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignRequest{PersonID: "zoe", Role: org.CrewRole{ID: "c1"}})
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "nadia", Role: org.CrewRole{ID: "c2"}})
	require.NoError(t, err)

	got, err := f.engine.ListEligiblePersons(ctx, org.KindCrew, "c1")
	require.NoError(t, err)
	var names []string
	for _, p := range got {
		names = append(names, p.DisplayName())
	}
	assert.Equal(t, []string{"Álvaro Núñez", "Ana Pérez", "beto", "Ñusta Quispe", "Zoe Ruiz"}, names)

	got, err = f.engine.ListEligiblePersons(ctx, org.KindCrew, "")
	require.NoError(t, err)
	assert.Len(t, got, 4, "only persons without a role")

	_, err = f.engine.ListEligiblePersons(ctx, org.KindNone, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestValidateMembershipBatchReportsEveryConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.CrewRole{ID: "c2"}})
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "beto", Role: org.TerritorialRole{ID: "t2"}})
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "zoe", Role: org.CrewRole{ID: "c1"}})
	require.NoError(t, err)

	conflicts, err := f.engine.ValidateMembershipBatch(ctx, []org.PersonID{"ana", "beto", "zoe", "nadia"}, org.CrewRole{ID: "c1"})
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, org.PersonID("ana"), conflicts[0].Person.ID)
	assert.Equal(t, "Territorial: Cordillera", conflicts[1].Label)

	err = ConflictError("crew:c1", conflicts)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Len(t, e.Persons, 2)

	_, err = f.engine.ValidateMembershipBatch(ctx, []org.PersonID{"nadia", "ghost"}, org.CrewRole{ID: "c1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment)

	_, err = f.engine.ValidateMembershipBatch(ctx, []org.PersonID{"nadia", "nadia"}, org.CrewRole{ID: "c1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSyncMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.SyncMembers(ctx, SyncRequest{
		Kind:     org.KindDepartment,
		EntityID: "dep1",
		Members:  []org.PersonID{"ana", "beto"},
		Managers: []org.PersonID{"ana"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []org.PersonID{"ana", "beto"}, res.Added)
	assert.Equal(t, org.Role(org.DepartmentRole{ID: "dep1"}), f.person(t, "beto").Role)

	res, err = f.engine.SyncMembers(ctx, SyncRequest{
		Kind:     org.KindDepartment,
		EntityID: "dep1",
		Members:  []org.PersonID{"beto", "zoe"},
		Managers: []org.PersonID{"beto"},
	})
	require.NoError(t, err)
	assert.Equal(t, []org.PersonID{"zoe"}, res.Added)
	assert.Equal(t, []org.PersonID{"ana"}, res.Removed)
	assert.Equal(t, []org.PersonID{"beto"}, res.Promoted)
	assert.Equal(t, org.Role(org.NoRole{}), f.person(t, "ana").Role)
	assert.Empty(t, f.memberships(t, "ana"))

	res, err = f.engine.SyncMembers(ctx, SyncRequest{
		Kind:     org.KindDepartment,
		EntityID: "dep1",
		Members:  []org.PersonID{"beto", "zoe"},
		Managers: []org.PersonID{"beto"},
	})
	require.NoError(t, err)
	assert.False(t, res.Changed())
	f.requireExclusive(t)
}

func TestSyncMembersIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.CrewRole{ID: "c2"}})
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, AssignRequest{PersonID: "beto", Role: org.SecplaRole{ID: "s1"}})
	require.NoError(t, err)

	_, err = f.engine.SyncMembers(ctx, SyncRequest{
		Kind:     org.KindCrew,
		EntityID: "c1",
		Members:  []org.PersonID{"zoe", "ana", "nadia", "beto"},
	})
	require.ErrorIs(t, err, apperr.ErrRoleConflict)
	e, _ := apperr.As(err)
	require.Len(t, e.Persons, 2)
	assert.Equal(t, "crew:c1", e.Entity)

	assert.Equal(t, org.Role(org.NoRole{}), f.person(t, "zoe").Role, "no partial application")
	assert.Empty(t, f.memberships(t, "zoe"))
	f.requireExclusive(t)
}

func TestSyncMembersValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []SyncRequest{
		{Kind: org.KindCrew, EntityID: "c1", Members: []org.PersonID{"ana", "ana"}},
		{Kind: org.KindDepartment, EntityID: "dep1", Members: []org.PersonID{"ana"}, Managers: []org.PersonID{"beto"}},
		{Kind: org.KindCrew, EntityID: "c1", Members: []org.PersonID{"ana"}, Managers: []org.PersonID{"ana"}},
		{Kind: org.KindTerritorial, EntityID: "t1", Members: []org.PersonID{"ana"}},
	}
	for _, req := range cases {
		_, err := f.engine.SyncMembers(ctx, req)
		assert.ErrorIs(t, err, apperr.ErrValidation, "%+v", req)
	}

	_, err := f.engine.SyncMembers(ctx, SyncRequest{Kind: org.KindCrew, EntityID: "c3", Members: []org.PersonID{"ana"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment, "inactive crew takes no new members")
}

func TestConcurrentAssignHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	version := f.person(t, "ana").Version

	targets := []org.Role{org.CrewRole{ID: "c1"}, org.CrewRole{ID: "c2"}, org.DepartmentRole{ID: "dep2"}, org.TerritorialRole{ID: "t2"}}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, role := range targets {
		wg.Add(1)
		go func(i int, role org.Role) {
			defer wg.Done()
			_, errs[i] = f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: role, IfVersion: version})
		}(i, role)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		kind := apperr.KindOf(err)
		assert.True(t, kind == apperr.KindStaleState || kind == apperr.KindRoleConflict, "unexpected %v", err)
	}
	assert.Equal(t, 1, winners)
	assert.True(t, org.HasRole(f.person(t, "ana").Role))
	f.requireExclusive(t)
}

func TestRandomOperationsKeepExclusivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	persons := []org.PersonID{"ana", "alvaro", "beto", "nadia", "nusta", "zoe"}
	roles := []org.Role{
		org.DirectionRole{ID: "dir1"},
		org.DepartmentRole{ID: "dep1"},
		org.DepartmentRole{ID: "dep2"},
		org.CrewRole{ID: "c1"},
		org.CrewRole{ID: "c2"},
		org.TerritorialRole{ID: "t1"},
		org.TerritorialRole{ID: "t2"},
		org.SecplaRole{ID: "s1"},
	}
	membershipRoles := []org.Role{roles[0], roles[1], roles[2], roles[3], roles[4]}

	for i := 0; i < 300; i++ {
		p := persons[rng.Intn(len(persons))]
		switch rng.Intn(4) {
		case 0, 1:
			cur := f.person(t, p)
			_, _ = f.engine.Assign(ctx, AssignRequest{
				PersonID:      p,
				Role:          roles[rng.Intn(len(roles))],
				IfVersion:     cur.Version,
				AllowDisplace: rng.Intn(2) == 0,
			})
		case 2:
			_, _ = f.engine.Clear(ctx, ClearRequest{PersonID: p})
		case 3:
			target := membershipRoles[rng.Intn(len(membershipRoles))]
			var members []org.PersonID
			for _, q := range persons {
				if rng.Intn(3) == 0 {
					members = append(members, q)
				}
			}
			_, _ = f.engine.SyncMembers(ctx, SyncRequest{Kind: target.Kind(), EntityID: target.EntityID(), Members: members})
		}
		f.requireExclusive(t)
	}
}

func TestResolveActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Assign(ctx, AssignRequest{PersonID: "ana", Role: org.DepartmentRole{ID: "dep1"}, Manager: true})
	require.NoError(t, err)

	require.NoError(t, f.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := ResolveActor(ctx, tx, "ana")
		require.NoError(t, err)
		assert.Equal(t, org.KindDepartment, a.Kind())
		assert.True(t, a.Manager)
		assert.Equal(t, "Aseo", a.Entity.Name)

		a, err = ResolveActor(ctx, tx, "beto")
		require.NoError(t, err)
		assert.Equal(t, org.KindNone, a.Kind())

		_, err = ResolveActor(ctx, tx, "ghost")
		assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
		return nil
	}))

	_, err = f.engine.SetActive(ctx, org.KindDepartment, "dep1", false)
	require.NoError(t, err)
	require.NoError(t, f.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := ResolveActor(ctx, tx, "ana")
		require.NoError(t, err)
		assert.Equal(t, org.KindNone, a.Kind(), "inactive entity grants no authority")
		return nil
	}))
}
