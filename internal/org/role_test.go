package org

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoleDispatchesEveryKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want Role
	}{
		{KindDirection, DirectionRole{ID: "d1"}},
		{KindDepartment, DepartmentRole{ID: "d1"}},
		{KindCrew, CrewRole{ID: "d1"}},
		{KindTerritorial, TerritorialRole{ID: "d1"}},
		{KindSecpla, SecplaRole{ID: "d1"}},
	}
	for _, tc := range cases {
		got, err := NewRole(tc.kind, "d1")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.kind, got.Kind())
		assert.Equal(t, "d1", got.EntityID())
	}

	none, err := NewRole(KindNone, "ignored")
	require.NoError(t, err)
	assert.Equal(t, Role(NoRole{}), none)

	_, err = NewRole(KindCrew, "  ")
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = NewRole(Kind(42), "x")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRoleEqualityIsValueBased(t *testing.T) {
	var a Role = CrewRole{ID: "c1"}
	var b Role = CrewRole{ID: "c1"}
	var c Role = DepartmentRole{ID: "c1"}
	assert.True(t, a == b)
	assert.False(t, a == c, "same id under a different kind is a different role")
	assert.False(t, HasRole(NoRole{}))
	assert.False(t, HasRole(nil))
	assert.Equal(t, Role(NoRole{}), Normalize(nil))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" Crew ")
	require.NoError(t, err)
	assert.Equal(t, KindCrew, k)

	_, err = ParseKind("cuadrilla")
	assert.True(t, errors.Is(err, ErrUnknownKind))

	assert.True(t, KindDepartment.SupportsManager())
	assert.False(t, KindCrew.SupportsManager())
	assert.True(t, KindCrew.IsMembership())
	assert.True(t, KindSecpla.IsSingleton())
	assert.False(t, KindNone.IsMembership())
}

func TestFormatAndParseRole(t *testing.T) {
	assert.Equal(t, "none", FormatRole(NoRole{}))
	assert.Equal(t, "territorial:t-9", FormatRole(TerritorialRole{ID: "t-9"}))

	r, err := ParseRole("territorial:t-9")
	require.NoError(t, err)
	assert.Equal(t, Role(TerritorialRole{ID: "t-9"}), r)

	r, err = ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, Role(NoRole{}), r)

	_, err = ParseRole("crew")
	assert.ErrorIs(t, err, ErrInvalidRole)
	_, err = ParseRole("none:x")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Cuadrilla: Norte 1", Describe(CrewRole{ID: "c1"}, "Norte 1"))
	assert.Equal(t, "Sin rol", Describe(NoRole{}, "whatever"))
	assert.Equal(t, "SECPLA: s1", Describe(SecplaRole{ID: "s1"}, ""))
}

func TestPersonDisplayName(t *testing.T) {
	assert.Equal(t, "Ana Pérez", Person{FirstName: "Ana", LastName: "Pérez", Username: "ana"}.DisplayName())
	assert.Equal(t, "ana", Person{Username: "ana"}.DisplayName())
}

type fakeReader struct {
	entities []Entity
}

func (f fakeReader) GetEntity(_ context.Context, kind Kind, id string) (Entity, error) {
	for _, e := range f.entities {
		if e.Kind == kind && e.ID == id {
			return e, nil
		}
	}
	return Entity{}, errors.New("not found")
}

func (f fakeReader) ListEntities(_ context.Context, kind Kind, parentID string) ([]Entity, error) {
	var out []Entity
	for _, e := range f.entities {
		if e.Kind == kind && (parentID == "" || e.ParentID == parentID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestHierarchyScopeQueries(t *testing.T) {
	ctx := context.Background()
	h := NewHierarchy(fakeReader{entities: []Entity{
		{Kind: KindDirection, ID: "dir1", Active: true},
		{Kind: KindDepartment, ID: "dep1", ParentID: "dir1", Active: true},
		{Kind: KindDepartment, ID: "dep2", ParentID: "dir1", Active: false},
		{Kind: KindCrew, ID: "c1", ParentID: "dep1", Active: true},
		{Kind: KindCrew, ID: "c2", ParentID: "dep1", Active: false},
		{Kind: KindCrew, ID: "c3", ParentID: "dep2", Active: true},
	}})

	deps, err := h.DepartmentsUnder(ctx, "dir1", false)
	require.NoError(t, err)
	assert.Len(t, deps, 2)
	deps, err = h.DepartmentsUnder(ctx, "dir1", true)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "dep1", deps[0].ID)

	crews, err := h.CrewsUnder(ctx, "dep1", true)
	require.NoError(t, err)
	require.Len(t, crews, 1)
	assert.Equal(t, "c1", crews[0].ID)

	ok, err := h.CrewBelongsTo(ctx, "c3", "dep1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.CrewBelongsTo(ctx, "c2", "dep1")
	require.NoError(t, err)
	assert.True(t, ok)

	ent, err := h.CrewFor(ctx, "c2", "dep1")
	assert.ErrorIs(t, err, ErrInactive)
	assert.Equal(t, "c2", ent.ID)
	_, err = h.CrewFor(ctx, "c3", "dep1")
	assert.ErrorIs(t, err, ErrOutOfScope)
	_, err = h.CrewFor(ctx, "c9", "dep1")
	assert.Error(t, err)
	ent, err = h.CrewFor(ctx, "c1", "dep1")
	require.NoError(t, err)
	assert.Equal(t, "c1", ent.ID)
	assert.NoError(t, RequireActive(ent))

	_, err = h.Resolve(ctx, NoRole{})
	assert.ErrorIs(t, err, ErrInvalidRole)

	sel, err := h.Selectable(ctx, KindCrew)
	require.NoError(t, err)
	assert.Len(t, sel, 2)
}
