package roles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
)

func entityIDs(ents []org.Entity) []string {
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.ID)
	}
	return out
}

func TestSelectableHidesInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	crews, err := f.engine.Selectable(ctx, org.KindCrew)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, entityIDs(crews))

	_, err = f.engine.SetActive(ctx, org.KindCrew, "c2", false)
	require.NoError(t, err)
	crews, err = f.engine.Selectable(ctx, org.KindCrew)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, entityIDs(crews))

	_, err = f.engine.Selectable(ctx, org.KindNone)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deps, err := f.engine.Children(ctx, org.KindDirection, "dir1", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"dep1", "dep2"}, entityIDs(deps))

	crews, err := f.engine.Children(ctx, org.KindDepartment, "dep2", false)
	require.NoError(t, err)
	assert.Empty(t, crews, "c3 is inactive")
	crews, err = f.engine.Children(ctx, org.KindDepartment, "dep2", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, entityIDs(crews))

	_, err = f.engine.Children(ctx, org.KindCrew, "c1", false)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.Children(ctx, org.KindDepartment, "missing", false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
