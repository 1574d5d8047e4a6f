package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/audit"
	"incidentdesk.org/internal/incident"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/policy"
	"incidentdesk.org/internal/roles"
	"incidentdesk.org/internal/seed"
	"incidentdesk.org/internal/store"
	"incidentdesk.org/internal/store/memstore"
)

const orgFixture = `
entities:
  - {kind: direction, id: dir1, name: Operaciones}
  - {kind: department, id: dep1, name: Aseo, parent: dir1}
  - {kind: department, id: dep2, name: Alumbrado, parent: dir1}
  - {kind: crew, id: c1, name: Norte 1, parent: dep1}
  - {kind: crew, id: c2, name: Norte 2, parent: dep1}
  - {kind: crew, id: c3, name: Sur 1, parent: dep2}
  - {kind: crew, id: c4, name: Antigua, parent: dep1, inactive: true}
  - {kind: territorial, id: t1, name: Centro, region: centro}
  - {kind: territorial, id: t2, name: Plaza, region: centro}
  - {kind: territorial, id: t3, name: Cordillera, region: oriente}
  - {kind: secpla, id: s1, name: SECPLA}
persons:
  - {id: jefe, username: jefe, role: "department:dep1", manager: true}
  - {id: jefe2, username: jefe2, role: "department:dep2", manager: true}
  - {id: auxiliar, username: auxiliar, role: "department:dep1"}
  - {id: cuad, username: cuad, role: "crew:c1"}
  - {id: cuad2, username: cuad2, role: "crew:c2"}
  - {id: terr, username: terr, role: "territorial:t1"}
  - {id: terr2, username: terr2, role: "territorial:t2"}
  - {id: terr3, username: terr3, role: "territorial:t3"}
  - {id: secp, username: secp, role: "secpla:s1"}
  - {id: nadie, username: nadie}
`

type env struct {
	st  *memstore.Store
	svc *Service
}

func newEnv(t *testing.T) env {
	t.Helper()
	doc, err := seed.Parse([]byte(orgFixture))
	require.NoError(t, err)
	st := memstore.New()
	_, err = seed.Apply(context.Background(), st, roles.NewEngine(st), doc)
	require.NoError(t, err)
	pol, err := policy.New("")
	require.NoError(t, err)
	return env{st: st, svc: New(st, pol, audit.NewTrail(st))}
}

func (e env) create(t *testing.T) incident.Incident {
	t.Helper()
	inc, err := e.svc.Create(context.Background(), "terr", incident.Draft{
		TypeID:   "bache",
		SurveyID: "enc-1",
		Location: "Av. Central 123",
	})
	require.NoError(t, err)
	return inc
}

func (e env) history(t *testing.T, id string) []incident.LogEntry {
	t.Helper()
	entries, err := e.svc.History(context.Background(), "secp", id)
	require.NoError(t, err)
	return entries
}

func ref(actor org.PersonID, id string) Ref { return Ref{Actor: actor, IncidentID: id} }

func at(actor org.PersonID, inc incident.Incident) Ref {
	return Ref{Actor: actor, IncidentID: inc.ID, IfVersion: inc.Version}
}

func response() incident.Response {
	return incident.Response{
		Text:  "Bache reparado",
		Media: []incident.Media{{Kind: incident.MediaImage, URI: "s3://fotos/1.jpg"}},
	}
}

func transitions(entries []incident.LogEntry) [][2]incident.Status {
	out := make([][2]incident.Status, len(entries))
	for i, e := range entries {
		out[i] = [2]incident.Status{e.From, e.To}
	}
	return out
}

func TestHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	inc := e.create(t)
	assert.Equal(t, incident.StatusPending, inc.Status)
	assert.Equal(t, org.TerritorialID("t1"), inc.TerritorialID)
	assert.Empty(t, e.history(t, inc.ID), "creation is not logged")

	inc, err := e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c1")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusRouted, inc.Status)

	inc, err = e.svc.BeginWork(ctx, ref("cuad", inc.ID))
	require.NoError(t, err)
	assert.Equal(t, incident.StatusInProgress, inc.Status)
	require.NotNil(t, inc.StartedAt)

	inc, err = e.svc.SubmitResponse(ctx, ref("cuad", inc.ID), response())
	require.NoError(t, err)
	assert.Equal(t, incident.StatusCompleted, inc.Status)
	require.NotNil(t, inc.Response)
	assert.Len(t, inc.Response.Media, 1)

	inc, err = e.svc.Approve(ctx, ref("terr", inc.ID))
	require.NoError(t, err)
	assert.Equal(t, incident.StatusApproved, inc.Status)

	entries := e.history(t, inc.ID)
	assert.Equal(t, [][2]incident.Status{
		{incident.StatusPending, incident.StatusRouted},
		{incident.StatusRouted, incident.StatusInProgress},
		{incident.StatusInProgress, incident.StatusCompleted},
		{incident.StatusCompleted, incident.StatusApproved},
	}, transitions(entries))
	assert.Equal(t, org.PersonID("cuad"), entries[1].ActorID)
	require.NoError(t, incident.VerifyHistory(entries))

	_, err = e.svc.Reject(ctx, ref("terr", inc.ID), incident.MotiveDuplicate, "")
	assert.ErrorIs(t, err, apperr.ErrStaleState, "approved is terminal")
	_, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c2")
	assert.ErrorIs(t, err, apperr.ErrStaleState)
	assert.Len(t, e.history(t, inc.ID), 4)
}

func TestRejectAndRedirect(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	inc := e.create(t)
	inc, err := e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c1")
	require.NoError(t, err)
	inc, err = e.svc.BeginWork(ctx, ref("cuad", inc.ID))
	require.NoError(t, err)
	inc, err = e.svc.SubmitResponse(ctx, ref("cuad", inc.ID), response())
	require.NoError(t, err)

	inc, err = e.svc.Reject(ctx, ref("terr", inc.ID), incident.MotiveIncomplete, "faltan fotos")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusRejected, inc.Status)
	require.NotNil(t, inc.Rejection)
	assert.Equal(t, incident.MotiveIncomplete, inc.Rejection.Motive)
	assert.Len(t, e.history(t, inc.ID), 4)

	inc, err = e.svc.Redirect(ctx, ref("terr", inc.ID), "reasignar a otra cuadrilla")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusPending, inc.Status)
	assert.Empty(t, inc.CrewID)
	assert.Nil(t, inc.Response)

	entries := e.history(t, inc.ID)
	require.Len(t, entries, 5)
	assert.Equal(t, "reasignar a otra cuadrilla", entries[4].Note)
	assert.Contains(t, entries[3].Note, "faltan fotos")

	inc, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c2")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusRouted, inc.Status)

	entries = e.history(t, inc.ID)
	require.Len(t, entries, 6)
	require.NoError(t, incident.VerifyHistory(entries))
}

func TestAssignCrewScope(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inc := e.create(t)

	_, err := e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c3")
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment, "crew of another department")

	_, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c4")
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment, "inactive crew")

	_, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c99")
	assert.ErrorIs(t, err, apperr.ErrInvalidAssignment, "unknown crew")

	_, err = e.svc.AssignCrew(ctx, ref("auxiliar", inc.ID), "c1")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied, "members who are not managers")

	_, err = e.svc.AssignCrew(ctx, ref("terr", inc.ID), "c1")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	inc, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c1")
	require.NoError(t, err)

	_, err = e.svc.AssignCrew(ctx, ref("jefe2", inc.ID), "c3")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied, "incident owned by another department")

	assert.Len(t, e.history(t, inc.ID), 1, "failed attempts write nothing")
}

func TestCrewReassignmentRederivesStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	inc := e.create(t)
	inc, err := e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c1")
	require.NoError(t, err)
	inc, err = e.svc.BeginWork(ctx, ref("cuad", inc.ID))
	require.NoError(t, err)

	inc, err = e.svc.AssignCrew(ctx, at("jefe", inc), "c2")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusRouted, inc.Status)
	assert.Equal(t, org.CrewID("c2"), inc.CrewID)
	assert.Nil(t, inc.StartedAt)

	version := inc.Version
	inc, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c2")
	require.NoError(t, err)
	assert.Equal(t, version, inc.Version, "same crew is a no-op")

	_, err = e.svc.BeginWork(ctx, ref("cuad", inc.ID))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied, "previous crew lost access")

	inc, err = e.svc.AssignCrew(ctx, at("jefe", inc), "")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusPending, inc.Status)
	assert.Empty(t, inc.CrewID)

	assert.Equal(t, [][2]incident.Status{
		{incident.StatusPending, incident.StatusRouted},
		{incident.StatusRouted, incident.StatusInProgress},
		{incident.StatusInProgress, incident.StatusRouted},
		{incident.StatusRouted, incident.StatusPending},
	}, transitions(e.history(t, inc.ID)))
}

func TestCrewChangeWithinRoutedIsNotLogged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	inc := e.create(t)
	inc, err := e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c1")
	require.NoError(t, err)
	before := inc.Version

	inc, err = e.svc.AssignCrew(ctx, at("jefe", inc), "c2")
	require.NoError(t, err)
	assert.Greater(t, inc.Version, before)
	assert.Len(t, e.history(t, inc.ID), 1)
}

func TestBlindCrewReplacementIsStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	inc := e.create(t)
	inc, err := e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c1")
	require.NoError(t, err)

	_, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c2")
	require.ErrorIs(t, err, apperr.ErrStaleState)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "routed", ae.Current)
	assert.Equal(t, "routed", ae.Attempted)

	_, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "")
	require.ErrorIs(t, err, apperr.ErrStaleState)
	ae, _ = apperr.As(err)
	assert.Equal(t, "pending", ae.Attempted)

	got, err := e.svc.Get(ctx, "secp", inc.ID)
	require.NoError(t, err)
	assert.Equal(t, org.CrewID("c1"), got.CrewID, "first crew is kept")
	assert.Equal(t, inc.Version, got.Version)

	got, err = e.svc.AssignCrew(ctx, at("jefe", got), "c2")
	require.NoError(t, err)
	assert.Equal(t, org.CrewID("c2"), got.CrewID)
}

func TestConcurrentBlindCrewAssignmentsHaveOneWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inc := e.create(t)

	crews := []org.CrewID{"c1", "c2"}
	errs := make([]error, len(crews))
	var wg sync.WaitGroup
	for i, crew := range crews {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), crew)
		}()
	}
	wg.Wait()

	var ok, stale int
	var winner org.CrewID
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			winner = crews[i]
		case apperr.KindOf(err) == apperr.KindStaleState:
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)

	got, err := e.svc.Get(ctx, "secp", inc.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, got.CrewID)
	assert.Len(t, e.history(t, inc.ID), 1)
}

func TestPermissions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Create(ctx, "nadie", incident.Draft{TypeID: "x", SurveyID: "y", Location: "z"})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = e.svc.Create(ctx, "ghost", incident.Draft{TypeID: "x", SurveyID: "y", Location: "z"})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	inc := e.create(t)
	inc, err = e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c1")
	require.NoError(t, err)

	_, err = e.svc.BeginWork(ctx, ref("cuad2", inc.ID))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied, "other crew")

	inc, err = e.svc.BeginWork(ctx, ref("cuad", inc.ID))
	require.NoError(t, err)
	inc, err = e.svc.SubmitResponse(ctx, ref("cuad", inc.ID), response())
	require.NoError(t, err)

	_, err = e.svc.Approve(ctx, ref("cuad", inc.ID))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied, "crews do not approve")

	_, err = e.svc.Approve(ctx, ref("terr3", inc.ID))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied, "territorial of another region")

	inc, err = e.svc.Approve(ctx, ref("terr2", inc.ID))
	require.NoError(t, err, "same region may approve")
	assert.Equal(t, incident.StatusApproved, inc.Status)

	_, err = e.svc.Get(ctx, "nadie", inc.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	got, err := e.svc.Get(ctx, "cuad2", inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.Version, got.Version)
}

func TestWrongStateIsStale(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inc := e.create(t)

	_, err := e.svc.BeginWork(ctx, ref("cuad", inc.ID))
	require.ErrorIs(t, err, apperr.ErrStaleState)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "pending", ae.Current)
	assert.Equal(t, inc.ID, ae.Entity)

	_, err = e.svc.Redirect(ctx, ref("terr", inc.ID), "nota")
	assert.ErrorIs(t, err, apperr.ErrStaleState)
	_, err = e.svc.Approve(ctx, ref("terr", inc.ID))
	assert.ErrorIs(t, err, apperr.ErrStaleState)

	_, err = e.svc.BeginWork(ctx, ref("cuad", "missing"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIfVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inc := e.create(t)

	_, err := e.svc.AssignCrew(ctx, Ref{Actor: "jefe", IncidentID: inc.ID, IfVersion: inc.Version + 1}, "c1")
	require.ErrorIs(t, err, apperr.ErrStaleState)
	ae, _ := apperr.As(err)
	assert.Equal(t, "routed", ae.Attempted)

	got, err := e.svc.AssignCrew(ctx, Ref{Actor: "jefe", IncidentID: inc.ID, IfVersion: inc.Version}, "c1")
	require.NoError(t, err)
	assert.Equal(t, inc.Version+1, got.Version)
}

func TestConcurrentDecisionsHaveOneWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	inc := e.create(t)
	inc, err := e.svc.AssignCrew(ctx, ref("jefe", inc.ID), "c1")
	require.NoError(t, err)
	inc, err = e.svc.BeginWork(ctx, ref("cuad", inc.ID))
	require.NoError(t, err)
	inc, err = e.svc.SubmitResponse(ctx, ref("cuad", inc.ID), response())
	require.NoError(t, err)

	r := Ref{Actor: "terr", IncidentID: inc.ID, IfVersion: inc.Version}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = e.svc.Approve(ctx, r)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = e.svc.Reject(ctx, r, incident.MotiveWrongLocation, "")
	}()
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) == apperr.KindStaleState:
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)
	assert.Len(t, e.history(t, inc.ID), 4)
}

func TestInputValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Create(ctx, "terr", incident.Draft{TypeID: "bache", Location: "x"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	ae, _ := apperr.As(err)
	assert.Equal(t, "survey_id", ae.Field)

	inc := e.create(t)
	_, err = e.svc.SubmitResponse(ctx, ref("cuad", inc.ID), incident.Response{Text: "listo"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = e.svc.Reject(ctx, ref("terr", inc.ID), incident.Motive(99), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = e.svc.Reject(ctx, ref("terr", inc.ID), incident.MotiveOther, " ")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = e.svc.Redirect(ctx, ref("terr", inc.ID), "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = e.svc.BeginWork(ctx, ref("cuad", ""))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStatusCounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a := e.create(t)
	e.create(t)
	_, err := e.svc.AssignCrew(ctx, ref("jefe", a.ID), "c1")
	require.NoError(t, err)

	counts, err := e.svc.StatusCounts(ctx, "terr", "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[incident.StatusPending])
	assert.Equal(t, 1, counts[incident.StatusRouted])
	assert.Equal(t, 0, counts[incident.StatusApproved])
	assert.Len(t, counts, len(incident.Statuses))

	_, err = e.svc.StatusCounts(ctx, "terr", "t3")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = e.svc.StatusCounts(ctx, "cuad", "t1")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	all, err := e.svc.StatusCounts(ctx, "secp", "")
	require.NoError(t, err)
	assert.Equal(t, 2, all[incident.StatusPending]+all[incident.StatusRouted])

	none, err := e.svc.StatusCounts(ctx, "secp", "t3")
	require.NoError(t, err)
	assert.Equal(t, 0, none[incident.StatusPending])
}
