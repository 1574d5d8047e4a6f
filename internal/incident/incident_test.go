package incident

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/org"
)

func TestStatusSetIsClosed(t *testing.T) {
	for _, s := range Statuses {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStatus("Pendiente")
	assert.ErrorIs(t, err, ErrUnknownStatus)
	assert.False(t, Status(0).Valid())

	var s Status
	assert.Error(t, json.Unmarshal([]byte(`"finalizada"`), &s))
}

func TestNormalizeLegacy(t *testing.T) {
	cases := map[string]Status{
		"Creada":     StatusPending,
		"":           StatusPending,
		"Pendiente":  StatusPending,
		"Derivada":   StatusRouted,
		"En Proceso": StatusInProgress,
		"Finalizada": StatusCompleted,
		"Rechazada":  StatusRejected,
		"approved":   StatusApproved,
	}
	for in, want := range cases {
		got, ok := NormalizeLegacy(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := NormalizeLegacy("Archivada")
	assert.False(t, ok)
}

func TestMotiveRejectsOutOfSet(t *testing.T) {
	m, err := ParseMotive("INCOMPLETE")
	require.NoError(t, err)
	assert.Equal(t, MotiveIncomplete, m)
	assert.Equal(t, "Incompleto", m.Label())

	_, err = ParseMotive("Incompleto")
	assert.ErrorIs(t, err, ErrUnknownMotive)
}

func TestTransitionTable(t *testing.T) {
	tr, ok := Next(StatusPending, EventAssignCrew)
	require.True(t, ok)
	assert.Equal(t, StatusRouted, tr.To)
	assert.Equal(t, org.KindDepartment, tr.Actor)

	_, ok = Next(StatusApproved, EventReject)
	assert.False(t, ok, "approved is terminal")
	_, ok = Next(StatusRejected, EventReject)
	assert.False(t, ok)
	_, ok = Next(StatusPending, EventBeginWork)
	assert.False(t, ok)

	for _, from := range []Status{StatusPending, StatusRouted, StatusInProgress, StatusCompleted} {
		tr, ok := Next(from, EventReject)
		require.True(t, ok, from.String())
		assert.Equal(t, StatusRejected, tr.To)
	}

	actor, ok := ActorFor(EventRedirect)
	require.True(t, ok)
	assert.Equal(t, org.KindTerritorial, actor)

	for _, tr := range Transitions {
		assert.False(t, tr.From.Terminal(), "no row leaves a terminal status")
	}
}

func TestVerifyHistory(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	good := []LogEntry{
		{From: StatusPending, To: StatusRouted, At: at},
		{From: StatusRouted, To: StatusInProgress, At: at.Add(time.Minute)},
		{From: StatusInProgress, To: StatusCompleted, At: at.Add(2 * time.Minute)},
		{From: StatusCompleted, To: StatusRejected, At: at.Add(2 * time.Minute)},
		{From: StatusRejected, To: StatusPending, At: at.Add(3 * time.Minute)},
	}
	require.NoError(t, VerifyHistory(good))

	gap := []LogEntry{
		{From: StatusPending, To: StatusRouted, At: at},
		{From: StatusInProgress, To: StatusCompleted, At: at},
	}
	assert.Error(t, VerifyHistory(gap))

	skip := []LogEntry{{From: StatusPending, To: StatusCompleted, At: at}}
	assert.Error(t, VerifyHistory(skip))

	backwards := []LogEntry{
		{From: StatusPending, To: StatusRouted, At: at},
		{From: StatusRouted, To: StatusInProgress, At: at.Add(-time.Second)},
	}
	assert.Error(t, VerifyHistory(backwards))
}

func TestDraftValidate(t *testing.T) {
	d := Draft{TypeID: "t", SurveyID: " ", Location: "L1"}
	err := d.Validate()
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, e.Kind)
	assert.Equal(t, "survey_id", e.Field)

	d = Draft{TypeID: "t", SurveyID: "S1", Location: " L1 "}
	require.NoError(t, d.Validate())
	assert.Equal(t, "L1", d.Location)
}

func TestResponseValidate(t *testing.T) {
	r := Response{Text: "listo"}
	assert.ErrorIs(t, r.Validate(), apperr.ErrValidation)

	r = Response{Text: "listo", Media: []Media{{Kind: "audio", URI: "a.mp3"}}}
	assert.ErrorIs(t, r.Validate(), apperr.ErrValidation)

	r = Response{Text: "listo", Media: []Media{{Kind: MediaImage, URI: "foto.jpg"}}}
	assert.NoError(t, r.Validate())
}
