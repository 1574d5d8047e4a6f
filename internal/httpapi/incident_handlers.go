package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/incident"
	"incidentdesk.org/internal/lifecycle"
	"incidentdesk.org/internal/org"
)

type transitionRequest struct {
	IfVersion int64 `json:"if_version"`
}

type crewRequest struct {
	CrewID    string `json:"crew_id"`
	IfVersion int64  `json:"if_version"`
}

type responseRequest struct {
	Text      string           `json:"text"`
	Media     []incident.Media `json:"media"`
	IfVersion int64            `json:"if_version"`
}

type rejectRequest struct {
	Motive    string `json:"motive"`
	Text      string `json:"text"`
	IfVersion int64  `json:"if_version"`
}

type redirectRequest struct {
	Note      string `json:"note"`
	IfVersion int64  `json:"if_version"`
}

// ref builds the lifecycle reference for the {id} in the path.
func ref(r *http.Request, bodyVersion int64) (lifecycle.Ref, error) {
	v, err := ifVersion(r, bodyVersion)
	if err != nil {
		return lifecycle.Ref{}, err
	}
	return lifecycle.Ref{
		Actor:      actorFrom(r),
		IncidentID: chi.URLParam(r, "id"),
		IfVersion:  v,
	}, nil
}

// decodeOptional is decodeJSON for bodies that may be omitted.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, dst)
}

func (a *API) createIncident(w http.ResponseWriter, r *http.Request) {
	var d incident.Draft
	if err := decodeJSON(r, &d); err != nil {
		handleError(w, r, err)
		return
	}
	inc, err := a.lifecycle.Create(r.Context(), actorFrom(r), d)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/incidents/"+inc.ID)
	writeIncident(w, http.StatusCreated, inc)
}

func (a *API) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.lifecycle.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeIncident(w, http.StatusOK, inc)
}

func (a *API) incidentHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := a.lifecycle.History(r.Context(), actorFrom(r), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []incident.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": id,
		"entries":     entries,
	})
}

func (a *API) assignCrew(w http.ResponseWriter, r *http.Request) {
	var req crewRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	rf, err := ref(r, req.IfVersion)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respond(w, r)(a.lifecycle.AssignCrew(r.Context(), rf, org.CrewID(req.CrewID)))
}

func (a *API) beginWork(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeOptional(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	rf, err := ref(r, req.IfVersion)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respond(w, r)(a.lifecycle.BeginWork(r.Context(), rf))
}

func (a *API) submitResponse(w http.ResponseWriter, r *http.Request) {
	var req responseRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	rf, err := ref(r, req.IfVersion)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respond(w, r)(a.lifecycle.SubmitResponse(r.Context(), rf, incident.Response{Text: req.Text, Media: req.Media}))
}

func (a *API) approve(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeOptional(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	rf, err := ref(r, req.IfVersion)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respond(w, r)(a.lifecycle.Approve(r.Context(), rf))
}

func (a *API) reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	motive, err := incident.ParseMotive(req.Motive)
	if err != nil {
		handleError(w, r, apperr.Validation("motive", "%v", err))
		return
	}
	rf, err := ref(r, req.IfVersion)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respond(w, r)(a.lifecycle.Reject(r.Context(), rf, motive, req.Text))
}

func (a *API) redirect(w http.ResponseWriter, r *http.Request) {
	var req redirectRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	rf, err := ref(r, req.IfVersion)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respond(w, r)(a.lifecycle.Redirect(r.Context(), rf, req.Note))
}

func (a *API) statusCounts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	territorial := org.TerritorialID(id)
	if id == "all" {
		territorial = ""
	}
	counts, err := a.lifecycle.StatusCounts(r.Context(), actorFrom(r), territorial)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"territorial_id": id,
		"counts":         counts,
	})
}

// respond adapts a lifecycle command result to the response.
func respond(w http.ResponseWriter, r *http.Request) func(incident.Incident, error) {
	return func(inc incident.Incident, err error) {
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeIncident(w, http.StatusOK, inc)
	}
}

func writeIncident(w http.ResponseWriter, code int, inc incident.Incident) {
	w.Header().Set("ETag", `"`+strconv.FormatInt(inc.Version, 10)+`"`)
	writeJSON(w, code, inc)
}
