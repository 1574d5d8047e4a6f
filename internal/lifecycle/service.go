// Package lifecycle drives incidents through the transition table in
// internal/incident. Each call resolves the acting person's role, checks the
// policy matrix and the actor's scope, and writes the incident together with
// its log entry in a single transaction.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/audit"
	"incidentdesk.org/internal/ids"
	"incidentdesk.org/internal/incident"
	"incidentdesk.org/internal/obs"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/policy"
	"incidentdesk.org/internal/roles"
	"incidentdesk.org/internal/store"
)

type Service struct {
	st     store.Store
	policy *policy.Enforcer
	trail  *audit.Trail
	now    func() time.Time
}

func New(st store.Store, pol *policy.Enforcer, trail *audit.Trail) *Service {
	return &Service{
		st:     st,
		policy: pol,
		trail:  trail,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Ref identifies the incident a command acts on. IfVersion, when non-zero,
// must equal the incident's current version.
type Ref struct {
	Actor      org.PersonID
	IncidentID string
	IfVersion  int64
}

// change is the outcome of one command inside its transaction.
type change struct {
	event  incident.Event
	actor  roles.Actor
	before incident.Incident
	after  incident.Incident
	entry  *incident.LogEntry
}

// Create files a new incident in the actor's territorial. No log entry is
// written since there is no previous status.
func (s *Service) Create(ctx context.Context, actor org.PersonID, d incident.Draft) (incident.Incident, error) {
	if err := d.Validate(); err != nil {
		return incident.Incident{}, err
	}
	var out incident.Incident
	err := s.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := s.authorize(ctx, tx, actor, incident.EventCreate.String())
		if err != nil {
			return err
		}
		t, _ := incident.Next(0, incident.EventCreate)
		out, err = tx.CreateIncident(ctx, incident.Incident{
			ID:            ids.New(),
			TypeID:        d.TypeID,
			SurveyID:      d.SurveyID,
			Description:   d.Description,
			Location:      d.Location,
			TerritorialID: org.TerritorialID(a.Entity.ID),
			Status:        t.To,
		})
		if err != nil {
			return fmt.Errorf("create incident: %w", err)
		}
		return nil
	})
	if err != nil {
		recordFailure(err)
		return incident.Incident{}, err
	}
	_ = audit.LogEvent(ctx, "incident.create", map[string]any{
		"incident_id":    out.ID,
		"territorial_id": string(out.TerritorialID),
		"status":         out.Status.String(),
	})
	return out, nil
}

// AssignCrew sets, replaces or removes (crew == "") the crew of an incident.
// Only a manager of the department owning the crew may do it. A new crew
// routes the incident again and discards any start time and response; an
// empty crew sends it back to pending; the same crew is a no-op. Replacing
// or removing a crew needs ref.IfVersion, so only the first assignment may
// be blind.
func (s *Service) AssignCrew(ctx context.Context, ref Ref, crew org.CrewID) (incident.Incident, error) {
	crew = org.CrewID(strings.TrimSpace(string(crew)))
	ev := incident.EventAssignCrew
	if crew == "" {
		ev = incident.EventUnassignCrew
	}
	return s.run(ctx, ref, ev, func(ctx context.Context, tx store.Tx, a roles.Actor, inc *incident.Incident) (bool, error) {
		if !a.Manager {
			return false, apperr.PermissionDenied("only department managers assign crews")
		}
		dept := org.DepartmentID(a.Entity.ID)
		h := org.NewHierarchy(tx)
		if inc.CrewID != "" {
			ok, err := h.CrewBelongsTo(ctx, inc.CrewID, dept)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return false, err
			}
			if !ok {
				return false, apperr.PermissionDenied("incident %s is handled by another department", inc.ID)
			}
		}
		if crew == inc.CrewID {
			return false, nil
		}
		if inc.CrewID != "" && ref.IfVersion == 0 {
			attempted := incident.StatusRouted
			if crew == "" {
				attempted = incident.StatusPending
			}
			return false, stale(*inc, attempted, ev, fmt.Sprintf("incident is handled by crew %s, reload and send its version to replace it", inc.CrewID))
		}
		if crew != "" {
			c, err := h.CrewFor(ctx, crew, dept)
			switch {
			case errors.Is(err, store.ErrNotFound):
				return false, apperr.InvalidAssignment(string(crew), "crew %s does not exist", crew)
			case errors.Is(err, org.ErrInactive):
				return false, apperr.InvalidAssignment(string(crew), "crew %s is inactive", c.Name)
			case errors.Is(err, org.ErrOutOfScope):
				return false, apperr.InvalidAssignment(string(crew), "crew %s does not belong to department %s", c.Name, a.Entity.Name)
			case err != nil:
				return false, err
			}
		}
		inc.CrewID = crew
		inc.StartedAt = nil
		inc.Response = nil
		return true, nil
	})
}

func (s *Service) BeginWork(ctx context.Context, ref Ref) (incident.Incident, error) {
	return s.run(ctx, ref, incident.EventBeginWork, func(_ context.Context, _ store.Tx, a roles.Actor, inc *incident.Incident) (bool, error) {
		if err := requireCrew(a, inc); err != nil {
			return false, err
		}
		now := s.now()
		inc.StartedAt = &now
		return true, nil
	})
}

// SubmitResponse records the crew's report: text plus at least one media
// reference tagged image or video.
func (s *Service) SubmitResponse(ctx context.Context, ref Ref, resp incident.Response) (incident.Incident, error) {
	if err := resp.Validate(); err != nil {
		return incident.Incident{}, err
	}
	return s.run(ctx, ref, incident.EventSubmitResponse, func(_ context.Context, _ store.Tx, a roles.Actor, inc *incident.Incident) (bool, error) {
		if err := requireCrew(a, inc); err != nil {
			return false, err
		}
		r := resp
		r.Media = append([]incident.Media(nil), resp.Media...)
		r.At = s.now()
		inc.Response = &r
		return true, nil
	})
}

func (s *Service) Approve(ctx context.Context, ref Ref) (incident.Incident, error) {
	return s.run(ctx, ref, incident.EventApprove, func(ctx context.Context, tx store.Tx, a roles.Actor, inc *incident.Incident) (bool, error) {
		return true, requireTerritorial(ctx, tx, a, inc)
	})
}

// Reject closes the current attempt with a motive. Text is optional except
// for MotiveOther.
func (s *Service) Reject(ctx context.Context, ref Ref, motive incident.Motive, text string) (incident.Incident, error) {
	text = strings.TrimSpace(text)
	if !motive.Valid() {
		return incident.Incident{}, apperr.Validation("motive", "unknown rejection motive")
	}
	if motive == incident.MotiveOther && text == "" {
		return incident.Incident{}, apperr.Validation("text", "a description is required for motive %s", motive)
	}
	note := motive.Label()
	if text != "" {
		note += ": " + text
	}
	return s.runNote(ctx, ref, incident.EventReject, note, func(ctx context.Context, tx store.Tx, a roles.Actor, inc *incident.Incident) (bool, error) {
		if err := requireTerritorial(ctx, tx, a, inc); err != nil {
			return false, err
		}
		inc.Rejection = &incident.Rejection{Motive: motive, Text: text, At: s.now()}
		return true, nil
	})
}

// Redirect reopens a rejected incident as pending with no crew.
func (s *Service) Redirect(ctx context.Context, ref Ref, note string) (incident.Incident, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return incident.Incident{}, apperr.Validation("note", "a redirect note is required")
	}
	return s.runNote(ctx, ref, incident.EventRedirect, note, func(ctx context.Context, tx store.Tx, a roles.Actor, inc *incident.Incident) (bool, error) {
		if err := requireTerritorial(ctx, tx, a, inc); err != nil {
			return false, err
		}
		inc.CrewID = ""
		inc.StartedAt = nil
		inc.Response = nil
		return true, nil
	})
}

// Get returns an incident to any actor holding an active role.
func (s *Service) Get(ctx context.Context, actor org.PersonID, id string) (incident.Incident, error) {
	var out incident.Incident
	err := s.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.authorize(ctx, tx, actor, policy.ActRead); err != nil {
			return err
		}
		var err error
		out, err = tx.GetIncident(ctx, id)
		return err
	})
	return out, err
}

// History lists the transition log of an incident, oldest first.
func (s *Service) History(ctx context.Context, actor org.PersonID, id string) ([]incident.LogEntry, error) {
	err := s.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := s.authorize(ctx, tx, actor, policy.ActRead)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.trail.ListFor(ctx, id)
}

// StatusCounts totals incidents per status for one territorial. Territorial
// actors see only their own; secpla may pass any id, or "" for all.
func (s *Service) StatusCounts(ctx context.Context, actor org.PersonID, territorial org.TerritorialID) (map[incident.Status]int, error) {
	out := make(map[incident.Status]int, len(incident.Statuses))
	err := s.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := s.authorize(ctx, tx, actor, policy.ActCounts)
		if err != nil {
			return err
		}
		if a.Kind() == org.KindTerritorial {
			if territorial == "" {
				territorial = org.TerritorialID(a.Entity.ID)
			}
			if string(territorial) != a.Entity.ID {
				return apperr.PermissionDenied("territorial %s may not view %s", a.Entity.Name, territorial)
			}
		}
		counts, err := tx.CountByStatus(ctx, territorial)
		if err != nil {
			return fmt.Errorf("count incidents: %w", err)
		}
		for _, st := range incident.Statuses {
			out[st] = counts[st]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type mutation func(ctx context.Context, tx store.Tx, a roles.Actor, inc *incident.Incident) (bool, error)

func (s *Service) run(ctx context.Context, ref Ref, ev incident.Event, fn mutation) (incident.Incident, error) {
	return s.runNote(ctx, ref, ev, "", fn)
}

// runNote is the common path of every transition: authorize, lock, check the
// version and the table, apply fn, persist, log.
func (s *Service) runNote(ctx context.Context, ref Ref, ev incident.Event, note string, fn mutation) (incident.Incident, error) {
	if strings.TrimSpace(ref.IncidentID) == "" {
		return incident.Incident{}, apperr.Validation("incident_id", "incident is required")
	}
	var ch change
	err := s.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := s.authorize(ctx, tx, ref.Actor, ev.String())
		if err != nil {
			return err
		}
		inc, err := tx.LockIncident(ctx, ref.IncidentID)
		if err != nil {
			return err
		}
		t, ok := incident.Next(inc.Status, ev)
		if ref.IfVersion != 0 && ref.IfVersion != inc.Version {
			return stale(inc, t.To, ev, fmt.Sprintf("incident changed since version %d, now %d", ref.IfVersion, inc.Version))
		}
		if !ok {
			return stale(inc, 0, ev, fmt.Sprintf("%s is not possible while the incident is %s", ev, inc.Status))
		}

		ch = change{event: ev, actor: a, before: inc}
		next := inc
		changed, err := fn(ctx, tx, a, &next)
		if err != nil {
			return err
		}
		if !changed {
			ch.after = inc
			return nil
		}
		next.Status = t.To
		ch.after, err = tx.UpdateIncident(ctx, next, inc.Version)
		if err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return stale(inc, t.To, ev, "incident was modified concurrently")
			}
			return fmt.Errorf("update incident: %w", err)
		}
		if inc.Status == t.To {
			return nil
		}
		entry, err := s.trail.Append(ctx, tx, audit.Entry{
			IncidentID: inc.ID,
			ActorID:    a.Person.ID,
			From:       inc.Status,
			To:         t.To,
			Note:       note,
		})
		if err != nil {
			return err
		}
		ch.entry = &entry
		return nil
	})
	if err != nil {
		recordFailure(err)
		return incident.Incident{}, err
	}
	s.emit(ctx, ch)
	return ch.after, nil
}

// authorize resolves the actor and checks the policy matrix for act.
func (s *Service) authorize(ctx context.Context, tx store.Tx, actor org.PersonID, act string) (roles.Actor, error) {
	if actor == "" {
		return roles.Actor{}, apperr.PermissionDenied("an acting person is required")
	}
	a, err := roles.ResolveActor(ctx, tx, actor)
	if err != nil {
		return roles.Actor{}, err
	}
	if err := s.policy.Require(a.Kind(), policy.ObjIncident, act); err != nil {
		return roles.Actor{}, err
	}
	return a, nil
}

func (s *Service) emit(ctx context.Context, ch change) {
	if ch.after.Version == ch.before.Version {
		return
	}
	fields := map[string]any{
		"incident_id": ch.after.ID,
		"event":       ch.event.String(),
		"from":        ch.before.Status.String(),
		"to":          ch.after.Status.String(),
		"actor_id":    string(ch.actor.Person.ID),
		"version":     ch.after.Version,
	}
	if ch.entry != nil {
		obs.RecordTransition(ch.entry.From.String(), ch.entry.To.String())
		fields["seq"] = ch.entry.Seq
	}
	if ch.after.CrewID != ch.before.CrewID {
		fields["crew_id"] = string(ch.after.CrewID)
	}
	_ = audit.LogEvent(ctx, "incident.transition", fields)
}

func requireCrew(a roles.Actor, inc *incident.Incident) error {
	if inc.CrewID == "" || a.Role != (org.CrewRole{ID: inc.CrewID}) {
		return apperr.PermissionDenied("incident %s is not assigned to your crew", inc.ID)
	}
	return nil
}

// requireTerritorial accepts the incident's own territorial and territorials
// sharing its region.
func requireTerritorial(ctx context.Context, tx store.Tx, a roles.Actor, inc *incident.Incident) error {
	if a.Entity.ID == string(inc.TerritorialID) {
		return nil
	}
	own, err := tx.GetEntity(ctx, org.KindTerritorial, string(inc.TerritorialID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && own.Region != "" && own.Region == a.Entity.Region {
		return nil
	}
	return apperr.PermissionDenied("incident %s belongs to another territorial", inc.ID)
}

func stale(inc incident.Incident, attempted incident.Status, ev incident.Event, msg string) error {
	target := ev.String()
	if attempted.Valid() {
		target = attempted.String()
	}
	return apperr.Stale(inc.ID, inc.Status.String(), target, msg)
}

func recordFailure(err error) {
	if kind := apperr.KindOf(err); kind != "" {
		obs.RecordFailure(string(kind))
	}
}
