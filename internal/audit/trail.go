package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/ids"
	"incidentdesk.org/internal/incident"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
)

// Entry is one status change to record.
type Entry struct {
	IncidentID string
	ActorID    org.PersonID
	From       incident.Status
	To         incident.Status
	Note       string
}

// Trail is the append-only transition history of incidents. It exposes no
// way to edit or remove an entry.
type Trail struct {
	st  store.Store
	now func() time.Time
}

func NewTrail(st store.Store) *Trail {
	return &Trail{st: st, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source, for tests.
func (t *Trail) WithClock(now func() time.Time) *Trail {
	t.now = now
	return t
}

// Append records e inside the caller's transaction. Sequence numbers are
// per incident and timestamps never go backwards relative to the previous
// entry, so the history reads in causal order even with clock skew.
func (t *Trail) Append(ctx context.Context, tx store.LogStore, e Entry) (incident.LogEntry, error) {
	if strings.TrimSpace(e.IncidentID) == "" {
		return incident.LogEntry{}, apperr.Validation("incident_id", "incident is required")
	}
	if e.ActorID == "" {
		return incident.LogEntry{}, apperr.Validation("actor_id", "actor is required")
	}
	if !e.From.Valid() || !e.To.Valid() {
		return incident.LogEntry{}, apperr.Validation("status", "unknown status in %s -> %s", e.From, e.To)
	}
	if e.From == e.To {
		return incident.LogEntry{}, apperr.Validation("status", "no status change to record")
	}

	last, ok, err := tx.LastLogEntry(ctx, e.IncidentID)
	if err != nil {
		return incident.LogEntry{}, fmt.Errorf("read last log entry: %w", err)
	}
	entry := incident.LogEntry{
		IncidentID: e.IncidentID,
		Seq:        1,
		ActorID:    e.ActorID,
		From:       e.From,
		To:         e.To,
		At:         t.now(),
		Note:       strings.TrimSpace(e.Note),
	}
	if ok {
		entry.Seq = last.Seq + 1
		if entry.At.Before(last.At) {
			entry.At = last.At
		}
	}
	entry.ID = ids.NewAt(entry.At)
	if err := tx.InsertLogEntry(ctx, entry); err != nil {
		return incident.LogEntry{}, fmt.Errorf("insert log entry: %w", err)
	}
	return entry, nil
}

// ListFor returns the history of an incident, oldest first.
func (t *Trail) ListFor(ctx context.Context, incidentID string) ([]incident.LogEntry, error) {
	var out []incident.LogEntry
	err := t.st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetIncident(ctx, incidentID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListLogEntries(ctx, incidentID)
		return err
	})
	return out, err
}
