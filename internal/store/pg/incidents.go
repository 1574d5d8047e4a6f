package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"incidentdesk.org/internal/ids"
	"incidentdesk.org/internal/incident"
	"incidentdesk.org/internal/org"
)

const incidentColumns = `id, type_id, survey_id, description, location, territorial_id, coalesce(crew_id, ''),
	status, created_at, started_at, rejection_motive, rejection_text, rejected_at,
	response_text, response_media, responded_at, version, updated_at`

func scanIncident(row rowScanner) (incident.Incident, error) {
	var (
		inc                 incident.Incident
		crew, status        string
		started, rejectedAt sql.NullTime
		respondedAt         sql.NullTime
		motive, rejectText  sql.NullString
		respText            sql.NullString
		media               []byte
	)
	if err := row.Scan(&inc.ID, &inc.TypeID, &inc.SurveyID, &inc.Description, &inc.Location, &inc.TerritorialID, &crew,
		&status, &inc.CreatedAt, &started, &motive, &rejectText, &rejectedAt,
		&respText, &media, &respondedAt, &inc.Version, &inc.UpdatedAt); err != nil {
		return incident.Incident{}, err
	}
	inc.CrewID = org.CrewID(crew)
	st, err := incident.ParseStatus(status)
	if err != nil {
		return incident.Incident{}, fmt.Errorf("incident %s: %w", inc.ID, err)
	}
	inc.Status = st
	if started.Valid {
		t := started.Time
		inc.StartedAt = &t
	}
	if motive.Valid {
		m, err := incident.ParseMotive(motive.String)
		if err != nil {
			return incident.Incident{}, fmt.Errorf("incident %s: %w", inc.ID, err)
		}
		inc.Rejection = &incident.Rejection{Motive: m, Text: rejectText.String, At: rejectedAt.Time}
	}
	if respText.Valid {
		r := &incident.Response{Text: respText.String, At: respondedAt.Time}
		if len(media) > 0 {
			if err := json.Unmarshal(media, &r.Media); err != nil {
				return incident.Incident{}, fmt.Errorf("decode media of %s: %w", inc.ID, err)
			}
		}
		inc.Response = r
	}
	return inc, nil
}

// incidentArgs flattens the mutable columns, in the order used by insert and
// update below ($2..$15).
func incidentArgs(inc incident.Incident) ([]any, error) {
	var (
		started, rejectedAt, respondedAt sql.NullTime
		motive, rejectText, respText     sql.NullString
		media                            []byte
	)
	if inc.StartedAt != nil {
		started = sql.NullTime{Time: *inc.StartedAt, Valid: true}
	}
	if inc.Rejection != nil {
		motive = sql.NullString{String: inc.Rejection.Motive.String(), Valid: true}
		rejectText = sql.NullString{String: inc.Rejection.Text, Valid: true}
		rejectedAt = sql.NullTime{Time: inc.Rejection.At, Valid: true}
	}
	if inc.Response != nil {
		respText = sql.NullString{String: inc.Response.Text, Valid: true}
		respondedAt = sql.NullTime{Time: inc.Response.At, Valid: true}
		var err error
		media, err = json.Marshal(inc.Response.Media)
		if err != nil {
			return nil, fmt.Errorf("encode media: %w", err)
		}
	}
	return []any{
		inc.TypeID, inc.SurveyID, inc.Description, inc.Location, string(inc.TerritorialID),
		nullIfEmpty(string(inc.CrewID)), inc.Status.String(), started,
		motive, rejectText, rejectedAt, respText, media, respondedAt,
	}, nil
}

func (t *tx) CreateIncident(ctx context.Context, inc incident.Incident) (incident.Incident, error) {
	if inc.ID == "" {
		inc.ID = ids.New()
	}
	args, err := incidentArgs(inc)
	if err != nil {
		return incident.Incident{}, err
	}
	row := t.tx.QueryRowContext(ctx, `
		insert into incidents (id, type_id, survey_id, description, location, territorial_id, crew_id,
			status, started_at, rejection_motive, rejection_text, rejected_at,
			response_text, response_media, responded_at, version)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)
		returning `+incidentColumns,
		append([]any{inc.ID}, args...)...)
	out, err := scanIncident(row)
	if err != nil {
		return incident.Incident{}, fmt.Errorf("create incident: %w", mapError(err))
	}
	return out, nil
}

func (t *tx) GetIncident(ctx context.Context, id string) (incident.Incident, error) {
	return t.selectIncident(ctx, id, "")
}

func (t *tx) LockIncident(ctx context.Context, id string) (incident.Incident, error) {
	return t.selectIncident(ctx, id, " for update")
}

func (t *tx) selectIncident(ctx context.Context, id, suffix string) (incident.Incident, error) {
	inc, err := scanIncident(t.tx.QueryRowContext(ctx, `select `+incidentColumns+` from incidents where id = $1`+suffix, id))
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Incident{}, notFound("incident", id)
	}
	return inc, err
}

func (t *tx) UpdateIncident(ctx context.Context, inc incident.Incident, expectVersion int64) (incident.Incident, error) {
	args, err := incidentArgs(inc)
	if err != nil {
		return incident.Incident{}, err
	}
	row := t.tx.QueryRowContext(ctx, `
		update incidents set
			type_id = $2, survey_id = $3, description = $4, location = $5, territorial_id = $6, crew_id = $7,
			status = $8, started_at = $9, rejection_motive = $10, rejection_text = $11, rejected_at = $12,
			response_text = $13, response_media = $14, responded_at = $15,
			version = version + 1, updated_at = now()
		where id = $1 and version = $16
		returning `+incidentColumns,
		append(append([]any{inc.ID}, args...), expectVersion)...)
	out, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Incident{}, t.missingOrStale(ctx, "incidents", "incident", inc.ID)
	}
	if err != nil {
		return incident.Incident{}, mapError(err)
	}
	return out, nil
}

func (t *tx) CountByStatus(ctx context.Context, territorial org.TerritorialID) (map[incident.Status]int, error) {
	query := `select status, count(*) from incidents`
	var args []any
	if territorial != "" {
		query += ` where territorial_id = $1`
		args = append(args, string(territorial))
	}
	query += ` group by status`
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[incident.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		st, err := incident.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

const logColumns = `id, incident_id, seq, actor_id, from_status, to_status, at, note`

func scanLogEntry(row rowScanner) (incident.LogEntry, error) {
	var (
		e        incident.LogEntry
		from, to string
	)
	if err := row.Scan(&e.ID, &e.IncidentID, &e.Seq, &e.ActorID, &from, &to, &e.At, &e.Note); err != nil {
		return incident.LogEntry{}, err
	}
	var err error
	if e.From, err = incident.ParseStatus(from); err != nil {
		return incident.LogEntry{}, err
	}
	if e.To, err = incident.ParseStatus(to); err != nil {
		return incident.LogEntry{}, err
	}
	return e, nil
}

// InsertLogEntry is the only statement that writes incident_log; the table
// rejects updates and deletes with a trigger.
func (t *tx) InsertLogEntry(ctx context.Context, e incident.LogEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		insert into incident_log (id, incident_id, seq, actor_id, from_status, to_status, at, note)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.IncidentID, e.Seq, string(e.ActorID), e.From.String(), e.To.String(), at, e.Note)
	if err != nil {
		return fmt.Errorf("log entry %d of %s: %w", e.Seq, e.IncidentID, mapError(err))
	}
	return nil
}

func (t *tx) LastLogEntry(ctx context.Context, incidentID string) (incident.LogEntry, bool, error) {
	e, err := scanLogEntry(t.tx.QueryRowContext(ctx,
		`select `+logColumns+` from incident_log where incident_id = $1 order by seq desc limit 1`, incidentID))
	if errors.Is(err, sql.ErrNoRows) {
		return incident.LogEntry{}, false, nil
	}
	if err != nil {
		return incident.LogEntry{}, false, err
	}
	return e, true, nil
}

func (t *tx) ListLogEntries(ctx context.Context, incidentID string) ([]incident.LogEntry, error) {
	rows, err := t.tx.QueryContext(ctx,
		`select `+logColumns+` from incident_log where incident_id = $1 order by at, seq`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []incident.LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
