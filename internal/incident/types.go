package incident

import (
	"strings"
	"time"

	"incidentdesk.org/internal/apperr"
	"incidentdesk.org/internal/org"
)

// Incident is a citizen-reported issue tracked through the lifecycle.
// CrewID is empty while no crew is assigned. Version guards concurrent writes.
type Incident struct {
	ID            string            `json:"id"`
	TypeID        string            `json:"type_id"`
	SurveyID      string            `json:"survey_id"`
	Description   string            `json:"description"`
	Location      string            `json:"location"`
	TerritorialID org.TerritorialID `json:"territorial_id"`
	CrewID        org.CrewID        `json:"crew_id,omitempty"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	Rejection     *Rejection        `json:"rejection,omitempty"`
	Response      *Response         `json:"response,omitempty"`
	Version       int64             `json:"version"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type Rejection struct {
	Motive Motive    `json:"motive"`
	Text   string    `json:"text,omitempty"`
	At     time.Time `json:"at"`
}

type Response struct {
	Text  string    `json:"text"`
	Media []Media   `json:"media"`
	At    time.Time `json:"at"`
}

type Media struct {
	Kind MediaKind `json:"kind"`
	URI  string    `json:"uri"`
}

// LogEntry records one status change. Entries are never updated or deleted.
type LogEntry struct {
	ID         string       `json:"id"`
	IncidentID string       `json:"incident_id"`
	Seq        int64        `json:"seq"`
	ActorID    org.PersonID `json:"actor_id"`
	From       Status       `json:"from"`
	To         Status       `json:"to"`
	At         time.Time    `json:"at"`
	Note       string       `json:"note,omitempty"`
}

// Draft is the creation payload.
type Draft struct {
	TypeID      string `json:"type_id"`
	SurveyID    string `json:"survey_id"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

func (d *Draft) Validate() error {
	d.TypeID = strings.TrimSpace(d.TypeID)
	d.SurveyID = strings.TrimSpace(d.SurveyID)
	d.Location = strings.TrimSpace(d.Location)
	d.Description = strings.TrimSpace(d.Description)
	switch {
	case d.SurveyID == "":
		return apperr.Validation("survey_id", "survey is required")
	case d.Location == "":
		return apperr.Validation("location", "location is required")
	case d.TypeID == "":
		return apperr.Validation("type_id", "incident type is required")
	}
	return nil
}

// Validate checks the crew response. Media content itself is validated by
// the upload collaborator; here only the tags and references are checked.
func (r *Response) Validate() error {
	r.Text = strings.TrimSpace(r.Text)
	if r.Text == "" {
		return apperr.Validation("text", "response text is required")
	}
	if len(r.Media) == 0 {
		return apperr.Validation("media", "at least one media file is required")
	}
	for i, m := range r.Media {
		if m.Kind != MediaImage && m.Kind != MediaVideo {
			return apperr.Validation("media", "media %d has unknown kind %q", i, m.Kind)
		}
		if strings.TrimSpace(m.URI) == "" {
			return apperr.Validation("media", "media %d has no reference", i)
		}
	}
	return nil
}
