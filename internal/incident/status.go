package incident

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownStatus = errors.New("unknown status")
	ErrUnknownMotive = errors.New("unknown motive")
	ErrUnknownMedia  = errors.New("unknown media kind")
)

// Status is the closed set of incident states. The zero value is not a status.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusRouted
	StatusInProgress
	StatusCompleted
	StatusApproved
	StatusRejected
)

var statusNames = map[Status]string{
	StatusPending:    "pending",
	StatusRouted:     "routed",
	StatusInProgress: "in_progress",
	StatusCompleted:  "completed",
	StatusApproved:   "approved",
	StatusRejected:   "rejected",
}

// Statuses lists every status in forward order.
var Statuses = []Status{StatusPending, StatusRouted, StatusInProgress, StatusCompleted, StatusApproved, StatusRejected}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether the incident can no longer change. Rejected is
// recoverable through redirect and is therefore not terminal.
func (s Status) Terminal() bool { return s == StatusApproved }

func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// legacyStatuses maps the free-text values found in older data to the
// canonical model. It is only consulted by data migration and import tooling.
var legacyStatuses = map[string]Status{
	"":           StatusPending,
	"creada":     StatusPending,
	"recibida":   StatusPending,
	"pendiente":  StatusPending,
	"derivada":   StatusRouted,
	"en proceso": StatusInProgress,
	"finalizada": StatusCompleted,
	"aprobada":   StatusApproved,
	"rechazada":  StatusRejected,
}

// NormalizeLegacy maps a legacy status string to a canonical status.
func NormalizeLegacy(v string) (Status, bool) {
	if s, err := ParseStatus(v); err == nil {
		return s, true
	}
	s, ok := legacyStatuses[strings.TrimSpace(strings.ToLower(v))]
	return s, ok
}

// Motive is the closed set of rejection reasons.
type Motive uint8

const (
	MotiveIncomplete Motive = iota + 1
	MotiveDuplicate
	MotiveOutOfScope
	MotiveWrongLocation
	MotiveOther
)

var motiveNames = map[Motive]string{
	MotiveIncomplete:    "incomplete",
	MotiveDuplicate:     "duplicate",
	MotiveOutOfScope:    "out_of_scope",
	MotiveWrongLocation: "wrong_location",
	MotiveOther:         "other",
}

var motiveLabels = map[Motive]string{
	MotiveIncomplete:    "Incompleto",
	MotiveDuplicate:     "Duplicado",
	MotiveOutOfScope:    "Fuera de competencia",
	MotiveWrongLocation: "Ubicación incorrecta",
	MotiveOther:         "Otro",
}

func (m Motive) String() string {
	if name, ok := motiveNames[m]; ok {
		return name
	}
	return fmt.Sprintf("motive(%d)", uint8(m))
}

func (m Motive) Label() string { return motiveLabels[m] }

func (m Motive) Valid() bool {
	_, ok := motiveNames[m]
	return ok
}

func ParseMotive(v string) (Motive, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	for m, name := range motiveNames {
		if name == v {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMotive, v)
}

func (m Motive) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMotive, uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Motive) UnmarshalText(b []byte) error {
	v, err := ParseMotive(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MediaKind tags an attachment of a crew response.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

func ParseMediaKind(v string) (MediaKind, error) {
	switch MediaKind(strings.TrimSpace(strings.ToLower(v))) {
	case MediaImage:
		return MediaImage, nil
	case MediaVideo:
		return MediaVideo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMedia, v)
}
