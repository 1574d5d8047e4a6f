// Package memstore is an in-process implementation of store.Store used by
// tests and local runs without Postgres. Transactions are serialized and work
// on a copy of the state that replaces the committed state only on success.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"incidentdesk.org/internal/ids"
	"incidentdesk.org/internal/incident"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
)

type entityKey struct {
	kind org.Kind
	id   string
}

type state struct {
	persons   map[org.PersonID]org.Person
	entities  map[entityKey]org.Entity
	members   map[entityKey]map[org.PersonID]org.Membership
	incidents map[string]incident.Incident
	log       map[string][]incident.LogEntry
}

func newState() *state {
	return &state{
		persons:   map[org.PersonID]org.Person{},
		entities:  map[entityKey]org.Entity{},
		members:   map[entityKey]map[org.PersonID]org.Membership{},
		incidents: map[string]incident.Incident{},
		log:       map[string][]incident.LogEntry{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.persons {
		c.persons[k] = v
	}
	for k, v := range s.entities {
		c.entities[k] = v
	}
	for k, m := range s.members {
		cm := make(map[org.PersonID]org.Membership, len(m))
		for p, v := range m {
			cm[p] = v
		}
		c.members[k] = cm
	}
	for k, v := range s.incidents {
		c.incidents[k] = cloneIncident(v)
	}
	for k, v := range s.log {
		c.log[k] = append([]incident.LogEntry(nil), v...)
	}
	return c
}

func cloneIncident(in incident.Incident) incident.Incident {
	out := in
	if in.StartedAt != nil {
		t := *in.StartedAt
		out.StartedAt = &t
	}
	if in.Rejection != nil {
		r := *in.Rejection
		out.Rejection = &r
	}
	if in.Response != nil {
		r := *in.Response
		r.Media = append([]incident.Media(nil), in.Response.Media...)
		out.Response = &r
	}
	return out
}

// Store keeps everything in memory.
type Store struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source, for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.data.clone()
	if err := fn(ctx, &tx{st: work, now: s.now}); err != nil {
		return err
	}
	s.data = work
	return nil
}

type tx struct {
	st  *state
	now func() time.Time
}

var _ store.Tx = (*tx)(nil)

// --- persons ---

func (t *tx) CreatePerson(_ context.Context, p org.Person) (org.Person, error) {
	if p.ID == "" {
		p.ID = org.PersonID(ids.New())
	}
	if _, ok := t.st.persons[p.ID]; ok {
		return org.Person{}, fmt.Errorf("person %s: %w", p.ID, store.ErrDuplicate)
	}
	for _, other := range t.st.persons {
		if p.Username != "" && strings.EqualFold(other.Username, p.Username) {
			return org.Person{}, fmt.Errorf("username %s: %w", p.Username, store.ErrDuplicate)
		}
	}
	p.Role = org.NoRole{}
	p.Version = 1
	p.UpdatedAt = t.now()
	t.st.persons[p.ID] = p
	return p, nil
}

func (t *tx) GetPerson(_ context.Context, id org.PersonID) (org.Person, error) {
	p, ok := t.st.persons[id]
	if !ok {
		return org.Person{}, fmt.Errorf("person %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (t *tx) LockPerson(ctx context.Context, id org.PersonID) (org.Person, error) {
	return t.GetPerson(ctx, id)
}

func (t *tx) ListPersons(_ context.Context, roles ...org.Role) ([]org.Person, error) {
	out := make([]org.Person, 0, len(t.st.persons))
	for _, p := range t.st.persons {
		if len(roles) > 0 && !containsRole(roles, p.Role) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsRole(roles []org.Role, r org.Role) bool {
	r = org.Normalize(r)
	for _, x := range roles {
		if org.Normalize(x) == r {
			return true
		}
	}
	return false
}

func (t *tx) SetPersonRole(_ context.Context, id org.PersonID, role org.Role, expectVersion int64) (org.Person, error) {
	p, ok := t.st.persons[id]
	if !ok {
		return org.Person{}, fmt.Errorf("person %s: %w", id, store.ErrNotFound)
	}
	if p.Version != expectVersion {
		return org.Person{}, fmt.Errorf("person %s: %w", id, store.ErrVersionConflict)
	}
	p.Role = org.Normalize(role)
	p.Version++
	p.UpdatedAt = t.now()
	t.st.persons[id] = p
	return p, nil
}

// --- entities ---

func (t *tx) CreateEntity(_ context.Context, e org.Entity) (org.Entity, error) {
	if e.Kind == org.KindNone || !e.Kind.Valid() {
		return org.Entity{}, fmt.Errorf("create entity: %w", org.ErrUnknownKind)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	key := entityKey{e.Kind, e.ID}
	if _, ok := t.st.entities[key]; ok {
		return org.Entity{}, fmt.Errorf("%s %s: %w", e.Kind, e.ID, store.ErrDuplicate)
	}
	switch e.Kind {
	case org.KindDepartment:
		if _, ok := t.st.entities[entityKey{org.KindDirection, e.ParentID}]; !ok {
			return org.Entity{}, fmt.Errorf("direction %s: %w", e.ParentID, store.ErrNotFound)
		}
	case org.KindCrew:
		if _, ok := t.st.entities[entityKey{org.KindDepartment, e.ParentID}]; !ok {
			return org.Entity{}, fmt.Errorf("department %s: %w", e.ParentID, store.ErrNotFound)
		}
	default:
		e.ParentID = ""
	}
	if !e.Kind.IsSingleton() {
		e.HolderID = ""
	}
	e.CreatedAt = t.now()
	t.st.entities[key] = e
	return e, nil
}

func (t *tx) GetEntity(_ context.Context, kind org.Kind, id string) (org.Entity, error) {
	e, ok := t.st.entities[entityKey{kind, id}]
	if !ok {
		return org.Entity{}, fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return e, nil
}

func (t *tx) LockEntity(ctx context.Context, kind org.Kind, id string) (org.Entity, error) {
	return t.GetEntity(ctx, kind, id)
}

func (t *tx) ListEntities(_ context.Context, kind org.Kind, parentID string) ([]org.Entity, error) {
	var out []org.Entity
	for k, e := range t.st.entities {
		if k.kind != kind || (parentID != "" && e.ParentID != parentID) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) SetEntityActive(_ context.Context, kind org.Kind, id string, active bool) error {
	key := entityKey{kind, id}
	e, ok := t.st.entities[key]
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	e.Active = active
	t.st.entities[key] = e
	return nil
}

func (t *tx) SetHolder(_ context.Context, kind org.Kind, id string, holder org.PersonID) error {
	if !kind.IsSingleton() {
		return fmt.Errorf("set holder on %s: %w", kind, org.ErrInvalidRole)
	}
	key := entityKey{kind, id}
	e, ok := t.st.entities[key]
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	e.HolderID = holder
	t.st.entities[key] = e
	return nil
}

func (t *tx) HeldBy(_ context.Context, person org.PersonID) ([]org.Entity, error) {
	var out []org.Entity
	for _, e := range t.st.entities {
		if e.Kind.IsSingleton() && e.HolderID == person && person != "" {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- memberships ---

func (t *tx) ListMembers(_ context.Context, kind org.Kind, entityID string) ([]org.Membership, error) {
	m := t.st.members[entityKey{kind, entityID}]
	out := make([]org.Membership, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sortMemberships(out)
	return out, nil
}

func (t *tx) MembershipsOf(_ context.Context, person org.PersonID) ([]org.Membership, error) {
	var out []org.Membership
	for _, m := range t.st.members {
		if v, ok := m[person]; ok {
			out = append(out, v)
		}
	}
	sortMemberships(out)
	return out, nil
}

func sortMemberships(ms []org.Membership) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		if ms[i].Kind != ms[j].Kind {
			return ms[i].Kind < ms[j].Kind
		}
		return ms[i].PersonID < ms[j].PersonID
	})
}

func (t *tx) AddMember(_ context.Context, m org.Membership) error {
	if !m.Kind.IsMembership() {
		return fmt.Errorf("add member to %s: %w", m.Kind, org.ErrInvalidRole)
	}
	key := entityKey{m.Kind, m.EntityID}
	if _, ok := t.st.entities[key]; !ok {
		return fmt.Errorf("%s %s: %w", m.Kind, m.EntityID, store.ErrNotFound)
	}
	if _, ok := t.st.persons[m.PersonID]; !ok {
		return fmt.Errorf("person %s: %w", m.PersonID, store.ErrNotFound)
	}
	for k, rows := range t.st.members {
		if k.kind != m.Kind {
			continue
		}
		if _, ok := rows[m.PersonID]; ok {
			return fmt.Errorf("%s membership of %s: %w", m.Kind, m.PersonID, store.ErrDuplicate)
		}
	}
	if !m.Kind.SupportsManager() {
		m.Manager = false
	}
	m.CreatedAt = t.now()
	if t.st.members[key] == nil {
		t.st.members[key] = map[org.PersonID]org.Membership{}
	}
	t.st.members[key][m.PersonID] = m
	return nil
}

func (t *tx) SetManager(_ context.Context, kind org.Kind, entityID string, person org.PersonID, manager bool) error {
	key := entityKey{kind, entityID}
	m, ok := t.st.members[key][person]
	if !ok {
		return fmt.Errorf("membership %s/%s: %w", entityID, person, store.ErrNotFound)
	}
	m.Manager = manager && kind.SupportsManager()
	t.st.members[key][person] = m
	return nil
}

func (t *tx) RemoveMember(_ context.Context, kind org.Kind, entityID string, person org.PersonID) error {
	key := entityKey{kind, entityID}
	if _, ok := t.st.members[key][person]; !ok {
		return fmt.Errorf("membership %s/%s: %w", entityID, person, store.ErrNotFound)
	}
	delete(t.st.members[key], person)
	return nil
}

// --- incidents ---

func (t *tx) CreateIncident(_ context.Context, inc incident.Incident) (incident.Incident, error) {
	if inc.ID == "" {
		inc.ID = ids.New()
	}
	if _, ok := t.st.incidents[inc.ID]; ok {
		return incident.Incident{}, fmt.Errorf("incident %s: %w", inc.ID, store.ErrDuplicate)
	}
	now := t.now()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	inc.Version = 1
	t.st.incidents[inc.ID] = cloneIncident(inc)
	return inc, nil
}

func (t *tx) GetIncident(_ context.Context, id string) (incident.Incident, error) {
	inc, ok := t.st.incidents[id]
	if !ok {
		return incident.Incident{}, fmt.Errorf("incident %s: %w", id, store.ErrNotFound)
	}
	return cloneIncident(inc), nil
}

func (t *tx) LockIncident(ctx context.Context, id string) (incident.Incident, error) {
	return t.GetIncident(ctx, id)
}

func (t *tx) UpdateIncident(_ context.Context, inc incident.Incident, expectVersion int64) (incident.Incident, error) {
	cur, ok := t.st.incidents[inc.ID]
	if !ok {
		return incident.Incident{}, fmt.Errorf("incident %s: %w", inc.ID, store.ErrNotFound)
	}
	if cur.Version != expectVersion {
		return incident.Incident{}, fmt.Errorf("incident %s: %w", inc.ID, store.ErrVersionConflict)
	}
	inc.CreatedAt = cur.CreatedAt
	inc.Version = expectVersion + 1
	inc.UpdatedAt = t.now()
	t.st.incidents[inc.ID] = cloneIncident(inc)
	return inc, nil
}

func (t *tx) CountByStatus(_ context.Context, territorial org.TerritorialID) (map[incident.Status]int, error) {
	out := map[incident.Status]int{}
	for _, inc := range t.st.incidents {
		if territorial != "" && inc.TerritorialID != territorial {
			continue
		}
		out[inc.Status]++
	}
	return out, nil
}

// --- log ---

func (t *tx) InsertLogEntry(_ context.Context, e incident.LogEntry) error {
	if _, ok := t.st.incidents[e.IncidentID]; !ok {
		return fmt.Errorf("incident %s: %w", e.IncidentID, store.ErrNotFound)
	}
	for _, prev := range t.st.log[e.IncidentID] {
		if prev.Seq == e.Seq || prev.ID == e.ID {
			return fmt.Errorf("log entry %d: %w", e.Seq, store.ErrDuplicate)
		}
	}
	t.st.log[e.IncidentID] = append(t.st.log[e.IncidentID], e)
	return nil
}

func (t *tx) LastLogEntry(_ context.Context, incidentID string) (incident.LogEntry, bool, error) {
	entries := t.st.log[incidentID]
	if len(entries) == 0 {
		return incident.LogEntry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (t *tx) ListLogEntries(_ context.Context, incidentID string) ([]incident.LogEntry, error) {
	out := append([]incident.LogEntry(nil), t.st.log[incidentID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}
