package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"incidentdesk.org/internal/ids"
	"incidentdesk.org/internal/org"
	"incidentdesk.org/internal/store"
)

const personColumns = `id, username, first_name, last_name, role_kind, role_entity, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (org.Person, error) {
	var (
		p         org.Person
		kind, ent string
	)
	if err := row.Scan(&p.ID, &p.Username, &p.FirstName, &p.LastName, &kind, &ent, &p.Version, &p.UpdatedAt); err != nil {
		return org.Person{}, err
	}
	k, err := org.ParseKind(kind)
	if err != nil {
		return org.Person{}, fmt.Errorf("person %s: %w", p.ID, err)
	}
	p.Role, err = org.NewRole(k, ent)
	if err != nil {
		return org.Person{}, fmt.Errorf("person %s: %w", p.ID, err)
	}
	return p, nil
}

// roleColumns splits a role into the (role_kind, role_entity) pair stored on persons.
func roleColumns(r org.Role) (string, string) {
	r = org.Normalize(r)
	return r.Kind().String(), r.EntityID()
}

func (t *tx) CreatePerson(ctx context.Context, p org.Person) (org.Person, error) {
	if p.ID == "" {
		p.ID = org.PersonID(ids.New())
	}
	row := t.tx.QueryRowContext(ctx, `
		insert into persons (id, username, first_name, last_name, role_kind, role_entity, version)
		values ($1, $2, $3, $4, 'none', '', 1)
		returning `+personColumns,
		p.ID, strings.TrimSpace(p.Username), p.FirstName, p.LastName)
	out, err := scanPerson(row)
	if err != nil {
		return org.Person{}, fmt.Errorf("create person %s: %w", p.ID, mapError(err))
	}
	return out, nil
}

func (t *tx) GetPerson(ctx context.Context, id org.PersonID) (org.Person, error) {
	return t.selectPerson(ctx, id, "")
}

func (t *tx) LockPerson(ctx context.Context, id org.PersonID) (org.Person, error) {
	return t.selectPerson(ctx, id, " for update")
}

func (t *tx) selectPerson(ctx context.Context, id org.PersonID, suffix string) (org.Person, error) {
	p, err := scanPerson(t.tx.QueryRowContext(ctx, `select `+personColumns+` from persons where id = $1`+suffix, id))
	if errors.Is(err, sql.ErrNoRows) {
		return org.Person{}, notFound("person", id)
	}
	return p, err
}

func (t *tx) ListPersons(ctx context.Context, roles ...org.Role) ([]org.Person, error) {
	query := `select ` + personColumns + ` from persons`
	var args []any
	if len(roles) > 0 {
		conds := make([]string, 0, len(roles))
		for _, r := range roles {
			kind, ent := roleColumns(r)
			args = append(args, kind, ent)
			conds = append(conds, fmt.Sprintf("(role_kind = $%d and role_entity = $%d)", len(args)-1, len(args)))
		}
		query += ` where ` + strings.Join(conds, " or ")
	}
	query += ` order by id`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []org.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *tx) SetPersonRole(ctx context.Context, id org.PersonID, role org.Role, expectVersion int64) (org.Person, error) {
	kind, ent := roleColumns(role)
	p, err := scanPerson(t.tx.QueryRowContext(ctx, `
		update persons
		set role_kind = $2, role_entity = $3, version = version + 1, updated_at = now()
		where id = $1 and version = $4
		returning `+personColumns,
		id, kind, ent, expectVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return org.Person{}, t.missingOrStale(ctx, "persons", "person", string(id))
	}
	if err != nil {
		return org.Person{}, mapError(err)
	}
	return p, nil
}

// missingOrStale explains a conditional update that touched no row.
func (t *tx) missingOrStale(ctx context.Context, table, what, id string) error {
	var one int
	err := t.tx.QueryRowContext(ctx, `select 1 from `+table+` where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(what, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", what, id, store.ErrVersionConflict)
}
