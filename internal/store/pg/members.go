package pg

import (
	"context"
	"fmt"

	"incidentdesk.org/internal/org"
)

func (t *tx) ListMembers(ctx context.Context, kind org.Kind, entityID string) ([]org.Membership, error) {
	tbl, err := membershipTableFor(kind)
	if err != nil {
		return nil, err
	}
	return t.queryMembers(ctx, kind, tbl, tbl.entityCol, entityID)
}

func (t *tx) MembershipsOf(ctx context.Context, person org.PersonID) ([]org.Membership, error) {
	var out []org.Membership
	for _, kind := range membershipKinds {
		ms, err := t.queryMembers(ctx, kind, membershipTables[kind], "person_id", string(person))
		if err != nil {
			return nil, err
		}
		out = append(out, ms...)
	}
	return out, nil
}

func (t *tx) queryMembers(ctx context.Context, kind org.Kind, tbl membershipTable, col, value string) ([]org.Membership, error) {
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		select %s, person_id, %s, created_at
		from %s
		where %s = $1
		order by created_at, person_id`,
		tbl.entityCol, tbl.managerExpr(), tbl.table, col), value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []org.Membership
	for rows.Next() {
		m := org.Membership{Kind: kind}
		if err := rows.Scan(&m.EntityID, &m.PersonID, &m.Manager, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) AddMember(ctx context.Context, m org.Membership) error {
	tbl, err := membershipTableFor(m.Kind)
	if err != nil {
		return err
	}
	var query string
	args := []any{m.EntityID, m.PersonID}
	if tbl.manager {
		query = fmt.Sprintf(`insert into %s (%s, person_id, manager) values ($1, $2, $3)`, tbl.table, tbl.entityCol)
		args = append(args, m.Manager)
	} else {
		query = fmt.Sprintf(`insert into %s (%s, person_id) values ($1, $2)`, tbl.table, tbl.entityCol)
	}
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("add %s member %s: %w", m.Kind, m.PersonID, mapError(err))
	}
	return nil
}

func (t *tx) SetManager(ctx context.Context, kind org.Kind, entityID string, person org.PersonID, manager bool) error {
	tbl, err := membershipTableFor(kind)
	if err != nil {
		return err
	}
	if !tbl.manager {
		// Crew rosters have no flag; only confirm the row exists.
		res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`update %s set person_id = person_id where %s = $1 and person_id = $2`,
			tbl.table, tbl.entityCol), entityID, person)
		if err != nil {
			return err
		}
		return expectOne(res, "membership", entityID+"/"+string(person))
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`update %s set manager = $3 where %s = $1 and person_id = $2`,
		tbl.table, tbl.entityCol), entityID, person, manager)
	if err != nil {
		return err
	}
	return expectOne(res, "membership", entityID+"/"+string(person))
}

func (t *tx) RemoveMember(ctx context.Context, kind org.Kind, entityID string, person org.PersonID) error {
	tbl, err := membershipTableFor(kind)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where %s = $1 and person_id = $2`,
		tbl.table, tbl.entityCol), entityID, person)
	if err != nil {
		return err
	}
	return expectOne(res, "membership", entityID+"/"+string(person))
}
