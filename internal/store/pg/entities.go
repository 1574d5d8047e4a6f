package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"incidentdesk.org/internal/ids"
	"incidentdesk.org/internal/org"
)

func scanEntity(kind org.Kind, row rowScanner) (org.Entity, error) {
	e := org.Entity{Kind: kind}
	var holder string
	if err := row.Scan(&e.ID, &e.Name, &e.ParentID, &e.Region, &holder, &e.Active, &e.CreatedAt); err != nil {
		return org.Entity{}, err
	}
	e.HolderID = org.PersonID(holder)
	return e, nil
}

func (t *tx) CreateEntity(ctx context.Context, e org.Entity) (org.Entity, error) {
	tbl, err := entityTableFor(e.Kind)
	if err != nil {
		return org.Entity{}, err
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	cols := "id, name, active"
	vals := "$1, $2, $3"
	args := []any{e.ID, e.Name, e.Active}
	if tbl.parentCol != "" {
		args = append(args, e.ParentID)
		cols += ", " + tbl.parentCol
		vals += fmt.Sprintf(", $%d", len(args))
	}
	if tbl.hasRegion {
		args = append(args, e.Region)
		cols += ", region"
		vals += fmt.Sprintf(", $%d", len(args))
	}
	row := t.tx.QueryRowContext(ctx,
		`insert into `+tbl.table+` (`+cols+`) values (`+vals+`) returning `+tbl.columns(), args...)
	out, err := scanEntity(e.Kind, row)
	if err != nil {
		return org.Entity{}, fmt.Errorf("create %s %s: %w", e.Kind, e.ID, mapError(err))
	}
	return out, nil
}

func (t *tx) GetEntity(ctx context.Context, kind org.Kind, id string) (org.Entity, error) {
	return t.selectEntity(ctx, kind, id, "")
}

func (t *tx) LockEntity(ctx context.Context, kind org.Kind, id string) (org.Entity, error) {
	return t.selectEntity(ctx, kind, id, " for update")
}

func (t *tx) selectEntity(ctx context.Context, kind org.Kind, id, suffix string) (org.Entity, error) {
	tbl, err := entityTableFor(kind)
	if err != nil {
		return org.Entity{}, err
	}
	e, err := scanEntity(kind, t.tx.QueryRowContext(ctx,
		`select `+tbl.columns()+` from `+tbl.table+` where id = $1`+suffix, id))
	if errors.Is(err, sql.ErrNoRows) {
		return org.Entity{}, notFound(kind.String(), id)
	}
	return e, err
}

func (t *tx) ListEntities(ctx context.Context, kind org.Kind, parentID string) ([]org.Entity, error) {
	tbl, err := entityTableFor(kind)
	if err != nil {
		return nil, err
	}
	query := `select ` + tbl.columns() + ` from ` + tbl.table
	var args []any
	if parentID != "" {
		if tbl.parentCol == "" {
			return nil, nil
		}
		query += ` where ` + tbl.parentCol + ` = $1`
		args = append(args, parentID)
	}
	query += ` order by name, id`
	return t.queryEntities(ctx, kind, query, args...)
}

func (t *tx) queryEntities(ctx context.Context, kind org.Kind, query string, args ...any) ([]org.Entity, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []org.Entity
	for rows.Next() {
		e, err := scanEntity(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *tx) SetEntityActive(ctx context.Context, kind org.Kind, id string, active bool) error {
	tbl, err := entityTableFor(kind)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `update `+tbl.table+` set active = $2 where id = $1`, id, active)
	if err != nil {
		return err
	}
	return expectOne(res, kind.String(), id)
}

func (t *tx) SetHolder(ctx context.Context, kind org.Kind, id string, holder org.PersonID) error {
	tbl, err := entityTableFor(kind)
	if err != nil {
		return err
	}
	if !tbl.hasHolder {
		return fmt.Errorf("set holder on %s: %w", kind, org.ErrInvalidRole)
	}
	res, err := t.tx.ExecContext(ctx, `update `+tbl.table+` set holder_id = $2 where id = $1`, id, nullIfEmpty(string(holder)))
	if err != nil {
		return mapError(err)
	}
	return expectOne(res, kind.String(), id)
}

func (t *tx) HeldBy(ctx context.Context, person org.PersonID) ([]org.Entity, error) {
	var out []org.Entity
	for _, kind := range []org.Kind{org.KindTerritorial, org.KindSecpla} {
		tbl := entityTables[kind]
		ents, err := t.queryEntities(ctx, kind,
			`select `+tbl.columns()+` from `+tbl.table+` where holder_id = $1 order by id`, person)
		if err != nil {
			return nil, err
		}
		out = append(out, ents...)
	}
	return out, nil
}
