//nolint:whitespace // can't make both editor and linter happy
package session

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/repository"
)

const selectSession = `
	select id, session_code, distances, status, created_at
	from session
	`

func Create(
	ctx context.Context,
	conn repository.Querier,
	code string,
	distances []int,
) (*model.Session, error) {
	row := conn.QueryRow(ctx, `
	insert into session (session_code, distances, status)
	values ($1, $2, $3)
	returning id, session_code, distances, status, created_at
	`, code, distances, string(model.SessionCreated))
	return scanSession(row)
}

func LoadByCode(
	ctx context.Context,
	conn repository.Querier,
	code string,
) (*model.Session, error) {
	row := conn.QueryRow(ctx, selectSession+"where session_code=$1", code)
	return scanSession(row)
}

func LoadByID(
	ctx context.Context,
	conn repository.Querier,
	id int64,
) (*model.Session, error) {
	row := conn.QueryRow(ctx, selectSession+"where id=$1", id)
	return scanSession(row)
}

// UpdateStatus returns the number of updated rows
func UpdateStatus(
	ctx context.Context,
	conn repository.Querier,
	id int64,
	status model.SessionStatus,
) (int, error) {
	cmdTag, err := conn.Exec(ctx,
		"update session set status=$1 where id=$2",
		string(status), id)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

// deletes a session including its legs, returns number of rows deleted.
func DeleteByID(ctx context.Context, conn repository.Querier, id int64) (int, error) {
	cmdTag, err := conn.Exec(ctx, "delete from session where id=$1", id)
	if err != nil {
		return 0, err
	}
	return int(cmdTag.RowsAffected()), nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var item model.Session
	var status string
	if err := row.Scan(
		&item.ID, &item.Code, &item.Distances, &status, &item.CreatedAt,
	); err != nil {
		return nil, err
	}
	item.Status = model.SessionStatus(status)
	return &item, nil
}
