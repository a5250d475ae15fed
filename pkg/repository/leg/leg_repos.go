//nolint:whitespace // can't make both editor and linter happy
package leg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mpapenbr/sprint-relay/pkg/model"
	"github.com/mpapenbr/sprint-relay/pkg/repository"
)

const legColumns = "id, session_id, leg_index, start_time, end_time"

func Create(
	ctx context.Context,
	conn repository.Querier,
	sessionID int64,
	legIndex int,
	startTime time.Time,
) (*model.Leg, error) {
	row := conn.QueryRow(ctx, `
	insert into leg (session_id, leg_index, start_time)
	values ($1, $2, $3)
	returning `+legColumns,
		sessionID, legIndex, startTime)
	return scanLeg(row)
}

func LoadByID(ctx context.Context, conn repository.Querier, id int64) (*model.Leg, error) {
	row := conn.QueryRow(ctx, "select "+legColumns+" from leg where id=$1", id)
	return scanLeg(row)
}

// LoadLatest returns the newest leg with the given index
func LoadLatest(
	ctx context.Context,
	conn repository.Querier,
	sessionID int64,
	legIndex int,
) (*model.Leg, error) {
	row := conn.QueryRow(ctx, `
	select `+legColumns+` from leg
	where session_id=$1 and leg_index=$2
	order by id desc limit 1
	`, sessionID, legIndex)
	return scanLeg(row)
}

func LoadBySession(
	ctx context.Context,
	conn repository.Querier,
	sessionID int64,
) ([]*model.Leg, error) {
	rows, err := conn.Query(ctx,
		"select "+legColumns+" from leg where session_id=$1 order by id asc",
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ret := make([]*model.Leg, 0)
	for rows.Next() {
		item, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, item)
	}
	return ret, rows.Err()
}

// Close stamps the end time of an open leg. The end time is kept strictly
// after the start time. Returns pgx.ErrNoRows if the leg is unknown, has no
// start time or is already closed.
func Close(
	ctx context.Context,
	conn repository.Querier,
	id int64,
	endTime time.Time,
) (*model.Leg, error) {
	row := conn.QueryRow(ctx, `
	update leg set end_time=greatest($2, start_time + interval '1 microsecond')
	where id=$1 and end_time is null and start_time is not null
	returning `+legColumns,
		id, endTime)
	return scanLeg(row)
}

func scanLeg(row pgx.Row) (*model.Leg, error) {
	var item model.Leg
	if err := row.Scan(
		&item.ID, &item.SessionID, &item.LegIndex, &item.StartTime, &item.EndTime,
	); err != nil {
		return nil, err
	}
	return &item, nil
}
