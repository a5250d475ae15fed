//nolint:funlen // ok for tests
package leg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"gotest.tools/v3/assert"
)

var legCols = []string{"id", "session_id", "leg_index", "start_time", "end_time"}

func ts(offset time.Duration) *time.Time {
	ret := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Add(offset)
	return &ret
}

func TestCreate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NilError(t, err)
	defer mock.Close()

	start := ts(0)
	mock.ExpectQuery(regexp.QuoteMeta("insert into leg (session_id, leg_index, start_time)")).
		WithArgs(int64(1), 0, *start).
		WillReturnRows(pgxmock.NewRows(legCols).
			AddRow(int64(10), int64(1), 0, start, (*time.Time)(nil)))

	got, err := Create(context.Background(), mock, 1, 0, *start)
	assert.NilError(t, err)
	assert.Equal(t, got.ID, int64(10))
	assert.Assert(t, got.Open())
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestClose(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NilError(t, err)
	defer mock.Close()

	end := ts(4200 * time.Millisecond)
	mock.ExpectQuery(regexp.QuoteMeta("update leg set end_time=greatest($2, start_time + interval '1 microsecond')")).
		WithArgs(int64(10), *end).
		WillReturnRows(pgxmock.NewRows(legCols).
			AddRow(int64(10), int64(1), 0, ts(0), end))

	got, err := Close(context.Background(), mock, 10, *end)
	assert.NilError(t, err)
	assert.Assert(t, got.Closed())
	d, ok := got.Duration()
	assert.Assert(t, ok)
	assert.Equal(t, d, 4200*time.Millisecond)
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestCloseAlreadyClosed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NilError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("update leg set end_time")).
		WithArgs(int64(10), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(legCols))

	_, err = Close(context.Background(), mock, 10, *ts(time.Second))
	assert.Assert(t, errors.Is(err, pgx.ErrNoRows))
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestLoadLatest(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NilError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("order by id desc limit 1")).
		WithArgs(int64(1), 2).
		WillReturnRows(pgxmock.NewRows(legCols).
			AddRow(int64(12), int64(1), 2, ts(9*time.Second), (*time.Time)(nil)))

	got, err := LoadLatest(context.Background(), mock, 1, 2)
	assert.NilError(t, err)
	assert.Equal(t, got.ID, int64(12))
	assert.Equal(t, got.LegIndex, 2)
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestLoadBySession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NilError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("from leg where session_id=$1 order by id asc")).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(legCols).
			AddRow(int64(10), int64(1), 0, ts(0), ts(4200*time.Millisecond)).
			AddRow(int64(11), int64(1), 1, ts(4200*time.Millisecond), (*time.Time)(nil)))

	got, err := LoadBySession(context.Background(), mock, 1)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 2)
	assert.Assert(t, got[0].Closed())
	assert.Assert(t, got[1].Open())
	assert.NilError(t, mock.ExpectationsWereMet())
}
