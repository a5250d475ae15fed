package session

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"gotest.tools/v3/assert"

	"github.com/mpapenbr/sprint-relay/pkg/model"
)

var sessionCols = []string{"id", "session_code", "distances", "status", "created_at"}

func TestCreate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NilError(t, err)
	defer mock.Close()

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("insert into session (session_code, distances, status)")).
		WithArgs("k3x9ab", []int{30, 60, 100}, "created").
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow(int64(1), "k3x9ab", []int{30, 60, 100}, "created", created))

	got, err := Create(context.Background(), mock, "k3x9ab", []int{30, 60, 100})
	assert.NilError(t, err)
	want := &model.Session{
		ID:        1,
		Code:      "k3x9ab",
		Distances: []int{30, 60, 100},
		CreatedAt: created,
		Status:    model.SessionCreated,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Create() mismatch (-want +got):\n%s", diff)
	}
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestLoadByCodeNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NilError(t, err)
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("where session_code=$1")).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(sessionCols))

	_, err = LoadByCode(context.Background(), mock, "nope")
	assert.Assert(t, errors.Is(err, pgx.ErrNoRows))
	assert.NilError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NilError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("update session set status=$1 where id=$2")).
		WithArgs("completed", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := UpdateStatus(context.Background(), mock, 1, model.SessionCompleted)
	assert.NilError(t, err)
	assert.Equal(t, n, 1)
	assert.NilError(t, mock.ExpectationsWereMet())
}
