package basedata

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mpapenbr/sprint-relay/pkg/model"
	sessionrepo "github.com/mpapenbr/sprint-relay/pkg/repository/session"
)

const SampleSessionCode = "t3st01"

func TestTime() time.Time {
	t, _ := time.Parse(time.RFC3339, "2024-04-28T11:10:12Z")
	return t
}

func SampleDistances() []int {
	return []int{30, 60, 100}
}

// CreateSampleSession stores a session with the sample markers
func CreateSampleSession(pool *pgxpool.Pool) *model.Session {
	var ret *model.Session
	err := pgx.BeginFunc(context.Background(), pool, func(tx pgx.Tx) error {
		var err error
		ret, err = sessionrepo.Create(context.Background(), tx,
			SampleSessionCode, SampleDistances())
		return err
	})
	if err != nil {
		log.Fatalf("createSampleSession: %v\n", err)
	}
	return ret
}
