package postgres

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/sprint-relay/log"
)

func TestMyTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewMyTracer(log.New(&buf, log.DebugLevel), log.DebugLevel)
	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{
		SQL:  "select 1 from leg where id=$1",
		Args: []any{int64(3)},
	})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	out := buf.String()
	assert.Contains(t, out, `"logger":"sql"`)
	assert.Contains(t, out, "select 1 from leg where id=$1")
	assert.Contains(t, out, "Query failed")
	assert.Contains(t, out, "boom")
}

func TestMyTracerAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewMyTracer(log.New(&buf, log.InfoLevel), log.DebugLevel)
	tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "select 1"})
	tracer.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{Err: errors.New("boom")})
	assert.Empty(t, buf.String())
}

func TestPoolConfigOptions(t *testing.T) {
	cfg, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/sprint")
	require.NoError(t, err)
	defaultConns := cfg.MaxConns

	tracer := NewMyTracer(log.Nop(), log.DebugLevel)
	WithTracer(tracer)(cfg)
	WithMaxConns(0)(cfg)
	assert.Equal(t, defaultConns, cfg.MaxConns, "zero keeps the default")
	WithMaxConns(4)(cfg)

	assert.Equal(t, int32(4), cfg.MaxConns)
	assert.Same(t, tracer, cfg.ConnConfig.Tracer)
}
