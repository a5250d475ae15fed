package loadercache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/sprint-relay/log"
	"github.com/mpapenbr/sprint-relay/pkg/utils/cache"
)

func TestGet(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	loads := 0
	c := New(
		WithLoader[int, string](func(ctx context.Context, key int) (*string, error) {
			loads++
			if key < 0 {
				return nil, errors.New("negative")
			}
			v := "v"
			return &v, nil
		}),
		WithExpiration[int, string](time.Minute),
		WithClock[int, string](func() time.Time { return now }),
		WithLogger[int, string](log.Nop()),
	)
	ctx := context.Background()

	v, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "v", *v)
	_, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "second get is served from cache")

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, loads, "expired entry is reloaded")

	c.Invalidate(ctx, 1)
	_, err = c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, loads)

	_, err = c.Get(ctx, -1)
	assert.Error(t, err)
	_, err = c.Get(ctx, -1)
	assert.Error(t, err)
	assert.Equal(t, 5, loads, "failed loads are not cached")
}

func TestGetWithoutLoader(t *testing.T) {
	c := New[int, string](WithLogger[int, string](log.Nop()))
	_, err := c.Get(context.Background(), 1)
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}
