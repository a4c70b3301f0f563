package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewRedisWithClient(client, "test"), mr
}

func TestRedis_GetSetDelete(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_Expiry(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))

	mr.FastForward(2 * time.Second)

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_NamespacePrefix(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	assert.True(t, mr.Exists("test:k"))
}

func TestRedis_Transact(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	t.Run("initializes missing key", func(t *testing.T) {
		err := s.Transact(ctx, "counter", func(current []byte) ([]byte, time.Duration, error) {
			require.Nil(t, current)
			return []byte("1"), 0, nil
		})
		require.NoError(t, err)

		val, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), val)
	})

	t.Run("reads current value", func(t *testing.T) {
		err := s.Transact(ctx, "counter", func(current []byte) ([]byte, time.Duration, error) {
			n, err := strconv.Atoi(string(current))
			require.NoError(t, err)
			return []byte(strconv.Itoa(n + 1)), 0, nil
		})
		require.NoError(t, err)

		val, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), val)
	})

	t.Run("nil next deletes key", func(t *testing.T) {
		err := s.Transact(ctx, "counter", func(current []byte) ([]byte, time.Duration, error) {
			return nil, 0, nil
		})
		require.NoError(t, err)

		_, err = s.Get(ctx, "counter")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("fn error aborts and propagates unchanged", func(t *testing.T) {
		boom := fmt.Errorf("domain failure")
		err := s.Transact(ctx, "abort", func(current []byte) ([]byte, time.Duration, error) {
			return nil, 0, boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.Get(ctx, "abort")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedis_TransactConcurrent(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				err := s.Transact(ctx, "shared", func(current []byte) ([]byte, time.Duration, error) {
					n := 0
					if current != nil {
						n, _ = strconv.Atoi(string(current))
					}
					return []byte(strconv.Itoa(n + 1)), 0, nil
				})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	val, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(writers*perWriter), string(val))
}

func TestRedis_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewRedisWithClient(client, "test")
	ctx := context.Background()

	mr.Close()

	_, err := s.Get(ctx, "k")
	assert.True(t, IsUnavailable(err))

	err = s.Set(ctx, "k", []byte("v"), 0)
	assert.True(t, IsUnavailable(err))

	err = s.Transact(ctx, "k", func(current []byte) ([]byte, time.Duration, error) {
		return []byte("v"), 0, nil
	})
	assert.True(t, IsUnavailable(err))
}
