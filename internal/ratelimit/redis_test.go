package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRedis answers commands in-process by never calling the next hook,
// so the client performs no network I/O.
type scriptedRedis struct {
	mu      sync.Mutex
	counts  map[string]int64
	batches [][]string
	decrErr error
}

func (s *scriptedRedis) DialHook(next redis.DialHook) redis.DialHook { return next }

func (s *scriptedRedis) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key, _ := cmd.Args()[len(cmd.Args())-1].(string)
		switch cmd.Name() {
		case "decr":
			if s.decrErr != nil {
				return s.decrErr
			}
			s.counts[key]--
			cmd.(*redis.IntCmd).SetVal(s.counts[key])
		case "get":
			v, ok := s.counts[key]
			if !ok {
				return redis.Nil
			}
			cmd.(*redis.StringCmd).SetVal(strconv.FormatInt(v, 10))
		}
		return nil
	}
}

func (s *scriptedRedis) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(_ context.Context, cmds []redis.Cmder) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		names := make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			names = append(names, cmd.Name())
			switch c := cmd.(type) {
			case *redis.IntCmd:
				if c.Name() == "incr" {
					key := c.Args()[1].(string)
					s.counts[key]++
					c.SetVal(s.counts[key])
				}
			case *redis.BoolCmd:
				c.SetVal(true)
			}
		}
		s.batches = append(s.batches, names)
		return nil
	}
}

func newScriptedCounters(t *testing.T, logger *slog.Logger) (*RedisCounters, *scriptedRedis) {
	t.Helper()
	fake := &scriptedRedis{counts: map[string]int64{}}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	client.AddHook(fake)
	t.Cleanup(func() { client.Close() })
	return NewRedisCountersFromClient(client, logger), fake
}

func TestRedisIncrementSetsExpiryInSameTransaction(t *testing.T) {
	counters, fake := newScriptedCounters(t, nil)
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	for i := 1; i <= 3; i++ {
		count, ok, err := counters.IncrementCounter(ctx, "minute", "key-1", "b1", 5, expires)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, count)
	}

	require.Len(t, fake.batches, 3)
	for _, batch := range fake.batches {
		assert.Equal(t, []string{"multi", "incr", "expireat", "exec"}, batch)
	}
}

func TestRedisDeniedIncrementIsUndone(t *testing.T) {
	counters, _ := newScriptedCounters(t, nil)
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	for i := 0; i < 2; i++ {
		_, ok, err := counters.IncrementCounter(ctx, "minute", "key-1", "b1", 2, expires)
		require.NoError(t, err)
		require.True(t, ok)
	}

	count, ok, err := counters.IncrementCounter(ctx, "minute", "key-1", "b1", 2, expires)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, count)

	stored, err := counters.GetCounter(ctx, "minute", "key-1", "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
}

func TestRedisFailedUndoIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	counters, fake := newScriptedCounters(t, logger)
	fake.decrErr = errors.New("connection reset")

	count, ok, err := counters.IncrementCounter(context.Background(), "minute", "key-1", "b1", 0, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, count)
	assert.Contains(t, buf.String(), "undo rate counter increment failed")
	assert.Contains(t, buf.String(), "connection reset")
}
