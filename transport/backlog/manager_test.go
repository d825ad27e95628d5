package backlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/ids"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// redisClient connects to REDIS_URL, skipping the test when it is not set.
func redisClient(t *testing.T) *redis.Client {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.Nil(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

type collected struct {
	lock   sync.Mutex
	bodies []string
	fail   bool
}

func (c *collected) process(msgs []*MessageImpl) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.fail {
		return errors.New("refused")
	}
	for _, m := range msgs {
		c.bodies = append(c.bodies, string(m.Body()))
	}
	return nil
}

func (c *collected) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.bodies)
}

func setup(t *testing.T, n int) (*redis.Client, string, *config.Config) {
	rdb := redisClient(t)
	key := "portmsg:test:" + ids.NewID()
	t.Cleanup(func() { rdb.Del(context.Background(), key) })
	for i := 0; i < n; i++ {
		require.Nil(t, rdb.RPush(context.Background(), key, fmt.Sprintf(`{"lineId":"L%d"}`, i)).Err())
	}
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithBacklogBatchSize(3), config.WithBacklogPollMs(20))
	return rdb, key, c
}

func TestFetchDrainsInOrder(t *testing.T) {
	rdb, key, c := setup(t, 7)
	col := &collected{}
	m := NewManager(c, rdb, key, col.process)

	n, err := m.Fetch(context.Background())
	require.Nil(t, err)
	require.Equal(t, 7, n)
	for i, b := range col.bodies {
		require.Equal(t, fmt.Sprintf(`{"lineId":"L%d"}`, i), b)
	}
	l, err := rdb.LLen(context.Background(), key).Result()
	require.Nil(t, err)
	require.Zero(t, l)
}

func TestRejectedBatchIsRequeued(t *testing.T) {
	rdb, key, c := setup(t, 2)
	col := &collected{fail: true}
	m := NewManager(c, rdb, key, col.process)

	_, err := m.Fetch(context.Background())
	require.NotNil(t, err)
	vals, err := rdb.LRange(context.Background(), key, 0, -1).Result()
	require.Nil(t, err)
	require.Equal(t, []string{`{"lineId":"L0"}`, `{"lineId":"L1"}`}, vals)
}

func TestPollingPicksUpNewEnvelopes(t *testing.T) {
	rdb, key, c := setup(t, 0)
	col := &collected{}
	m := NewManager(c, rdb, key, col.process)
	require.Nil(t, m.Start())
	defer func() { require.Nil(t, m.Shutdown()) }()

	require.Nil(t, rdb.RPush(context.Background(), key, `{"group":"G1"}`).Err())
	m.Wake()
	require.Eventually(t, func() bool { return col.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}
