// Package backlog drains envelopes the server queued in a redis list while the device was unreachable.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meow-io/go-portmsg/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type MessageImpl struct {
	key  string
	body []byte
}

func (m *MessageImpl) From() string {
	return m.key
}

func (m *MessageImpl) Body() []byte {
	return m.body
}

type Manager struct {
	config     *config.Config
	log        *zap.SugaredLogger
	rdb        redis.UniversalClient
	key        string
	processor  func([]*MessageImpl) error
	wake       chan struct{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewManager(c *config.Config, rdb redis.UniversalClient, key string, processor func([]*MessageImpl) error) *Manager {
	return &Manager{
		config:    c,
		log:       c.Logger("transport/backlog"),
		rdb:       rdb,
		key:       key,
		processor: processor,
		wake:      make(chan struct{}, 1),
	}
}

// Start polls the list every BacklogPollMs, or sooner when woken.
func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		interval := time.Duration(m.config.BacklogPollMs) * time.Millisecond
		for {
			if _, err := m.Fetch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warnf("error fetching backlog: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

// Wake asks for an immediate fetch. It never blocks.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Fetch pops batches until the list is empty and returns how many envelopes were handed on. A batch the
// processor rejects is pushed back to the head of the list in its original order.
func (m *Manager) Fetch(ctx context.Context) (int, error) {
	total := 0
	batch := int(m.config.BacklogBatchSize)
	for {
		vals, err := m.rdb.LPopCount(ctx, m.key, batch).Result()
		if errors.Is(err, redis.Nil) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("backlog: error popping %s: %w", m.key, err)
		}
		if len(vals) == 0 {
			return total, nil
		}
		messages := make([]*MessageImpl, len(vals))
		for i, v := range vals {
			messages[i] = &MessageImpl{key: m.key, body: []byte(v)}
		}
		if err := m.processor(messages); err != nil {
			m.requeue(ctx, vals)
			return total, fmt.Errorf("backlog: error processing batch: %w", err)
		}
		total += len(vals)
		m.log.Debugf("processed %d backlog envelopes", len(vals))
		if len(vals) < batch {
			return total, nil
		}
	}
}

func (m *Manager) requeue(ctx context.Context, vals []string) {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[len(vals)-1-i] = v
	}
	if err := m.rdb.LPush(context.WithoutCancel(ctx), m.key, args...).Err(); err != nil {
		m.log.Warnf("error requeueing %d envelopes: %v", len(vals), err)
	}
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	return nil
}
