package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps buckets in process. Each API replica meters on its own.
type Memory struct {
	bucket Bucket
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]state
}

func NewMemory(bucket Bucket) (*Memory, error) {
	bucket, err := bucket.validate()
	if err != nil {
		return nil, err
	}
	return &Memory{bucket: bucket, now: time.Now, buckets: make(map[string]state)}, nil
}

func (m *Memory) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	key := m.bucket.key(subject)
	nowMS := m.now().UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.buckets[key]
	if !ok {
		s = state{tokens: float64(m.bucket.Capacity), lastMS: nowMS}
	}
	next, d := m.bucket.take(s, nowMS, m.bucket.clampCost(cost))
	m.buckets[key] = next
	m.sweep(nowMS)
	return d, nil
}

// sweep drops buckets idle long enough to have refilled.
func (m *Memory) sweep(nowMS int64) {
	if len(m.buckets) < 1024 {
		return
	}
	idle := 2 * m.bucket.Window.Milliseconds()
	for k, s := range m.buckets {
		if nowMS-s.lastMS > idle {
			delete(m.buckets, k)
		}
	}
}
