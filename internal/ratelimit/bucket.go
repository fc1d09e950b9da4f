// Package ratelimit meters requests per caller with token buckets, either
// shared through Redis or held in process.
package ratelimit

import (
	"errors"
	"math"
	"strings"
	"time"
)

const DefaultKeyspace = "imageverse:ratelimit"

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Bucket sizes every subject's bucket: Capacity tokens that refill evenly
// over Window.
type Bucket struct {
	Capacity int
	Window   time.Duration
	Keyspace string
}

func (b Bucket) validate() (Bucket, error) {
	if b.Capacity <= 0 {
		return b, errors.New("capacity must be positive")
	}
	if b.Window <= 0 {
		return b, errors.New("window must be positive")
	}
	if strings.TrimSpace(b.Keyspace) == "" {
		b.Keyspace = DefaultKeyspace
	}
	return b, nil
}

func (b Bucket) perMilli() float64 {
	return float64(b.Capacity) / float64(max(b.Window.Milliseconds(), 1))
}

// clampCost keeps a batch larger than the bucket from being refused forever.
func (b Bucket) clampCost(cost int) int {
	return max(1, min(cost, b.Capacity))
}

func (b Bucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return b.Keyspace + ":" + subject
}

// state is one subject's bucket between two requests.
type state struct {
	tokens float64
	lastMS int64
}

// take refills s up to nowMS and spends cost tokens when enough are there.
func (b Bucket) take(s state, nowMS int64, cost int) (state, Decision) {
	rate := b.perMilli()
	elapsed := max(0, nowMS-s.lastMS)
	s.tokens = math.Min(float64(b.Capacity), s.tokens+float64(elapsed)*rate)
	s.lastMS = nowMS

	d := Decision{}
	if s.tokens >= float64(cost) {
		s.tokens -= float64(cost)
		d.Allowed = true
	} else {
		d.RetryAfter = time.Duration(math.Ceil((float64(cost)-s.tokens)/rate)) * time.Millisecond
	}
	d.Remaining = int64(math.Floor(s.tokens))
	return s, d
}
