package ratelimit

import (
	"sync"
	"time"
)

// leakyBucket drains one level per leakInterval. It is the in-process
// front limiter guarding the HTTP surface before any KV round trip.
type leakyBucket struct {
	lastAccess   time.Time
	level        uint32
	capacity     uint32
	leakInterval time.Duration
}

func (b *leakyBucket) levelAt(tnow time.Time) uint32 {
	leaked := int64(tnow.Sub(b.lastAccess) / b.leakInterval)
	return uint32(max(0, int64(b.level)-leaked))
}

// add returns the new level and whether the unit was accepted.
func (b *leakyBucket) add(tnow time.Time) (uint32, bool) {
	diff := tnow.Sub(b.lastAccess)
	leaked := max(int64(diff/b.leakInterval), 0)
	if diff > 0 {
		// preserve the unaccounted remainder of the current leak interval
		b.lastAccess = tnow.Truncate(b.leakInterval)
	}

	curr := max(0, int64(b.level)-leaked)
	if curr >= int64(b.capacity) {
		b.level = uint32(curr)
		return b.level, false
	}

	b.level = uint32(curr + 1)
	return b.level, true
}

type bucketManager struct {
	lock         sync.Mutex
	buckets      map[string]*leakyBucket
	capacity     uint32
	leakInterval time.Duration
	maxBuckets   int
}

func newBucketManager(maxBuckets int, capacity uint32, leakInterval time.Duration) *bucketManager {
	return &bucketManager{
		buckets:      make(map[string]*leakyBucket),
		capacity:     capacity,
		leakInterval: leakInterval,
		maxBuckets:   maxBuckets,
	}
}

func (m *bucketManager) setLimits(capacity uint32, leakInterval time.Duration) {
	m.lock.Lock()
	m.capacity = capacity
	m.leakInterval = leakInterval
	m.lock.Unlock()
}

type addResult struct {
	added      bool
	level      uint32
	capacity   uint32
	retryAfter time.Duration
	resetAfter time.Duration
}

func (m *bucketManager) add(key string, tnow time.Time) addResult {
	m.lock.Lock()
	defer m.lock.Unlock()

	bucket, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= m.maxBuckets {
			// drop an arbitrary idle bucket to stay within bounds;
			// elastic cleanup happens in the background
			for k, b := range m.buckets {
				if b.levelAt(tnow) == 0 {
					delete(m.buckets, k)
					break
				}
			}
		}

		bucket = &leakyBucket{
			lastAccess:   tnow,
			capacity:     m.capacity,
			leakInterval: m.leakInterval,
		}
		m.buckets[key] = bucket
	}

	level, added := bucket.add(tnow)
	result := addResult{
		added:    added,
		level:    level,
		capacity: bucket.capacity,
	}

	if added {
		result.resetAfter = time.Duration(level) * bucket.leakInterval
	} else {
		result.retryAfter = bucket.leakInterval
	}

	return result
}

// cleanup removes up to maxToDelete fully drained buckets.
func (m *bucketManager) cleanup(tnow time.Time, maxToDelete int) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	deleted := 0
	for key, bucket := range m.buckets {
		if deleted >= maxToDelete {
			break
		}

		if bucket.levelAt(tnow) == 0 {
			delete(m.buckets, key)
			deleted++
		}
	}

	return deleted
}
