package ratelimit

import (
	"testing"
	"time"
)

func TestBucketFillsToCapacity(t *testing.T) {
	t.Parallel()

	tnow := time.Unix(1_700_000_000, 0)
	bucket := &leakyBucket{lastAccess: tnow, capacity: 3, leakInterval: time.Second}

	for i := range 3 {
		if _, added := bucket.add(tnow); !added {
			t.Fatalf("unit %v rejected below capacity", i)
		}
	}

	if _, added := bucket.add(tnow); added {
		t.Error("unit accepted at capacity")
	}
}

func TestBucketLeaksOverTime(t *testing.T) {
	t.Parallel()

	tnow := time.Unix(1_700_000_000, 0)
	bucket := &leakyBucket{lastAccess: tnow, capacity: 2, leakInterval: time.Second}

	bucket.add(tnow)
	bucket.add(tnow)

	if _, added := bucket.add(tnow.Add(500 * time.Millisecond)); added {
		t.Error("unit accepted before anything leaked")
	}

	if level, added := bucket.add(tnow.Add(1500 * time.Millisecond)); !added {
		t.Error("unit rejected after one leak interval")
	} else if level != 2 {
		t.Errorf("level %v after a single leak", level)
	}
}

func TestBucketManagerEvictsDrainedBuckets(t *testing.T) {
	t.Parallel()

	tnow := time.Unix(1_700_000_000, 0)
	manager := newBucketManager(100, 5, time.Second)

	manager.add("10.0.0.1", tnow)
	manager.add("10.0.0.2", tnow)

	if deleted := manager.cleanup(tnow, 10); deleted != 0 {
		t.Errorf("deleted %v buckets that were not drained", deleted)
	}

	if deleted := manager.cleanup(tnow.Add(10*time.Second), 10); deleted != 2 {
		t.Errorf("deleted %v drained buckets instead of 2", deleted)
	}
}

func TestBucketManagerResultHeadersData(t *testing.T) {
	t.Parallel()

	tnow := time.Unix(1_700_000_000, 0)
	manager := newBucketManager(100, 2, time.Second)

	result := manager.add("10.0.0.1", tnow)
	if !result.added || result.capacity != 2 || result.resetAfter != time.Second {
		t.Errorf("unexpected first result %+v", result)
	}

	manager.add("10.0.0.1", tnow)
	result = manager.add("10.0.0.1", tnow)
	if result.added {
		t.Error("unit accepted over capacity")
	}
	if result.retryAfter != time.Second {
		t.Errorf("retry after %v, expected one leak interval", result.retryAfter)
	}
}
