package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogram_EmptyPercentileIsZero(t *testing.T) {
	h := NewHistogram()
	assert.Zero(t, h.Percentile(0.95))
	assert.Zero(t, h.Count())
}

func TestHistogram_PercentileReadsBucketBound(t *testing.T) {
	h := NewHistogram(time.Millisecond, 10*time.Millisecond, 100*time.Millisecond)
	// 90 samples in the 1ms bucket, 10 in the 10ms bucket.
	for i := 0; i < 90; i++ {
		h.Record(500 * time.Microsecond)
	}
	for i := 0; i < 10; i++ {
		h.Record(5 * time.Millisecond)
	}

	assert.Equal(t, time.Millisecond, h.Percentile(0.50))
	assert.Equal(t, time.Millisecond, h.Percentile(0.90))
	assert.Equal(t, 10*time.Millisecond, h.Percentile(0.95))
	assert.Equal(t, 10*time.Millisecond, h.Percentile(1.0))
}

func TestHistogram_OverflowBucketReportsObservedMax(t *testing.T) {
	h := NewHistogram(time.Millisecond)
	h.Record(3 * time.Second)
	assert.Equal(t, 3*time.Second, h.Percentile(0.99))

	snap := h.Snapshot()
	require.Len(t, snap.Buckets, 2)
	assert.Equal(t, uint64(0), snap.Buckets[0].Count)
	assert.Equal(t, uint64(1), snap.Buckets[1].Count)
	assert.Equal(t, 3*time.Second, snap.Buckets[1].UpperBound)
	assert.Equal(t, 3*time.Second, snap.Max)
}

func TestHistogram_SampleAtExactBoundStaysInBucket(t *testing.T) {
	h := NewHistogram(time.Millisecond, 10*time.Millisecond)
	h.Record(time.Millisecond)
	snap := h.Snapshot()
	assert.Equal(t, uint64(1), snap.Buckets[0].Count)
}

func TestHistogram_NegativeSampleClampedToZero(t *testing.T) {
	h := NewHistogram(time.Millisecond)
	h.Record(-time.Second)
	assert.Equal(t, uint64(1), h.Count())
	snap := h.Snapshot()
	assert.Equal(t, uint64(1), snap.Buckets[0].Count)
	assert.Zero(t, snap.Sum)
}

func TestHistogram_ConcurrentRecordAndRead(t *testing.T) {
	h := NewHistogram()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				h.Record(time.Duration(i) * time.Microsecond)
				_ = h.Percentile(0.95)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(1000), h.Count())
}
