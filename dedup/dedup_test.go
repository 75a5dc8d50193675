package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark_FirstAdmissionNotDuplicate(t *testing.T) {
	s := New(time.Minute, 100)
	dup := s.CheckAndMark("coder", "ep1", "m1", time.Now())
	assert.False(t, dup)
}

func TestCheckAndMark_RetryIsDuplicate(t *testing.T) {
	s := New(time.Minute, 100)
	now := time.Now()
	s.CheckAndMark("coder", "ep1", "m1", now)
	dup := s.CheckAndMark("coder", "ep1", "m1", now.Add(time.Second))
	assert.True(t, dup)
}

func TestCheckAndMark_ExpiresAfterTTL(t *testing.T) {
	s := New(time.Second, 100)
	now := time.Now()
	s.CheckAndMark("coder", "ep1", "m1", now)
	dup := s.CheckAndMark("coder", "ep1", "m1", now.Add(2*time.Second))
	assert.False(t, dup, "entry should have expired and been treated as new")
}

func TestCheckAndMark_CapacityEvictsOldest(t *testing.T) {
	s := New(time.Hour, 2)
	now := time.Now()
	s.CheckAndMark("coder", "ep1", "m1", now)
	s.CheckAndMark("coder", "ep1", "m2", now)
	s.CheckAndMark("coder", "ep1", "m3", now) // evicts m1
	dup := s.CheckAndMark("coder", "ep1", "m1", now)
	assert.False(t, dup, "m1 should have been evicted by capacity pressure")
	assert.Equal(t, 2, s.Len("coder"))
}

func TestCheckAndMark_RecipientsAreIndependent(t *testing.T) {
	s := New(time.Minute, 100)
	now := time.Now()
	s.CheckAndMark("coder", "ep1", "m1", now)
	dup := s.CheckAndMark("runner", "ep1", "m1", now)
	assert.False(t, dup)
}
