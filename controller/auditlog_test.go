package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuditLog_RetainsInsertionOrderUntilFull(t *testing.T) {
	l := NewAuditLog(3)
	l.Append(DecisionRecord{Step: 1})
	l.Append(DecisionRecord{Step: 2})
	l.Append(DecisionRecord{Step: 3})
	recs := l.Records()
	assert.Equal(t, []int{1, 2, 3}, steps(recs))
}

func TestAuditLog_EvictsOldestOnceFull(t *testing.T) {
	l := NewAuditLog(3)
	for i := 1; i <= 5; i++ {
		l.Append(DecisionRecord{Step: i})
	}
	recs := l.Records()
	assert.Equal(t, []int{3, 4, 5}, steps(recs))
	assert.Equal(t, 3, l.Len())
}

func TestAuditLog_DefaultCapacity(t *testing.T) {
	l := NewAuditLog(0)
	for i := 0; i < 10000; i++ {
		l.Append(DecisionRecord{Step: i})
	}
	assert.Equal(t, 10000, l.Len())
	l.Append(DecisionRecord{Step: 10000})
	assert.Equal(t, 10000, l.Len())
	recs := l.Records()
	assert.Equal(t, 1, recs[0].Step) // the 0th entry was evicted
}

func steps(recs []DecisionRecord) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.Step
	}
	return out
}
