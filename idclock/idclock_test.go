package idclock

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampKnownValue(t *testing.T) {
	// 01ARZ3NDEK encodes 1469918176385 ms.
	ts := Timestamp("01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.Equal(t, int64(1469918176385), ts.UnixMilli())

	lower := Timestamp(strings.ToLower("01ARZ3NDEKTSV4RRFFQ69G5FAV"))
	assert.Equal(t, ts, lower)
}

func TestTimestampMalformedReturnsNow(t *testing.T) {
	for _, id := range []string{"", "abc", "01ARZ3NDEKTSV4RRFFQ69G5FA", "01ARZ3NDEKTSV4RRFFQ69G5FAU", "01ARZ3NDEKTSV4RRFFQ69G5FA!"} {
		before := time.Now()
		ts := Timestamp(id)
		after := time.Now()
		assert.False(t, ts.Before(before.Add(-time.Millisecond)), id)
		assert.False(t, ts.After(after.Add(time.Millisecond)), id)
		assert.False(t, Valid(id), id)
	}
}

func TestNewRoundTrip(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := New(now)
	require.Len(t, id, Len)
	assert.True(t, Valid(id))
	assert.Equal(t, now.UnixMilli(), Timestamp(id).UnixMilli())
}

func TestTimestampMonotonicWithLexicalOrder(t *testing.T) {
	base := time.UnixMilli(1600000000000)
	var ids []string
	for i := 0; i < 500; i++ {
		ids = append(ids, New(base.Add(time.Duration(i*7919)*time.Millisecond)))
		ids = append(ids, New(base.Add(time.Duration(i*13)*time.Millisecond)))
	}
	sort.Strings(ids)
	for i := 1; i < len(ids); i++ {
		assert.False(t, Timestamp(ids[i]).Before(Timestamp(ids[i-1])), "%s < %s", ids[i-1], ids[i])
	}
}
