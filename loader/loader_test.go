package loader

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/state"
)

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("D%02d", i)
	}
	return out
}

func TestGapFill(t *testing.T) {
	all := ids(7)
	for _, order := range [][]int{{0, 2}, {2, 0}} {
		var loadedIDs [][]string
		l := NewDMLoader(3, func(ids []string) { loadedIDs = append(loadedIDs, ids) })
		l.SetOrder(all)

		for _, i := range order {
			assert.True(t, l.LoadBatch(i))
		}
		assert.Equal(t, []int{0, 2}, l.Loaded())
		assert.Equal(t, []string{"D00", "D01", "D02", "D06"}, l.Visible())

		assert.Equal(t, []int{1}, l.EnsureNoGaps())
		assert.Equal(t, []int{0, 1, 2}, l.Loaded())
		assert.Equal(t, all, l.Visible())
		assert.Len(t, loadedIDs, 3)
	}
}

func TestLoadBatchIdempotent(t *testing.T) {
	calls := 0
	l := NewDMLoader(2, func([]string) { calls++ })
	l.SetOrder(ids(4))

	assert.True(t, l.LoadBatch(1))
	assert.False(t, l.LoadBatch(1))
	assert.False(t, l.LoadBatch(5))
	assert.False(t, l.LoadBatch(-1))
	assert.Equal(t, 1, calls)
}

func TestLoadBatchBusy(t *testing.T) {
	var l *DMLoader
	var nested, busyInside bool
	l = NewDMLoader(2, func([]string) {
		// a load triggered from inside load is skipped.
		busyInside = l.Busy()
		nested = l.LoadBatch(1)
	})
	l.SetOrder(ids(4))

	assert.True(t, l.LoadBatch(0))
	assert.True(t, busyInside)
	assert.False(t, nested)
	assert.False(t, l.Busy())
	assert.Equal(t, []int{0}, l.Loaded())
}

func TestMoveToFront(t *testing.T) {
	l := NewDMLoader(2, nil)
	l.SetOrder(ids(5))

	l.MoveToFront("D03")
	assert.Equal(t, []string{"D03", "D00", "D01", "D02", "D04"}, l.Order())
	assert.Equal(t, []string{"D03", "D00"}, l.Visible())

	l.MoveToFront("NEW")
	assert.Equal(t, "NEW", l.Order()[0])
	assert.Equal(t, []string{"NEW", "D03"}, l.Visible())

	l.Remove("NEW")
	assert.Equal(t, []string{"D03", "D00"}, l.Visible())
}

func TestOrderDMs(t *testing.T) {
	chans := []*chatstore.Channel{
		{ID: "A", LastMessageID: "01"},
		{ID: "B", LastMessageID: "03"},
		{ID: "C", LastMessageID: "02"},
		{ID: "D"},
	}
	unread := map[string]bool{"C": true}
	got := OrderDMs(chans, func(id string) bool { return unread[id] })
	assert.Equal(t, []string{"C", "D", "B", "A"}, got)
}

func TestServerSetSelect(t *testing.T) {
	s := state.New("SELF", state.DefaultLimits())
	s.PutChannel(&chatstore.Channel{ID: "C1", Variant: chatstore.TextChannel{ServerID: "S1"}})
	s.PutChannel(&chatstore.Channel{ID: "C2", Variant: chatstore.TextChannel{ServerID: "S2"}})

	set := NewServerSet(s)
	set.Select("S1")
	assert.Contains(t, s.Channels, "C1")
	assert.Equal(t, "S1", s.CurrentServer)

	// the open channel pins its server.
	s.CurrentChannel = "C1"
	set.Select("S2")
	assert.Contains(t, s.Channels, "C1")
	assert.Contains(t, s.Channels, "C2")

	s.CurrentChannel = "C2"
	set.Select("S1")
	assert.Contains(t, s.Channels, "C1")
	assert.Contains(t, s.Channels, "C2")

	s.CurrentChannel = ""
	set.Select("")
	assert.NotContains(t, s.Channels, "C1")
	assert.Equal(t, "", set.Current())
}
