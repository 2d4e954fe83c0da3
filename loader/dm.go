// Package loader keeps large collections partially materialized: the direct
// message list in fixed-size batches and server channel sets per selection.
package loader

import (
	"sort"

	"github.com/golang/glog"

	"github.com/mqy/chatmirror/chatstore"
)

const DefaultBatchSize = 20

// DMLoader pages the ordered list of direct channels. Only the union of
// loaded batches is visible.
type DMLoader struct {
	batchSize int
	load      func(ids []string)

	order  []string
	loaded map[int]bool
	// busy is set while load runs. The batch becomes visible when load
	// returns; work load starts in the background does not hold it.
	busy    bool
	visible []string
}

// NewDMLoader creates a loader. load, if not nil, is called with the ids of
// each batch being loaded.
func NewDMLoader(batchSize int, load func(ids []string)) *DMLoader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &DMLoader{
		batchSize: batchSize,
		load:      load,
		loaded:    make(map[int]bool),
	}
}

// OrderDMs sorts direct channels: unread first, then by most recent activity.
func OrderDMs(channels []*chatstore.Channel, hasUnread func(id string) bool) []string {
	sorted := append([]*chatstore.Channel(nil), channels...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ui, uj := hasUnread(sorted[i].ID), hasUnread(sorted[j].ID)
		if ui != uj {
			return ui
		}
		return lastActivity(sorted[i]) > lastActivity(sorted[j])
	})
	ids := make([]string, len(sorted))
	for i, c := range sorted {
		ids[i] = c.ID
	}
	return ids
}

func lastActivity(c *chatstore.Channel) string {
	if c.LastMessageID != "" {
		return c.LastMessageID
	}
	return c.ID
}

// SetOrder replaces the full ordered id list. Loaded batch indices are kept
// and the visible list is rebuilt from the new order.
func (l *DMLoader) SetOrder(ids []string) {
	l.order = append([]string(nil), ids...)
	for i := range l.loaded {
		if i >= l.BatchCount() {
			delete(l.loaded, i)
		}
	}
	l.rebuild()
}

func (l *DMLoader) BatchCount() int {
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

func (l *DMLoader) batch(i int) []string {
	start := i * l.batchSize
	end := start + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	return l.order[start:end]
}

// LoadBatch loads batch i. It is a no-op when the batch is already loaded,
// out of range, or called from inside load.
func (l *DMLoader) LoadBatch(i int) bool {
	if l.busy || l.loaded[i] || i < 0 || i >= l.BatchCount() {
		return false
	}
	l.busy = true
	ids := l.batch(i)
	glog.V(5).Infof("loader: dm batch %d, %d channels", i, len(ids))
	if l.load != nil {
		l.load(append([]string(nil), ids...))
	}
	l.loaded[i] = true
	l.busy = false
	l.rebuild()
	return true
}

// Busy reports whether load is running.
func (l *DMLoader) Busy() bool {
	return l.busy
}

// EnsureNoGaps loads every batch between the lowest and highest loaded one.
// Returns the batches it loaded.
func (l *DMLoader) EnsureNoGaps() []int {
	if len(l.loaded) == 0 {
		return nil
	}
	lo, hi := -1, -1
	for i := range l.loaded {
		if lo < 0 || i < lo {
			lo = i
		}
		if i > hi {
			hi = i
		}
	}
	var filled []int
	for i := lo + 1; i < hi; i++ {
		if l.LoadBatch(i) {
			filled = append(filled, i)
		}
	}
	return filled
}

// rebuild recomputes the visible list from loaded batches in index order.
func (l *DMLoader) rebuild() {
	idx := l.Loaded()
	l.visible = l.visible[:0]
	for _, i := range idx {
		l.visible = append(l.visible, l.batch(i)...)
	}
}

// Loaded returns the loaded batch indices, ascending.
func (l *DMLoader) Loaded() []int {
	idx := make([]int, 0, len(l.loaded))
	for i := range l.loaded {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Visible returns the materialized ids in display order.
func (l *DMLoader) Visible() []string {
	return append([]string(nil), l.visible...)
}

// Order returns the full ordered id list.
func (l *DMLoader) Order() []string {
	return append([]string(nil), l.order...)
}

// MoveToFront puts id first, adding it if unknown. Batch 0 is loaded so the
// channel is visible.
func (l *DMLoader) MoveToFront(id string) {
	for i, x := range l.order {
		if x == id {
			if i == 0 {
				return
			}
			copy(l.order[1:i+1], l.order[:i])
			l.order[0] = id
			l.afterMove()
			return
		}
	}
	l.order = append([]string{id}, l.order...)
	l.afterMove()
}

func (l *DMLoader) afterMove() {
	if !l.LoadBatch(0) {
		l.rebuild()
	}
}

// Remove drops id from the order.
func (l *DMLoader) Remove(id string) {
	for i, x := range l.order {
		if x == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			l.SetOrder(l.order)
			return
		}
	}
}
