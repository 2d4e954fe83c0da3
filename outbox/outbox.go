// Package outbox queues outgoing messages per channel. Each channel delivers
// in order with at most one send in flight; channels run independently.
package outbox

//go:generate mockgen -destination mock/mock_outbox.go -package mock github.com/mqy/chatmirror/outbox Sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// ErrRejected marks a send the server will never accept. The entry fails
// permanently instead of being retried.
var ErrRejected = errors.New("outbox: message rejected")

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Entry is a queued outbound message. Nonce doubles as the id of the local
// echo until the server confirms the message.
type Entry struct {
	Nonce       string
	ChannelID   string
	AuthorID    string
	Content     string
	Replies     []string
	Attachments []Attachment
	Progress    float64
	Err         error
	CreatedAt   time.Time

	confirmed bool
}

// Deferred reports whether the entry has no local echo in the channel list,
// which is the case for messages carrying attachments.
func (e *Entry) Deferred() bool {
	return len(e.Attachments) > 0
}

func (e *Entry) copy() Entry {
	c := *e
	c.Replies = append([]string(nil), e.Replies...)
	c.Attachments = append([]Attachment(nil), e.Attachments...)
	return c
}

// Sender delivers one message. progress may be called with upload progress.
type Sender interface {
	Send(ctx context.Context, e *Entry, progress func(sent, total int64)) error
}

type Options struct {
	// Rate and Burst pace sends across all channels. Zero Rate means no limit.
	Rate  float64
	Burst int

	// Callbacks run on the channel goroutine, without locks held.
	OnDelivered func(e Entry)
	OnFailed    func(e Entry, permanent bool)
	OnProgress  func(nonce string, progress float64)
}

var (
	sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmirror_outbox_sends_total",
		Help: "Outbound send attempts by result.",
	}, []string{"result"})
	queued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatmirror_outbox_queued",
		Help: "Outbound messages not yet confirmed.",
	})
)

func init() {
	prometheus.MustRegister(sends, queued)
}

// Queue implements the per-channel outbound queues.
type Queue struct {
	sender  Sender
	limiter *rate.Limiter
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sync.Mutex
	queues   map[string][]*Entry // channel -> waiting entries, head first
	busy     map[string]bool
	inflight map[string]*Entry // channel -> entry being sent
	awaiting map[string]*Entry // nonce -> sent, waiting for the server echo
	failed   map[string]*Entry // nonce -> permanently failed
}

func New(sender Sender, opts Options) *Queue {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sender:   sender,
		limiter:  rate.NewLimiter(limit, burst),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[string][]*Entry),
		busy:     make(map[string]bool),
		inflight: make(map[string]*Entry),
		awaiting: make(map[string]*Entry),
		failed:   make(map[string]*Entry),
	}
}

// Send queues a message and starts delivery for its channel.
func (q *Queue) Send(channelID, authorID, content string, replies []string, attachments []Attachment) Entry {
	e := &Entry{
		Nonce:       NewNonce(),
		ChannelID:   channelID,
		AuthorID:    authorID,
		Content:     content,
		Replies:     replies,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}

	q.Lock()
	q.queues[channelID] = append(q.queues[channelID], e)
	out := e.copy()
	q.updateGauge()
	q.Unlock()

	glog.V(5).Infof("outbox: queued %s for channel %s", e.Nonce, channelID)
	q.start(channelID, nil)
	return out
}

// NewNonce returns a fresh client nonce.
func NewNonce() string {
	return uuid.New()
}

// FlushAll restarts delivery of every channel with waiting entries and
// blocks until those channel loops stop.
func (q *Queue) FlushAll(ctx context.Context) {
	q.Lock()
	var channels []string
	for cid, entries := range q.queues {
		if len(entries) > 0 && !q.busy[cid] {
			channels = append(channels, cid)
		}
	}
	q.Unlock()

	var wg sync.WaitGroup
	for _, cid := range channels {
		wg.Add(1)
		q.start(cid, &wg)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (q *Queue) start(channelID string, wg *sync.WaitGroup) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if wg != nil {
			defer wg.Done()
		}
		q.process(channelID)
	}()
}

// process delivers the queue of one channel head first. It stops at the
// first retryable failure, leaving that entry at the head.
func (q *Queue) process(channelID string) {
	q.Lock()
	if q.busy[channelID] {
		q.Unlock()
		return
	}
	q.busy[channelID] = true
	q.Unlock()

	for {
		q.Lock()
		entries := q.queues[channelID]
		if len(entries) == 0 {
			delete(q.queues, channelID)
			q.busy[channelID] = false
			q.Unlock()
			return
		}
		e := entries[0]
		q.queues[channelID] = entries[1:]
		q.inflight[channelID] = e
		q.Unlock()

		err := q.limiter.Wait(q.ctx)
		if err == nil {
			err = q.sender.Send(q.ctx, e, func(sent, total int64) {
				if total > 0 {
					q.SetProgress(e.Nonce, float64(sent)/float64(total))
				}
			})
		}

		q.Lock()
		delete(q.inflight, channelID)
		switch {
		case err == nil || e.confirmed:
			if !e.confirmed {
				q.awaiting[e.Nonce] = e
			}
			q.updateGauge()
			out := e.copy()
			q.Unlock()
			sends.WithLabelValues("ok").Inc()
			glog.V(5).Infof("outbox: sent %s to channel %s", e.Nonce, channelID)
			if q.opts.OnDelivered != nil {
				q.opts.OnDelivered(out)
			}

		case errors.Is(err, ErrRejected):
			e.Err = err
			q.failed[e.Nonce] = e
			q.updateGauge()
			out := e.copy()
			q.Unlock()
			sends.WithLabelValues("rejected").Inc()
			glog.Errorf("outbox: %s rejected for channel %s: %v", e.Nonce, channelID, err)
			if q.opts.OnFailed != nil {
				q.opts.OnFailed(out, true)
			}

		default:
			e.Err = err
			q.queues[channelID] = append([]*Entry{e}, q.queues[channelID]...)
			q.busy[channelID] = false
			out := e.copy()
			q.Unlock()
			sends.WithLabelValues("retry").Inc()
			glog.Errorf("outbox: send %s to channel %s failed, halting channel: %v", e.Nonce, channelID, err)
			if q.opts.OnFailed != nil {
				q.opts.OnFailed(out, false)
			}
			return
		}
	}
}

// Confirm retires the entry with nonce after its server echo arrived.
func (q *Queue) Confirm(nonce string) (Entry, bool) {
	q.Lock()
	defer q.Unlock()
	e := q.remove(nonce)
	if e == nil {
		return Entry{}, false
	}
	q.updateGauge()
	return e.copy(), true
}

// MatchContent finds the oldest unconfirmed entry with the same channel,
// author and content. Used when the server echo carries no nonce.
func (q *Queue) MatchContent(channelID, authorID, content string) (Entry, bool) {
	q.Lock()
	defer q.Unlock()

	var best *Entry
	consider := func(e *Entry) {
		if e == nil || e.confirmed || e.ChannelID != channelID || e.AuthorID != authorID || e.Content != content {
			return
		}
		if best == nil || e.CreatedAt.Before(best.CreatedAt) {
			best = e
		}
	}
	for _, e := range q.awaiting {
		consider(e)
	}
	consider(q.inflight[channelID])
	for _, e := range q.queues[channelID] {
		consider(e)
	}
	if best == nil {
		return Entry{}, false
	}
	return best.copy(), true
}

// remove detaches nonce from wherever it is. An in-flight entry is marked so
// it is not parked as awaiting once its send returns.
func (q *Queue) remove(nonce string) *Entry {
	if e, ok := q.awaiting[nonce]; ok {
		delete(q.awaiting, nonce)
		return e
	}
	if e, ok := q.failed[nonce]; ok {
		delete(q.failed, nonce)
		return e
	}
	for _, e := range q.inflight {
		if e.Nonce == nonce {
			e.confirmed = true
			return e
		}
	}
	for cid, entries := range q.queues {
		for i, e := range entries {
			if e.Nonce == nonce {
				q.queues[cid] = append(entries[:i:i], entries[i+1:]...)
				return e
			}
		}
	}
	return nil
}

// Discard drops a failed or waiting entry. In-flight entries are kept.
func (q *Queue) Discard(nonce string) bool {
	q.Lock()
	defer q.Unlock()
	for _, e := range q.inflight {
		if e.Nonce == nonce {
			return false
		}
	}
	ok := q.remove(nonce) != nil
	q.updateGauge()
	return ok
}

// Retry moves a permanently failed entry back to the end of its channel queue
// and starts delivery.
func (q *Queue) Retry(nonce string) bool {
	q.Lock()
	e, ok := q.failed[nonce]
	if ok {
		delete(q.failed, nonce)
		e.Err = nil
		q.queues[e.ChannelID] = append(q.queues[e.ChannelID], e)
	}
	q.Unlock()
	if ok {
		q.start(e.ChannelID, nil)
	}
	return ok
}

// SetProgress records upload progress of nonce, in [0, 1].
func (q *Queue) SetProgress(nonce string, progress float64) {
	q.Lock()
	var found bool
	for _, e := range q.inflight {
		if e.Nonce == nonce {
			e.Progress = progress
			found = true
		}
	}
	q.Unlock()
	if found && q.opts.OnProgress != nil {
		q.opts.OnProgress(nonce, progress)
	}
}

// References reports whether id is the nonce of an entry the queue still
// holds, in any state.
func (q *Queue) References(id string) bool {
	q.Lock()
	defer q.Unlock()
	if _, ok := q.awaiting[id]; ok {
		return true
	}
	if _, ok := q.failed[id]; ok {
		return true
	}
	for _, e := range q.inflight {
		if e.Nonce == id {
			return true
		}
	}
	for _, entries := range q.queues {
		for _, e := range entries {
			if e.Nonce == id {
				return true
			}
		}
	}
	return false
}

// Pending returns the waiting entries of a channel, head first. The entry
// being sent is not included.
func (q *Queue) Pending(channelID string) []Entry {
	q.Lock()
	defer q.Unlock()
	out := make([]Entry, 0, len(q.queues[channelID]))
	for _, e := range q.queues[channelID] {
		out = append(out, e.copy())
	}
	return out
}

// Failed returns the permanently failed entries.
func (q *Queue) Failed() []Entry {
	q.Lock()
	defer q.Unlock()
	out := make([]Entry, 0, len(q.failed))
	for _, e := range q.failed {
		out = append(out, e.copy())
	}
	return out
}

// Len counts every entry not yet confirmed or discarded.
func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int {
	n := len(q.awaiting) + len(q.failed) + len(q.inflight)
	for _, entries := range q.queues {
		n += len(entries)
	}
	return n
}

func (q *Queue) updateGauge() {
	queued.Set(float64(q.lenLocked()))
}

// Wait blocks until every channel loop has stopped.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Close cancels in-flight sends and waits for the channel loops.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}
