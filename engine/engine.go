// Package engine owns the state store. All reads and writes of the store, the
// reducer and the loaders happen on the goroutine running Engine.Run; other
// goroutines talk to it through Submit and the intent methods.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/chatmirror/auth"
	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/loader"
	"github.com/mqy/chatmirror/outbox"
	"github.com/mqy/chatmirror/reducer"
	"github.com/mqy/chatmirror/state"
	"github.com/mqy/chatmirror/store"
)

var ErrStopped = errors.New("engine: stopped")

const (
	DefaultCleanupInterval = 15 * time.Second
	DefaultSampleInterval  = 5 * time.Second
	DefaultTypingTTL       = 10 * time.Second
	DefaultPreloadLimit    = 50

	mailboxSize = 1024
)

type Config struct {
	SelfID string
	Limits state.Limits

	CleanupInterval time.Duration
	SampleInterval  time.Duration
	TypingTTL       time.Duration

	// PreloadLimit is how many cached messages a channel shows before the
	// server answers.
	PreloadLimit int
	DMBatchSize  int

	// RetentionCron schedules the cache retention sweep; empty disables it.
	RetentionCron string
	RetentionAge  time.Duration

	SendRate  float64
	SendBurst int
}

func (c *Config) withDefaults() {
	if c.Limits == (state.Limits{}) {
		c.Limits = state.DefaultLimits()
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.PreloadLimit <= 0 {
		c.PreloadLimit = DefaultPreloadLimit
	}
}

// SideCache is what the engine needs from the side cache.
type SideCache interface {
	reducer.SideCache
	Servers() ([]string, error)
	Membership() (map[string]bool, error)
	SetDraft(channelID, text string)
	Drafts() map[string]string
	Flush() error
}

var (
	residentBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatmirror_resident_bytes",
		Help: "Estimated size of the in-memory state.",
	})
	badgeCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatmirror_badge_count",
		Help: "Channels with unread messages, muted ones excluded.",
	})
	preloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmirror_preloads_total",
		Help: "Cache preloads by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(residentBytes, badgeCount, preloads)
}

type Engine struct {
	conf Config

	st      *state.Store
	reducer *reducer.Reducer
	dms     *loader.DMLoader
	servers *loader.ServerSet
	cache   store.ICacheStore
	side    SideCache
	outbox  *outbox.Queue

	eventC  chan chatstore.Event
	intentC chan func()
	doneC   chan struct{}

	// loop owned.
	ctx        context.Context
	generation uint64
}

func New(conf Config, cache store.ICacheStore, side SideCache, sender outbox.Sender, signOut auth.SignOutSink) *Engine {
	conf.withDefaults()
	e := &Engine{
		conf:    conf,
		st:      state.New(conf.SelfID, conf.Limits),
		cache:   cache,
		side:    side,
		outbox:  outbox.New(sender, outbox.Options{Rate: conf.SendRate, Burst: conf.SendBurst}),
		eventC:  make(chan chatstore.Event, mailboxSize),
		intentC: make(chan func(), mailboxSize),
		doneC:   make(chan struct{}),
		ctx:     context.Background(),
	}
	e.dms = loader.NewDMLoader(conf.DMBatchSize, e.resolveRecipients)
	e.servers = loader.NewServerSet(e.st)
	e.reducer = reducer.New(reducer.Deps{
		Store:   e.st,
		Cache:   cache,
		DMs:     e.dms,
		Outbox:  e.outbox,
		Side:    side,
		SignOut: signOut,
	})

	if m, err := side.Membership(); err != nil {
		glog.Errorf("engine: read membership: %v", err)
	} else {
		e.st.Membership = m
	}
	if order, err := side.Servers(); err != nil {
		glog.Errorf("engine: read server order: %v", err)
	} else {
		e.st.ServerOrder = order
	}
	return e
}

// Run is the state-owner loop. It returns after ctx is done and the outbound
// queue stopped.
func (e *Engine) Run(ctx context.Context) {
	e.ctx = ctx
	cleanup := time.NewTicker(e.conf.CleanupInterval)
	sample := time.NewTicker(e.conf.SampleInterval)
	defer func() {
		cleanup.Stop()
		sample.Stop()
		close(e.doneC)
		e.outbox.Close()
		if err := e.side.Flush(); err != nil {
			glog.Errorf("engine: flush side cache: %v", err)
		}
		glog.Infof("engine: stopped")
	}()

	go e.retentionLoop(ctx)

	glog.Infof("engine: running, %d known servers", len(e.st.ServerOrder))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.eventC:
			e.apply(ev)
		case fn := <-e.intentC:
			e.drainEvents()
			fn()
		case <-cleanup.C:
			e.cleanup()
		case <-sample.C:
			e.sample()
		}
	}
}

// Submit hands ev to the loop. It returns false once the engine stopped.
func (e *Engine) Submit(ev chatstore.Event) bool {
	select {
	case e.eventC <- ev:
		return true
	case <-e.doneC:
		return false
	}
}

// Do runs fn on the loop with the store and waits for it.
func (e *Engine) Do(ctx context.Context, fn func(st *state.Store)) error {
	return e.run(ctx, func() { fn(e.st) })
}

func (e *Engine) run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.intentC <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.doneC:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.doneC:
		return ErrStopped
	}
}

// post queues fn on the loop without waiting. Used by background work
// reporting back.
func (e *Engine) post(fn func()) {
	select {
	case e.intentC <- fn:
	case <-e.doneC:
	}
}

// drainEvents applies the events already queued, so an intent sees every
// event submitted before it.
func (e *Engine) drainEvents() {
	for {
		select {
		case ev := <-e.eventC:
			e.apply(ev)
		default:
			return
		}
	}
}

func (e *Engine) pinned(id string) bool {
	return e.outbox.References(id)
}

func (e *Engine) apply(ev chatstore.Event) {
	wasConnected := e.st.Connected
	e.reducer.Apply(ev)

	switch ev := ev.(type) {
	case *chatstore.ConnectionChanged:
		if ev.Connected && !wasConnected {
			glog.Infof("engine: connected, flushing outbound queue")
			ctx := e.ctx
			go e.outbox.FlushAll(ctx)
		}
	case *chatstore.Ready:
		if cur := e.st.CurrentChannel; cur != "" {
			gen := e.generation
			ctx := e.ctx
			go func() {
				if _, err := e.preload(ctx, cur, gen); err != nil {
					glog.Errorf("engine: reload %s after snapshot: %v", cur, err)
				}
			}()
		}
	}
	badgeCount.Set(float64(e.st.Badge()))
}

func (e *Engine) cleanup() {
	now := time.Now()
	e.st.Cleanup(e.pinned)
	e.st.ExpireTyping(now, e.conf.TypingTTL)
	e.dms.EnsureNoGaps()
	glog.V(7).Infof("engine: cleanup took %v", time.Since(now))
}

// sample checks the resident estimate against the hard limit.
func (e *Engine) sample() {
	size := e.st.EstimateSize()
	residentBytes.Set(float64(size))
	limit := e.conf.Limits.HardLimitBytes
	if limit <= 0 || size <= limit {
		glog.V(7).Infof("engine: resident estimate %s", humanize.Bytes(uint64(size)))
		return
	}
	glog.Infof("engine: resident estimate %s above %s, clearing",
		humanize.Bytes(uint64(size)), humanize.Bytes(uint64(limit)))
	st := e.st.HardClear(e.pinned)
	e.reducer.RefreshDMs()
	glog.Infof("engine: hard clear evicted %+v, now %s", st, humanize.Bytes(uint64(e.st.EstimateSize())))
}
