// Package reducer applies server events to the state store. Every transition
// runs on the goroutine owning the store and never waits on I/O: cache writes
// are queued and side-cache writes are either debounced or local file writes.
package reducer

import (
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/chatmirror/auth"
	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/loader"
	"github.com/mqy/chatmirror/outbox"
	"github.com/mqy/chatmirror/state"
	"github.com/mqy/chatmirror/store"
)

// Outbox is the part of the outbound queue the reducer correlates echoes with.
type Outbox interface {
	Confirm(nonce string) (outbox.Entry, bool)
	MatchContent(channelID, authorID, content string) (outbox.Entry, bool)
	// References reports whether id is a nonce the queue still holds.
	References(id string) bool
}

// SideCache persists server order, membership and drafts.
type SideCache interface {
	PutServers(order []string)
	PutMembership(m map[string]bool) error
	ScheduleMembership(m map[string]bool)
	ClearDrafts() error
}

type Deps struct {
	Store   *state.Store
	Cache   store.ICacheStore
	DMs     *loader.DMLoader
	Outbox  Outbox
	Side    SideCache
	SignOut auth.SignOutSink
	Now     func() time.Time
}

type Reducer struct {
	Deps
}

var reduced = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "chatmirror_events_reduced_total",
	Help: "Events applied to the state store, by kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(reduced)
}

func New(deps Deps) *Reducer {
	if deps.Cache == nil {
		deps.Cache = store.Disabled()
	}
	if deps.DMs == nil {
		deps.DMs = loader.NewDMLoader(loader.DefaultBatchSize, nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Reducer{Deps: deps}
}

// Apply runs the transition for ev.
func (r *Reducer) Apply(ev chatstore.Event) {
	reduced.WithLabelValues(ev.Kind()).Inc()
	glog.V(5).Infof("reducer: %s", ev.Kind())

	switch ev := ev.(type) {
	case *chatstore.Ready:
		r.ready(ev)
	case *chatstore.MessageCreated:
		r.messageCreated(ev.Message)
	case *chatstore.MessageUpdated:
		r.messageUpdated(ev)
	case *chatstore.MessageDeleted:
		r.messageDeleted(ev)
	case *chatstore.ReactionAdded:
		r.react(ev.ChannelID, ev.MessageID, ev.Emoji, ev.UserID, true)
	case *chatstore.ReactionRemoved:
		r.react(ev.ChannelID, ev.MessageID, ev.Emoji, ev.UserID, false)
	case *chatstore.ChannelCreated:
		r.channelCreated(ev.Channel)
	case *chatstore.ChannelUpdated:
		r.channelUpdated(ev)
	case *chatstore.ChannelDeleted:
		r.channelDeleted(ev.ID)
	case *chatstore.ServerCreated:
		r.serverCreated(ev)
	case *chatstore.ServerUpdated:
		if s, ok := r.Store.Servers[ev.ID]; ok {
			ev.Patch.Apply(s)
		}
	case *chatstore.ServerDeleted:
		r.Store.RemoveServer(ev.ID)
		r.noteMembership(ev.ID, false)
		r.saveServerOrder()
	case *chatstore.RoleUpdated:
		r.roleUpdated(ev)
	case *chatstore.RoleDeleted:
		r.roleDeleted(ev)
	case *chatstore.MemberJoined:
		r.memberJoined(ev)
	case *chatstore.MemberUpdated:
		r.memberUpdated(ev)
	case *chatstore.MemberLeft:
		r.memberLeft(ev)
	case *chatstore.UserUpdated:
		r.userUpdated(ev)
	case *chatstore.RelationshipChanged:
		u := ev.User.Clone()
		u.Relationship = ev.Status
		r.Store.PutUser(u)
		r.Cache.EnqueueUpsertUsers([]*chatstore.User{u.Clone()})
	case *chatstore.ChannelAcked:
		r.channelAcked(ev)
	case *chatstore.TypingStarted:
		r.typing(ev.ChannelID, ev.UserID, true)
	case *chatstore.TypingStopped:
		r.typing(ev.ChannelID, ev.UserID, false)
	case *chatstore.SettingsUpdated:
		r.settingsUpdated(ev)
	case *chatstore.SessionInvalidated:
		r.signOut(ev.Reason)
	case *chatstore.LoggedOut:
		r.signOut("logged out")
	case *chatstore.ConnectionChanged:
		r.Store.Connected = ev.Connected
	default:
		glog.Errorf("reducer: unhandled event %T", ev)
	}
}

func (r *Reducer) signOut(reason string) {
	if r.SignOut != nil {
		r.SignOut.SignOut(reason)
	}
	if r.Side != nil {
		if err := r.Side.ClearDrafts(); err != nil {
			glog.Errorf("reducer: clear drafts: %v", err)
		}
	}
}

// setMembership records the local user's own join or leave and saves it
// before returning.
func (r *Reducer) setMembership(serverID string, member bool) {
	r.Store.Membership[serverID] = member
	if r.Side == nil {
		return
	}
	if err := r.Side.PutMembership(r.Store.Membership); err != nil {
		glog.Errorf("reducer: save membership: %v", err)
	}
}

func (r *Reducer) noteMembership(serverID string, member bool) {
	r.Store.Membership[serverID] = member
	r.scheduleMembership()
}

func (r *Reducer) scheduleMembership() {
	if r.Side != nil {
		r.Side.ScheduleMembership(r.Store.Membership)
	}
}

func (r *Reducer) saveServerOrder() {
	if r.Side != nil {
		r.Side.PutServers(append([]string(nil), r.Store.ServerOrder...))
	}
}

// RefreshDMs recomputes the direct channel order and makes sure the first
// batch is visible.
func (r *Reducer) RefreshDMs() {
	var direct []*chatstore.Channel
	for _, c := range r.Store.Channels {
		if c.IsDirect() {
			direct = append(direct, c)
		}
	}
	r.DMs.SetOrder(loader.OrderDMs(direct, r.Store.HasUnread))
	r.DMs.LoadBatch(0)
}

func indexOf(list []string, v string) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}
