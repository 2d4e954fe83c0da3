package state

import (
	"sort"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/idclock"
)

// Limits are the per-class ceilings of a Store.
type Limits struct {
	MaxMessages        int
	MaxUsers           int
	MaxChannels        int
	MaxServers         int
	MaxChannelMessages int // per channel id list

	// RetainedTail is what a channel keeps when the user leaves it.
	RetainedTail int

	// Above HardLimitBytes resident, HardClear keeps HardKeepMessages
	// messages and HardKeepServers servers.
	HardLimitBytes   int64
	HardKeepMessages int
	HardKeepServers  int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessages:        7000,
		MaxUsers:           2000,
		MaxChannels:        2000,
		MaxServers:         50,
		MaxChannelMessages: 500,
		RetainedTail:       50,
		HardLimitBytes:     256 << 20,
		HardKeepMessages:   1000,
		HardKeepServers:    10,
	}
}

// Pinned reports message ids that must survive eviction.
type Pinned func(id string) bool

// Stats counts what a pass removed, per class.
type Stats struct {
	Messages int
	Users    int
	Channels int
	Servers  int
	Unreads  int
}

func (st Stats) Total() int {
	return st.Messages + st.Users + st.Channels + st.Servers + st.Unreads
}

var evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "chatmirror_evictions_total",
	Help: "Entities evicted from memory, by class.",
}, []string{"class"})

func init() {
	prometheus.MustRegister(evictions)
}

func (st Stats) record() {
	evictions.WithLabelValues("message").Add(float64(st.Messages))
	evictions.WithLabelValues("user").Add(float64(st.Users))
	evictions.WithLabelValues("channel").Add(float64(st.Channels))
	evictions.WithLabelValues("server").Add(float64(st.Servers))
	evictions.WithLabelValues("unread").Add(float64(st.Unreads))
}

func orNone(p Pinned) Pinned {
	if p == nil {
		return func(string) bool { return false }
	}
	return p
}

// protectedChannel reports whether the id list of channelID is never trimmed:
// the open channel and direct channels.
func (s *Store) protectedChannel(channelID string) bool {
	if channelID == s.CurrentChannel {
		return true
	}
	c, ok := s.Channel(channelID)
	return ok && c.IsDirect()
}

// Cleanup is the periodic pass: trim channel lists, drop orphans, then bring
// every class under its ceiling and sweep stale unreads.
func (s *Store) Cleanup(pinned Pinned) Stats {
	pinned = orNone(pinned)
	var st Stats

	s.trimLists(pinned)
	st.Messages += s.removeOrphans(pinned)
	st.Messages += s.evictMessages(s.Limits.MaxMessages, pinned)
	st.Channels += s.evictChannels(pinned)
	st.Messages += s.removeOrphans(pinned)
	st.Servers += s.evictServers(s.Limits.MaxServers)
	st.Users += s.evictUsers()
	st.Unreads += s.SweepStaleUnreads()

	st.record()
	if st.Total() > 0 {
		glog.V(5).Infof("state: cleanup evicted %+v", st)
	}
	return st
}

// trimLists keeps the newest MaxChannelMessages ids of unprotected lists.
// Pinned ids stay.
func (s *Store) trimLists(pinned Pinned) {
	limit := s.Limits.MaxChannelMessages
	if limit <= 0 {
		return
	}
	for cid, ids := range s.ChannelMessages {
		if len(ids) <= limit || s.protectedChannel(cid) {
			continue
		}
		s.ChannelMessages[cid] = keepTail(ids, limit, pinned)
	}
}

func keepTail(ids []string, n int, pinned Pinned) []string {
	cut := len(ids) - n
	if cut <= 0 {
		return ids
	}
	out := make([]string, 0, n)
	for i, id := range ids {
		if i >= cut || pinned(id) {
			out = append(out, id)
		}
	}
	return out
}

// removeOrphans drops messages that no channel list references.
func (s *Store) removeOrphans(pinned Pinned) int {
	referenced := make(map[string]struct{}, len(s.Messages))
	for _, ids := range s.ChannelMessages {
		for _, id := range ids {
			referenced[id] = struct{}{}
		}
	}
	n := 0
	for id := range s.Messages {
		if _, ok := referenced[id]; ok || pinned(id) {
			continue
		}
		delete(s.Messages, id)
		n++
	}
	return n
}

// evictMessages removes the oldest messages until at most limit remain.
// Messages of protected channels go last and keep their place in the list.
func (s *Store) evictMessages(limit int, pinned Pinned) int {
	if limit <= 0 || len(s.Messages) <= limit {
		return 0
	}

	type candidate struct {
		id, channelID string
		protected     bool
		at            int64
	}
	var cands []candidate
	for id, m := range s.Messages {
		if pinned(id) {
			continue
		}
		cands = append(cands, candidate{
			id:        id,
			channelID: m.ChannelID,
			protected: s.protectedChannel(m.ChannelID),
			at:        idclock.Timestamp(id).UnixMilli(),
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.protected != b.protected {
			return !a.protected
		}
		if a.at != b.at {
			return a.at < b.at
		}
		return a.id < b.id
	})

	n := 0
	dropped := make(map[string]map[string]bool)
	for _, c := range cands {
		if len(s.Messages) <= limit {
			break
		}
		delete(s.Messages, c.id)
		n++
		if !c.protected {
			if dropped[c.channelID] == nil {
				dropped[c.channelID] = make(map[string]bool)
			}
			dropped[c.channelID][c.id] = true
		}
	}
	for cid, set := range dropped {
		ids := s.ChannelMessages[cid]
		out := ids[:0]
		for _, id := range ids {
			if !set[id] {
				out = append(out, id)
			}
		}
		s.ChannelMessages[cid] = out
	}
	return n
}

// evictChannels unloads the least recently active server channels above
// MaxChannels. Direct channels and the open channel stay, as do channels
// holding pinned messages.
func (s *Store) evictChannels(pinned Pinned) int {
	limit := s.Limits.MaxChannels
	if limit <= 0 || len(s.Channels) <= limit {
		return 0
	}
	var cands []*chatstore.Channel
	for id, c := range s.Channels {
		if c.IsDirect() || id == s.CurrentChannel || s.holdsPinned(id, pinned) {
			continue
		}
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool { return activity(cands[i]) < activity(cands[j]) })

	n := 0
	for _, c := range cands {
		if len(s.Channels) <= limit {
			break
		}
		delete(s.Channels, c.ID)
		delete(s.ChannelMessages, c.ID)
		n++
	}
	return n
}

func (s *Store) holdsPinned(channelID string, pinned Pinned) bool {
	for _, id := range s.ChannelMessages[channelID] {
		if pinned(id) {
			return true
		}
	}
	return false
}

// activity orders channels by their newest message, falling back to the
// channel id.
func activity(c *chatstore.Channel) string {
	if c.LastMessageID != "" {
		return c.LastMessageID
	}
	return c.ID
}

// evictServers drops servers above limit, least prominent first: those missing
// from ServerOrder, then from the end of the order. The current server stays.
func (s *Store) evictServers(limit int) int {
	if limit <= 0 || len(s.Servers) <= limit {
		return 0
	}
	keep := s.currentServers()

	rank := make(map[string]int, len(s.ServerOrder))
	for i, id := range s.ServerOrder {
		rank[id] = i
	}
	var cands []string
	for id := range s.Servers {
		if !keep[id] {
			cands = append(cands, id)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		ri, iok := rank[cands[i]]
		rj, jok := rank[cands[j]]
		if iok != jok {
			return !iok
		}
		if ri != rj {
			return ri > rj
		}
		return cands[i] < cands[j]
	})

	n := 0
	for _, id := range cands {
		if len(s.Servers) <= limit {
			break
		}
		s.RemoveServer(id)
		n++
	}
	return n
}

func (s *Store) currentServers() map[string]bool {
	keep := make(map[string]bool, 2)
	if s.CurrentServer != "" {
		keep[s.CurrentServer] = true
	}
	if c, ok := s.Channel(s.CurrentChannel); ok && c.ServerID() != "" {
		keep[c.ServerID()] = true
	}
	return keep
}

// ReferencedUsers is the set of users that must stay in memory: participants
// of loaded channels, owners and members of servers, authors and mentions of
// messages, and the local user.
func (s *Store) ReferencedUsers() map[string]bool {
	ref := make(map[string]bool)
	if s.SelfID != "" {
		ref[s.SelfID] = true
	}
	for _, c := range s.Channels {
		for _, id := range c.Participants() {
			ref[id] = true
		}
	}
	for _, srv := range s.Servers {
		ref[srv.OwnerID] = true
	}
	for k := range s.Members {
		ref[k.UserID] = true
	}
	for _, m := range s.Messages {
		ref[m.AuthorID] = true
		for _, id := range m.Payload.Mentions {
			ref[id] = true
		}
	}
	for _, users := range s.Typing {
		for id := range users {
			ref[id] = true
		}
	}
	return ref
}

// evictUsers drops unreferenced users above MaxUsers, oldest id first.
func (s *Store) evictUsers() int {
	limit := s.Limits.MaxUsers
	if limit <= 0 || len(s.Users) <= limit {
		return 0
	}
	ref := s.ReferencedUsers()
	var cands []string
	for id := range s.Users {
		if !ref[id] {
			cands = append(cands, id)
		}
	}
	sort.Strings(cands)

	n := 0
	for _, id := range cands {
		if len(s.Users) <= limit {
			break
		}
		delete(s.Users, id)
		n++
	}
	return n
}

// SweepStaleUnreads drops unread markers of channels known nowhere.
func (s *Store) SweepStaleUnreads() int {
	n := 0
	for id := range s.Unreads {
		if _, ok := s.Channel(id); !ok {
			delete(s.Unreads, id)
			n++
		}
	}
	return n
}

// LeaveChannel trims the list of a channel the user navigated away from to
// its RetainedTail newest ids, then runs message eviction.
func (s *Store) LeaveChannel(channelID string, pinned Pinned) Stats {
	pinned = orNone(pinned)
	var st Stats
	if channelID == "" || channelID == s.CurrentChannel {
		return st
	}
	if c, ok := s.Channel(channelID); ok && c.IsDirect() {
		return st
	}

	ids := s.ChannelMessages[channelID]
	if tail := s.Limits.RetainedTail; tail > 0 && len(ids) > tail {
		kept := keepTail(ids, tail, pinned)
		keep := make(map[string]bool, len(kept))
		for _, id := range kept {
			keep[id] = true
		}
		for _, id := range ids {
			if !keep[id] {
				delete(s.Messages, id)
				st.Messages++
			}
		}
		s.ChannelMessages[channelID] = kept
	}
	st.Messages += s.evictMessages(s.Limits.MaxMessages, pinned)
	st.record()
	return st
}

// HardClear is the response to memory pressure: it keeps the newest
// HardKeepMessages messages, the open channel and direct channels, and
// HardKeepServers servers. The local user is always put back.
func (s *Store) HardClear(pinned Pinned) Stats {
	pinned = orNone(pinned)
	var st Stats

	// channels
	for id, c := range s.Channels {
		if id == s.CurrentChannel || c.IsDirect() {
			continue
		}
		delete(s.Channels, id)
		delete(s.ChannelMessages, id)
		st.Channels++
	}

	// servers
	keep := s.currentServers()
	for _, id := range s.ServerOrder {
		if len(keep) >= s.Limits.HardKeepServers {
			break
		}
		if _, ok := s.Servers[id]; ok {
			keep[id] = true
		}
	}
	for id := range s.Servers {
		if !keep[id] {
			s.RemoveServer(id)
			st.Servers++
		}
	}

	// messages
	before := len(s.Messages)
	s.removeOrphans(pinned)
	s.evictMessages(s.Limits.HardKeepMessages, pinned)
	for cid, ids := range s.ChannelMessages {
		out := ids[:0]
		for _, id := range ids {
			if _, ok := s.Messages[id]; ok {
				out = append(out, id)
			}
		}
		s.ChannelMessages[cid] = out
	}
	st.Messages = before - len(s.Messages)

	// users
	beforeUsers := len(s.Users)
	ref := s.ReferencedUsers()
	users := make(map[string]*chatstore.User, len(ref))
	for id := range ref {
		if u, ok := s.Users[id]; ok {
			users[id] = u
		}
	}
	s.Users = users
	s.AllUsers = make(map[string]*chatstore.User, len(users))
	for id, u := range users {
		s.AllUsers[id] = u
	}
	s.restoreSelf()
	st.Users = beforeUsers - len(s.Users)
	if st.Users < 0 {
		st.Users = 0
	}

	st.Unreads = s.SweepStaleUnreads()
	st.record()
	glog.Infof("state: hard clear evicted %+v", st)
	return st
}
