// Package state holds the in-memory mirror of remote state. A Store is owned
// by one goroutine; nothing in this package locks.
package state

import (
	"sort"
	"time"

	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/idclock"
)

// Store is the authoritative in-memory mirror.
type Store struct {
	Limits Limits

	// SelfID is the local user. Self survives every clear.
	SelfID string
	Self   *chatstore.User

	// Users is the working set. AllUsers holds every user seen in a snapshot
	// and is used to resolve authors without a round trip.
	Users    map[string]*chatstore.User
	AllUsers map[string]*chatstore.User

	Servers map[string]*chatstore.Server
	// ServerOrder is the ordered server list as last known.
	ServerOrder []string

	// Channels are the loaded channels. Server channels live in
	// ServerChannels and are copied into Channels when their server is
	// entered; both maps share the same pointers.
	Channels       map[string]*chatstore.Channel
	ServerChannels map[string]map[string]*chatstore.Channel

	Messages        map[string]*chatstore.Message
	ChannelMessages map[string][]string

	Members map[chatstore.MemberKey]*chatstore.Member
	Emojis  map[string]*chatstore.Emoji
	Unreads map[string]*chatstore.Unread

	// Membership mirrors the persisted membership cache.
	Membership map[string]bool

	// Tombstones holds deleted message ids per channel.
	Tombstones map[string]map[string]struct{}

	Typing map[string]map[string]time.Time

	Settings      map[string]string
	MutedChannels map[string]bool
	MutedServers  map[string]bool

	CurrentChannel string
	CurrentServer  string
	Connected      bool
}

func New(selfID string, limits Limits) *Store {
	s := &Store{Limits: limits, SelfID: selfID}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.Users = make(map[string]*chatstore.User)
	s.AllUsers = make(map[string]*chatstore.User)
	s.Servers = make(map[string]*chatstore.Server)
	s.ServerOrder = nil
	s.Channels = make(map[string]*chatstore.Channel)
	s.ServerChannels = make(map[string]map[string]*chatstore.Channel)
	s.Messages = make(map[string]*chatstore.Message)
	s.ChannelMessages = make(map[string][]string)
	s.Members = make(map[chatstore.MemberKey]*chatstore.Member)
	s.Emojis = make(map[string]*chatstore.Emoji)
	s.Unreads = make(map[string]*chatstore.Unread)
	s.Membership = make(map[string]bool)
	s.Tombstones = make(map[string]map[string]struct{})
	s.Typing = make(map[string]map[string]time.Time)
	s.Settings = make(map[string]string)
	s.MutedChannels = make(map[string]bool)
	s.MutedServers = make(map[string]bool)
	s.restoreSelf()
}

func (s *Store) restoreSelf() {
	if s.Self != nil {
		s.Users[s.Self.ID] = s.Self
		s.AllUsers[s.Self.ID] = s.Self
	}
}

// SetSelf records the local user record.
func (s *Store) SetSelf(u *chatstore.User) {
	s.Self = u
	s.SelfID = u.ID
	s.restoreSelf()
}

// Channel returns a loaded channel or one from the server side table.
func (s *Store) Channel(id string) (*chatstore.Channel, bool) {
	if c, ok := s.Channels[id]; ok {
		return c, true
	}
	for _, set := range s.ServerChannels {
		if c, ok := set[id]; ok {
			return c, true
		}
	}
	return nil, false
}

// PutChannel stores c. Server channels go to the side table and are only
// loaded when their server is.
func (s *Store) PutChannel(c *chatstore.Channel) {
	if sid := c.ServerID(); sid != "" {
		set := s.ServerChannels[sid]
		if set == nil {
			set = make(map[string]*chatstore.Channel)
			s.ServerChannels[sid] = set
		}
		set[c.ID] = c
		if _, loaded := s.Channels[c.ID]; loaded || s.ServerLoaded(sid) {
			s.Channels[c.ID] = c
		}
		return
	}
	s.Channels[c.ID] = c
}

// RemoveChannel drops a channel, its message list and its unread marker.
func (s *Store) RemoveChannel(id string) {
	if c, ok := s.Channel(id); ok {
		if sid := c.ServerID(); sid != "" {
			delete(s.ServerChannels[sid], id)
		}
	}
	delete(s.Channels, id)
	s.dropChannelMessages(id)
	delete(s.Unreads, id)
	delete(s.Typing, id)
	delete(s.Tombstones, id)
	if s.CurrentChannel == id {
		s.CurrentChannel = ""
	}
}

func (s *Store) dropChannelMessages(id string) {
	for _, mid := range s.ChannelMessages[id] {
		delete(s.Messages, mid)
	}
	delete(s.ChannelMessages, id)
}

// ServerLoaded reports whether any channel of serverID is loaded.
func (s *Store) ServerLoaded(serverID string) bool {
	for id := range s.ServerChannels[serverID] {
		if _, ok := s.Channels[id]; ok {
			return true
		}
	}
	return false
}

// LoadServerChannels copies the channels of serverID into Channels.
func (s *Store) LoadServerChannels(serverID string) int {
	n := 0
	for id, c := range s.ServerChannels[serverID] {
		if _, ok := s.Channels[id]; !ok {
			s.Channels[id] = c
			n++
		}
	}
	return n
}

// UnloadServerChannels drops the loaded channels of serverID along with their
// messages. The server of the current channel is kept.
func (s *Store) UnloadServerChannels(serverID string) int {
	if cur, ok := s.Channel(s.CurrentChannel); ok && cur.ServerID() == serverID {
		return 0
	}
	n := 0
	for id := range s.ServerChannels[serverID] {
		if _, ok := s.Channels[id]; ok {
			delete(s.Channels, id)
			s.dropChannelMessages(id)
			n++
		}
	}
	return n
}

// RemoveServer drops a server with its channels and members.
func (s *Store) RemoveServer(id string) {
	for cid := range s.ServerChannels[id] {
		s.RemoveChannel(cid)
	}
	delete(s.ServerChannels, id)
	delete(s.Servers, id)
	for k := range s.Members {
		if k.ServerID == id {
			delete(s.Members, k)
		}
	}
	for i, sid := range s.ServerOrder {
		if sid == id {
			s.ServerOrder = append(s.ServerOrder[:i:i], s.ServerOrder[i+1:]...)
			break
		}
	}
	if s.CurrentServer == id {
		s.CurrentServer = ""
	}
}

// AddMessage stores m and appends its id to the channel list unless already
// there. A message whose channel is unknown is kept in Messages only.
func (s *Store) AddMessage(m *chatstore.Message) {
	s.Messages[m.ID] = m
	if _, ok := s.Channel(m.ChannelID); !ok {
		return
	}
	if containsString(s.ChannelMessages[m.ChannelID], m.ID) {
		return
	}
	s.ChannelMessages[m.ChannelID] = append(s.ChannelMessages[m.ChannelID], m.ID)
}

// InsertMessages merges msgs into the channel list keeping id order. Used for
// history loaded from the cache. Local echoes, whose ids are nonces, stay
// after every confirmed message in their original order.
func (s *Store) InsertMessages(channelID string, msgs []*chatstore.Message) {
	ids := s.ChannelMessages[channelID]
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	tomb := s.Tombstones[channelID]
	for _, m := range msgs {
		if _, dead := tomb[m.ID]; dead {
			continue
		}
		if _, ok := s.Messages[m.ID]; !ok {
			s.Messages[m.ID] = m
		}
		if !seen[m.ID] {
			ids = append(ids, m.ID)
			seen[m.ID] = true
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ei, ej := isEcho(ids[i]), isEcho(ids[j])
		if ei || ej {
			return !ei && ej
		}
		return ids[i] < ids[j]
	})
	s.ChannelMessages[channelID] = ids
}

// isEcho reports whether id is a local nonce rather than a server id.
func isEcho(id string) bool {
	_, ok := idclock.Millis(id)
	return !ok
}

// RemoveMessage drops a message from the map and from its channel list.
func (s *Store) RemoveMessage(channelID, id string) {
	delete(s.Messages, id)
	ids := s.ChannelMessages[channelID]
	for i, mid := range ids {
		if mid == id {
			s.ChannelMessages[channelID] = append(ids[:i:i], ids[i+1:]...)
			return
		}
	}
}

// Tombstone marks id as deleted in channelID.
func (s *Store) Tombstone(channelID, id string) {
	set := s.Tombstones[channelID]
	if set == nil {
		set = make(map[string]struct{})
		s.Tombstones[channelID] = set
	}
	set[id] = struct{}{}
}

func (s *Store) IsTombstoned(channelID, id string) bool {
	_, ok := s.Tombstones[channelID][id]
	return ok
}

// ResolveUser returns the user for id from the working set, then from
// AllUsers, and otherwise a placeholder. Found users join the working set.
func (s *Store) ResolveUser(id string) *chatstore.User {
	if u, ok := s.Users[id]; ok {
		return u
	}
	if u, ok := s.AllUsers[id]; ok {
		s.Users[id] = u
		return u
	}
	u := chatstore.PlaceholderUser(id)
	s.Users[id] = u
	return u
}

// PutUser stores u, replacing a placeholder or an older record.
func (s *Store) PutUser(u *chatstore.User) {
	s.Users[u.ID] = u
	s.AllUsers[u.ID] = u
	if u.ID == s.SelfID {
		s.Self = u
	}
}

func (s *Store) IsMuted(c *chatstore.Channel) bool {
	if s.MutedChannels[c.ID] {
		return true
	}
	if sid := c.ServerID(); sid != "" && s.MutedServers[sid] {
		return true
	}
	return false
}

// ExpireTyping drops typing indicators older than ttl.
func (s *Store) ExpireTyping(now time.Time, ttl time.Duration) {
	for cid, users := range s.Typing {
		for uid, at := range users {
			if now.Sub(at) > ttl {
				delete(users, uid)
			}
		}
		if len(users) == 0 {
			delete(s.Typing, cid)
		}
	}
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
