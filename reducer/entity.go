package reducer

import (
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatmirror/chatstore"
)

// ready merges the snapshot. Entities already known survive; messages are
// dropped since the server is now the source for them, except local echoes
// the outbound queue still holds. Server membership follows the snapshot
// exactly.
func (r *Reducer) ready(ev *chatstore.Ready) {
	s := r.Store

	pending := r.pendingEchoes()
	s.Messages = make(map[string]*chatstore.Message)
	s.ChannelMessages = make(map[string][]string)

	cached := make([]*chatstore.User, 0, len(ev.Users))
	for _, u := range ev.Users {
		if s.SelfID == "" && u.Relationship == chatstore.RelationSelf {
			s.SetSelf(u)
		}
		s.PutUser(u)
		cached = append(cached, u.Clone())
	}
	if len(cached) > 0 {
		r.Cache.EnqueueUpsertUsers(cached)
	}

	inSnapshot := make(map[string]bool, len(ev.Servers))
	order := make([]string, 0, len(ev.Servers))
	for _, srv := range ev.Servers {
		s.Servers[srv.ID] = srv
		inSnapshot[srv.ID] = true
		order = append(order, srv.ID)
	}
	s.ServerOrder = order

	for _, c := range ev.Channels {
		s.PutChannel(c)
	}
	for _, m := range pending {
		s.AddMessage(m)
	}
	for _, m := range ev.Members {
		s.Members[m.Key] = m
	}
	for _, e := range ev.Emojis {
		s.Emojis[e.ID] = e
	}
	for _, u := range ev.Unreads {
		s.Unreads[u.ChannelID] = u
	}

	for id := range s.Membership {
		if !inSnapshot[id] {
			s.Membership[id] = false
		}
	}
	for id := range inSnapshot {
		s.Membership[id] = true
	}
	r.scheduleMembership()
	r.saveServerOrder()

	swept := s.SweepStaleUnreads()
	r.RefreshDMs()
	glog.Infof("reducer: snapshot with %d users, %d servers, %d channels, %d stale unreads swept",
		len(ev.Users), len(ev.Servers), len(ev.Channels), swept)
}

// pendingEchoes returns the local echoes still referenced by the outbound
// queue, in channel list order.
func (r *Reducer) pendingEchoes() []*chatstore.Message {
	if r.Outbox == nil {
		return nil
	}
	var out []*chatstore.Message
	for _, ids := range r.Store.ChannelMessages {
		for _, id := range ids {
			if m, ok := r.Store.Messages[id]; ok && r.Outbox.References(id) {
				out = append(out, m)
			}
		}
	}
	return out
}

func (r *Reducer) channelCreated(c *chatstore.Channel) {
	s := r.Store
	s.PutChannel(c)
	if sid := c.ServerID(); sid != "" {
		if srv, ok := s.Servers[sid]; ok && indexOf(srv.ChannelIDs, c.ID) < 0 {
			srv.ChannelIDs = append(srv.ChannelIDs, c.ID)
		}
	}
	if c.IsDirect() {
		r.DMs.MoveToFront(c.ID)
	}
}

func (r *Reducer) channelUpdated(ev *chatstore.ChannelUpdated) {
	c, ok := r.Store.Channel(ev.ID)
	if !ok {
		glog.V(5).Infof("reducer: update of unknown channel %s", ev.ID)
		return
	}
	ev.Patch.Apply(c)
}

func (r *Reducer) channelDeleted(id string) {
	s := r.Store
	if c, ok := s.Channel(id); ok {
		if srv, ok := s.Servers[c.ServerID()]; ok {
			if i := indexOf(srv.ChannelIDs, id); i >= 0 {
				srv.ChannelIDs = append(srv.ChannelIDs[:i:i], srv.ChannelIDs[i+1:]...)
			}
		}
	}
	s.RemoveChannel(id)
	r.DMs.Remove(id)
}

// serverCreated is delivered when the local user joins a server.
func (r *Reducer) serverCreated(ev *chatstore.ServerCreated) {
	s := r.Store
	if _, ok := s.Servers[ev.Server.ID]; !ok {
		s.ServerOrder = append(s.ServerOrder, ev.Server.ID)
	}
	s.Servers[ev.Server.ID] = ev.Server
	for _, c := range ev.Channels {
		s.PutChannel(c)
	}
	r.noteMembership(ev.Server.ID, true)
	r.saveServerOrder()
}

func (r *Reducer) roleUpdated(ev *chatstore.RoleUpdated) {
	srv, ok := r.Store.Servers[ev.ServerID]
	if !ok {
		return
	}
	if srv.Roles == nil {
		srv.Roles = make(map[string]*chatstore.Role)
	}
	role, ok := srv.Roles[ev.RoleID]
	if !ok {
		role = &chatstore.Role{ID: ev.RoleID}
		srv.Roles[ev.RoleID] = role
	}
	ev.Patch.Apply(role)
}

func (r *Reducer) roleDeleted(ev *chatstore.RoleDeleted) {
	s := r.Store
	if srv, ok := s.Servers[ev.ServerID]; ok {
		delete(srv.Roles, ev.RoleID)
	}
	for k, m := range s.Members {
		if k.ServerID != ev.ServerID {
			continue
		}
		if i := indexOf(m.Roles, ev.RoleID); i >= 0 {
			m.Roles = append(m.Roles[:i:i], m.Roles[i+1:]...)
		}
	}
}

func (r *Reducer) memberJoined(ev *chatstore.MemberJoined) {
	s := r.Store
	key := chatstore.MemberKey{ServerID: ev.ServerID, UserID: ev.UserID}
	if _, ok := s.Members[key]; !ok {
		s.Members[key] = &chatstore.Member{Key: key, JoinedAt: r.Now()}
	}
	if ev.UserID == s.SelfID {
		r.setMembership(ev.ServerID, true)
	}
}

func (r *Reducer) memberUpdated(ev *chatstore.MemberUpdated) {
	m, ok := r.Store.Members[ev.Key]
	if !ok {
		m = &chatstore.Member{Key: ev.Key, JoinedAt: r.Now()}
		r.Store.Members[ev.Key] = m
	}
	ev.Patch.Apply(m)
}

func (r *Reducer) memberLeft(ev *chatstore.MemberLeft) {
	s := r.Store
	delete(s.Members, chatstore.MemberKey{ServerID: ev.ServerID, UserID: ev.UserID})
	if ev.UserID == s.SelfID {
		s.RemoveServer(ev.ServerID)
		r.setMembership(ev.ServerID, false)
		r.saveServerOrder()
	}
}

func (r *Reducer) userUpdated(ev *chatstore.UserUpdated) {
	s := r.Store
	u, ok := s.Users[ev.ID]
	if !ok {
		if u, ok = s.AllUsers[ev.ID]; !ok {
			glog.V(5).Infof("reducer: update of unknown user %s", ev.ID)
			return
		}
	}
	ev.Patch.Apply(u)
	if !u.Placeholder {
		r.Cache.EnqueueUpsertUsers([]*chatstore.User{u.Clone()})
	}
}

// channelAcked moves the read marker. Only acks of the local user count.
func (r *Reducer) channelAcked(ev *chatstore.ChannelAcked) {
	s := r.Store
	if ev.UserID != s.SelfID {
		return
	}
	u, ok := s.Unreads[ev.ChannelID]
	if !ok {
		u = &chatstore.Unread{ChannelID: ev.ChannelID}
		s.Unreads[ev.ChannelID] = u
	}
	if ev.MessageID > u.LastID {
		u.LastID = ev.MessageID
	}
	for id := range u.Mentions {
		if id <= u.LastID {
			delete(u.Mentions, id)
		}
	}
}

func (r *Reducer) typing(channelID, userID string, started bool) {
	s := r.Store
	if userID == s.SelfID {
		return
	}
	if !started {
		delete(s.Typing[channelID], userID)
		if len(s.Typing[channelID]) == 0 {
			delete(s.Typing, channelID)
		}
		return
	}
	users := s.Typing[channelID]
	if users == nil {
		users = make(map[string]time.Time)
		s.Typing[channelID] = users
	}
	users[userID] = r.Now()
}

// settingsUpdated merges synced settings. Notification preferences are
// replaced as a whole and define the muted sets.
func (r *Reducer) settingsUpdated(ev *chatstore.SettingsUpdated) {
	s := r.Store
	for k, v := range ev.Values {
		s.Settings[k] = v
	}
	if ev.Notifications == nil {
		return
	}
	s.MutedServers = make(map[string]bool)
	for id, state := range ev.Notifications.Servers {
		if state == chatstore.NotifyMuted {
			s.MutedServers[id] = true
		}
	}
	s.MutedChannels = make(map[string]bool)
	for id, state := range ev.Notifications.Channels {
		if state == chatstore.NotifyMuted {
			s.MutedChannels[id] = true
		}
	}
}
