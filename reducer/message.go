package reducer

import (
	"github.com/golang/glog"

	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/outbox"
)

func (r *Reducer) messageCreated(m *chatstore.Message) {
	s := r.Store
	if s.IsTombstoned(m.ChannelID, m.ID) {
		glog.V(5).Infof("reducer: message %s already deleted", m.ID)
		return
	}

	if m.Author != nil {
		s.PutUser(m.Author)
		r.Cache.EnqueueUpsertUsers([]*chatstore.User{m.Author.Clone()})
	}
	s.ResolveUser(m.AuthorID)

	c, known := s.Channel(m.ChannelID)
	var prevLast string
	if known {
		prevLast = c.LastMessageID
		if m.ID > c.LastMessageID {
			c.LastMessageID = m.ID
		}
	} else {
		glog.V(5).Infof("reducer: message %s for unknown channel %s", m.ID, m.ChannelID)
	}

	if known && m.AuthorID != s.SelfID {
		r.markUnread(m, prevLast)
	}

	if e, ok := r.correlate(m); ok {
		r.splice(m, e)
	} else {
		s.AddMessage(m)
	}

	if known && c.IsDirect() {
		r.DMs.MoveToFront(c.ID)
	}
	r.Cache.EnqueueUpsertMessages([]*chatstore.Message{m.Clone()}, m.ChannelID)
}

// markUnread records a message of another user against the read marker.
// A channel without a marker gets one at its previous newest message.
func (r *Reducer) markUnread(m *chatstore.Message, prevLast string) {
	s := r.Store
	u, ok := s.Unreads[m.ChannelID]
	if !ok {
		u = &chatstore.Unread{ChannelID: m.ChannelID, LastID: prevLast}
		s.Unreads[m.ChannelID] = u
	}
	if m.Mentions(s.SelfID) {
		if u.Mentions == nil {
			u.Mentions = make(map[string]struct{})
		}
		u.Mentions[m.ID] = struct{}{}
	}
}

// correlate finds the queued send m is the echo of: by the echoed nonce,
// otherwise by channel, author and content.
func (r *Reducer) correlate(m *chatstore.Message) (outbox.Entry, bool) {
	if r.Outbox == nil {
		return outbox.Entry{}, false
	}
	if m.Nonce != "" {
		if e, ok := r.Outbox.Confirm(m.Nonce); ok {
			return e, true
		}
	}
	if m.AuthorID != r.Store.SelfID {
		return outbox.Entry{}, false
	}
	e, ok := r.Outbox.MatchContent(m.ChannelID, m.AuthorID, m.Text())
	if !ok {
		return outbox.Entry{}, false
	}
	return r.Outbox.Confirm(e.Nonce)
}

// splice replaces the local echo of e with m at the same list position.
// Deferred entries have no echo, so m is appended.
func (r *Reducer) splice(m *chatstore.Message, e outbox.Entry) {
	s := r.Store
	delete(s.Messages, e.Nonce)
	ids := s.ChannelMessages[m.ChannelID]
	if i := indexOf(ids, e.Nonce); i >= 0 && !e.Deferred() {
		s.Messages[m.ID] = m
		if indexOf(ids, m.ID) >= 0 {
			s.ChannelMessages[m.ChannelID] = append(ids[:i:i], ids[i+1:]...)
		} else {
			ids[i] = m.ID
		}
		glog.V(5).Infof("reducer: confirmed %s as %s", e.Nonce, m.ID)
		return
	}
	s.AddMessage(m)
}

func (r *Reducer) messageUpdated(ev *chatstore.MessageUpdated) {
	if m, ok := r.Store.Messages[ev.ID]; ok {
		ev.Patch.Apply(m)
	}
	r.Cache.EnqueueEdit(ev.ID, ev.Patch.Content, ev.Patch.EditedAt)
}

func (r *Reducer) messageDeleted(ev *chatstore.MessageDeleted) {
	s := r.Store
	s.Tombstone(ev.ChannelID, ev.ID)
	s.RemoveMessage(ev.ChannelID, ev.ID)
	r.Cache.EnqueueDeleteMessages(ev.ChannelID, []string{ev.ID})
}

func (r *Reducer) react(channelID, messageID, emoji, userID string, add bool) {
	m, ok := r.Store.Messages[messageID]
	if !ok {
		return
	}
	users := m.Payload.Reactions[emoji]
	i := indexOf(users, userID)
	switch {
	case add && i < 0:
		if m.Payload.Reactions == nil {
			m.Payload.Reactions = make(map[string][]string)
		}
		m.Payload.Reactions[emoji] = append(users, userID)
	case !add && i >= 0:
		users = append(users[:i:i], users[i+1:]...)
		if len(users) == 0 {
			delete(m.Payload.Reactions, emoji)
		} else {
			m.Payload.Reactions[emoji] = users
		}
	default:
		return
	}
	r.Cache.EnqueueUpsertMessages([]*chatstore.Message{m.Clone()}, channelID)
}
