package engine

import (
	"context"

	"github.com/golang/glog"

	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/outbox"
)

// SelectChannel opens channelID, trims the channel left behind and shows the
// cached history of the new one. It returns once the preload is applied or
// discarded.
func (e *Engine) SelectChannel(ctx context.Context, channelID string) error {
	var gen uint64
	if err := e.run(ctx, func() { gen = e.selectChannel(channelID) }); err != nil {
		return err
	}
	_, err := e.preload(ctx, channelID, gen)
	return err
}

func (e *Engine) selectChannel(channelID string) uint64 {
	st := e.st
	prev := st.CurrentChannel
	if prev == channelID {
		return e.generation
	}

	st.CurrentChannel = channelID
	e.generation++

	var prevServer string
	if prev != "" {
		if c, ok := st.Channel(prev); ok {
			prevServer = c.ServerID()
		}
		st.LeaveChannel(prev, e.pinned)
	}

	if c, ok := st.Channel(channelID); ok {
		if sid := c.ServerID(); sid != "" {
			e.servers.Select(sid)
		}
	}
	// the previous server was only kept loaded for its open channel.
	if prevServer != "" && prevServer != e.servers.Current() {
		e.servers.Leave(prevServer)
	}
	glog.V(5).Infof("engine: channel %s selected, generation %d", channelID, e.generation)
	return e.generation
}

// Preload shows the cached history of channelID. The result is dropped if
// the selection changed while the cache was read.
func (e *Engine) Preload(ctx context.Context, channelID string) (bool, error) {
	var gen uint64
	if err := e.run(ctx, func() { gen = e.generation }); err != nil {
		return false, err
	}
	return e.preload(ctx, channelID, gen)
}

func (e *Engine) preload(ctx context.Context, channelID string, gen uint64) (bool, error) {
	msgs, err := e.cache.QueryMessages(ctx, channelID, e.conf.PreloadLimit, 0)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	authors := make([]string, 0, len(msgs))
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.AuthorID] {
			seen[m.AuthorID] = true
			authors = append(authors, m.AuthorID)
		}
	}
	users, err := e.cache.QueryUsers(ctx, authors)
	if err != nil {
		glog.Errorf("engine: preload authors of %s: %v", channelID, err)
	}

	var applied bool
	err = e.run(ctx, func() {
		if e.generation != gen {
			return
		}
		for _, u := range users {
			e.putCachedUser(u)
		}
		for _, m := range msgs {
			e.st.ResolveUser(m.AuthorID)
		}
		e.st.InsertMessages(channelID, msgs)
		applied = true
	})
	if err != nil {
		return false, err
	}
	if applied {
		preloads.WithLabelValues("applied").Inc()
	} else {
		preloads.WithLabelValues("stale").Inc()
		glog.V(5).Infof("engine: stale preload of %s dropped", channelID)
	}
	return applied, nil
}

// putCachedUser stores a user read from the cache unless a fresher record
// is already known.
func (e *Engine) putCachedUser(u *chatstore.User) {
	if cur, ok := e.st.Users[u.ID]; ok && !cur.Placeholder {
		return
	}
	if cur, ok := e.st.AllUsers[u.ID]; ok && !cur.Placeholder {
		e.st.Users[u.ID] = cur
		return
	}
	e.st.PutUser(u)
}

// resolveRecipients runs on the loop for every loaded DM batch and fills
// unknown participants from the cache in the background.
func (e *Engine) resolveRecipients(channelIDs []string) {
	var missing []string
	for _, id := range channelIDs {
		c, ok := e.st.Channel(id)
		if !ok {
			continue
		}
		for _, uid := range c.Participants() {
			if u, ok := e.st.AllUsers[uid]; !ok || u.Placeholder {
				missing = append(missing, uid)
			}
		}
	}
	if len(missing) == 0 || !e.cache.Enabled() {
		return
	}
	ctx := e.ctx
	go func() {
		users, err := e.cache.QueryUsers(ctx, missing)
		if err != nil {
			glog.Errorf("engine: resolve dm recipients: %v", err)
			return
		}
		e.post(func() {
			for _, u := range users {
				e.putCachedUser(u)
			}
		})
	}()
}

// LoadDMBatch materializes batch i of the direct channel list and any batch
// left unloaded below it.
func (e *Engine) LoadDMBatch(ctx context.Context, i int) ([]string, error) {
	var visible []string
	err := e.run(ctx, func() {
		e.dms.LoadBatch(i)
		e.dms.EnsureNoGaps()
		visible = e.dms.Visible()
	})
	return visible, err
}

func (e *Engine) SelectServer(ctx context.Context, serverID string) error {
	return e.run(ctx, func() { e.servers.Select(serverID) })
}

// LeaveServer unloads the channels of serverID unless it holds the open
// channel.
func (e *Engine) LeaveServer(ctx context.Context, serverID string) error {
	return e.run(ctx, func() {
		if e.servers.Current() == serverID {
			e.servers.Select("")
			return
		}
		e.servers.Leave(serverID)
	})
}

// SendMessage queues a message and shows it at once under its nonce.
// Messages with attachments appear when the server confirms them.
func (e *Engine) SendMessage(ctx context.Context, channelID, content string, replies []string, attachments []outbox.Attachment) (outbox.Entry, error) {
	var entry outbox.Entry
	err := e.run(ctx, func() {
		st := e.st
		entry = e.outbox.Send(channelID, st.SelfID, content, replies, attachments)
		if entry.Deferred() {
			return
		}
		text := content
		st.AddMessage(&chatstore.Message{
			ID:        entry.Nonce,
			ChannelID: channelID,
			AuthorID:  st.SelfID,
			Content:   &text,
			Nonce:     entry.Nonce,
			Payload:   chatstore.Payload{Replies: append([]string(nil), replies...)},
		})
		if c, ok := st.Channel(channelID); ok && c.IsDirect() {
			e.dms.MoveToFront(channelID)
		}
	})
	return entry, err
}

// RetryMessage queues a permanently failed message again.
func (e *Engine) RetryMessage(nonce string) bool {
	return e.outbox.Retry(nonce)
}

// DiscardMessage drops a failed message and its local echo.
func (e *Engine) DiscardMessage(ctx context.Context, channelID, nonce string) error {
	return e.run(ctx, func() {
		if e.outbox.Discard(nonce) {
			e.st.RemoveMessage(channelID, nonce)
		}
	})
}

// SetConnected reports a transport state change.
func (e *Engine) SetConnected(connected bool) {
	e.Submit(&chatstore.ConnectionChanged{Connected: connected})
}

func (e *Engine) Badge(ctx context.Context) (int, error) {
	var n int
	err := e.run(ctx, func() { n = e.st.Badge() })
	return n, err
}

// SetDraft saves the unsent text of a channel.
func (e *Engine) SetDraft(channelID, text string) {
	e.side.SetDraft(channelID, text)
}

func (e *Engine) Drafts() map[string]string {
	return e.side.Drafts()
}

// Failed returns the messages the server rejected.
func (e *Engine) Failed() []outbox.Entry {
	return e.outbox.Failed()
}
