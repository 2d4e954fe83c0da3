package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/chatmirror/auth"
	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/idclock"
	"github.com/mqy/chatmirror/outbox"
	outbox_mock "github.com/mqy/chatmirror/outbox/mock"
	"github.com/mqy/chatmirror/sidecache"
	"github.com/mqy/chatmirror/state"
	"github.com/mqy/chatmirror/store"
)

var base = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

func idAt(i int) string {
	return idclock.New(base.Add(time.Duration(i) * time.Millisecond))
}

type harness struct {
	e     *Engine
	cache *store.Cache
	side  *sidecache.Cache
	sink  *auth.MockSink
}

func startEngine(t *testing.T, sender outbox.Sender, conf Config, seed func(*store.Cache, *sidecache.Cache)) *harness {
	dir := t.TempDir()
	cache := store.Open(filepath.Join(dir, "cache.db"))
	side, err := sidecache.Open(filepath.Join(dir, "side.db"), "SELF", "https://chat.example", time.Hour)
	require.NoError(t, err)
	if seed != nil {
		seed(cache, side)
	}

	if conf.SelfID == "" {
		conf.SelfID = "SELF"
	}
	if conf.CleanupInterval == 0 {
		conf.CleanupInterval = time.Hour
	}
	if conf.SampleInterval == 0 {
		conf.SampleInterval = time.Hour
	}
	h := &harness{cache: cache, side: side, sink: &auth.MockSink{}}
	h.e = New(conf, cache, side, sender, h.sink)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.e.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		side.Close()
		cache.Close()
	})
	return h
}

func dm(id string) *chatstore.Channel {
	return &chatstore.Channel{ID: id, Variant: chatstore.DirectMessage{Active: true, Recipients: []string{"SELF", "U1"}}}
}

func text(id, serverID string) *chatstore.Channel {
	return &chatstore.Channel{ID: id, Variant: chatstore.TextChannel{ServerID: serverID, Name: id}}
}

func cachedMessages(channelID string, from, n int) []*chatstore.Message {
	var out []*chatstore.Message
	for i := from; i < from+n; i++ {
		c := fmt.Sprintf("m%d", i)
		out = append(out, &chatstore.Message{ID: idAt(i), ChannelID: channelID, AuthorID: "U1", Content: &c})
	}
	return out
}

func TestSelectChannelPreloadsFromCache(t *testing.T) {
	h := startEngine(t, nil, Config{}, func(c *store.Cache, _ *sidecache.Cache) {
		require.NoError(t, c.UpsertUsers(context.Background(), []*chatstore.User{{ID: "U1", Username: "alice"}}))
		require.NoError(t, c.UpsertMessages(context.Background(), cachedMessages("D1", 0, 3), "D1"))
	})
	ctx := context.Background()

	require.NoError(t, h.e.SelectChannel(ctx, "D1"))
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Len(t, st.ChannelMessages["D1"], 3)
		assert.Equal(t, "alice", st.ResolveUser("U1").Username)
	}))
}

func TestStalePreloadIsDropped(t *testing.T) {
	h := startEngine(t, nil, Config{}, func(c *store.Cache, _ *sidecache.Cache) {
		require.NoError(t, c.UpsertMessages(context.Background(), cachedMessages("D1", 0, 3), "D1"))
	})
	ctx := context.Background()

	var gen uint64
	require.NoError(t, h.e.run(ctx, func() { gen = h.e.selectChannel("D1") }))
	require.NoError(t, h.e.run(ctx, func() { h.e.selectChannel("D2") }))

	applied, err := h.e.preload(ctx, "D1", gen)
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Empty(t, st.ChannelMessages["D1"])
	}))
}

func TestSendMessageEchoIsSpliced(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sender := outbox_mock.NewMockSender(mockCtrl)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	h := startEngine(t, sender, Config{}, nil)
	ctx := context.Background()
	require.True(t, h.e.Submit(&chatstore.Ready{Channels: []*chatstore.Channel{dm("D1")}}))

	entry, err := h.e.SendMessage(ctx, "D1", "hello", nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Equal(t, []string{entry.Nonce}, st.ChannelMessages["D1"])
	}))

	realID := idAt(1)
	content := "hello"
	h.e.Submit(&chatstore.MessageCreated{Message: &chatstore.Message{
		ID: realID, ChannelID: "D1", AuthorID: "SELF", Content: &content, Nonce: entry.Nonce,
	}})
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Equal(t, []string{realID}, st.ChannelMessages["D1"])
	}))
	h.e.outbox.Wait()
	assert.Equal(t, 0, h.e.outbox.Len())
}

func TestFailedEchoSurvivesReady(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sender := outbox_mock.NewMockSender(mockCtrl)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(outbox.ErrRejected)

	h := startEngine(t, sender, Config{}, nil)
	ctx := context.Background()
	require.True(t, h.e.Submit(&chatstore.Ready{Channels: []*chatstore.Channel{dm("D1")}}))

	entry, err := h.e.SendMessage(ctx, "D1", "lost?", nil, nil)
	require.NoError(t, err)
	h.e.outbox.Wait()
	require.Len(t, h.e.Failed(), 1)

	require.True(t, h.e.Submit(&chatstore.Ready{Channels: []*chatstore.Channel{dm("D1")}}))
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Contains(t, st.Messages, entry.Nonce)
		assert.Equal(t, []string{entry.Nonce}, st.ChannelMessages["D1"])
	}))

	require.NoError(t, h.e.DiscardMessage(ctx, "D1", entry.Nonce))
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Empty(t, st.ChannelMessages["D1"])
	}))
}

func TestReconnectFlushesQueue(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sender := outbox_mock.NewMockSender(mockCtrl)
	var calls int32
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, e *outbox.Entry, _ func(int64, int64)) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return errors.New("offline")
			}
			return nil
		}).Times(2)

	h := startEngine(t, sender, Config{}, nil)
	ctx := context.Background()

	entry, err := h.e.SendMessage(ctx, "D1", "queued", nil, nil)
	require.NoError(t, err)
	h.e.outbox.Wait()
	require.Len(t, h.e.outbox.Pending("D1"), 1)

	h.e.SetConnected(true)
	assert.Eventually(t, func() bool {
		return len(h.e.outbox.Pending("D1")) == 0 && atomic.LoadInt32(&calls) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.e.outbox.References(entry.Nonce))
}

func TestSelectChannelTrimsPrevious(t *testing.T) {
	limits := state.DefaultLimits()
	limits.RetainedTail = 2
	h := startEngine(t, nil, Config{Limits: limits}, nil)
	ctx := context.Background()
	h.e.Submit(&chatstore.Ready{
		Servers:  []*chatstore.Server{{ID: "S1"}},
		Channels: []*chatstore.Channel{text("T1", "S1"), dm("D1")},
	})

	require.NoError(t, h.e.SelectChannel(ctx, "T1"))
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Equal(t, "S1", st.CurrentServer)
		assert.Contains(t, st.Channels, "T1")
		for _, m := range cachedMessages("T1", 0, 5) {
			st.AddMessage(m)
		}
	}))

	require.NoError(t, h.e.SelectChannel(ctx, "D1"))
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Len(t, st.ChannelMessages["T1"], 2)
	}))

	require.NoError(t, h.e.SelectServer(ctx, "S1"))
	require.NoError(t, h.e.LeaveServer(ctx, "S1"))
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.NotContains(t, st.Channels, "T1")
		assert.Empty(t, st.CurrentServer)
	}))
}

func TestSamplerHardClears(t *testing.T) {
	limits := state.DefaultLimits()
	limits.HardLimitBytes = 1
	limits.HardKeepMessages = 10
	h := startEngine(t, nil, Config{Limits: limits, SampleInterval: 10 * time.Millisecond}, nil)
	ctx := context.Background()
	h.e.Submit(&chatstore.Ready{Channels: []*chatstore.Channel{dm("D1")}})
	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		for _, m := range cachedMessages("D1", 0, 100) {
			st.AddMessage(m)
		}
	}))

	assert.Eventually(t, func() bool {
		var n int
		_ = h.e.Do(ctx, func(st *state.Store) { n = len(st.Messages) })
		return n <= 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMembershipSurvivesRestart(t *testing.T) {
	h := startEngine(t, nil, Config{}, func(_ *store.Cache, side *sidecache.Cache) {
		require.NoError(t, side.PutMembership(map[string]bool{"S1": false, "S2": true}))
	})
	ctx := context.Background()
	h.e.Submit(&chatstore.Ready{Servers: []*chatstore.Server{{ID: "S1"}}})

	require.NoError(t, h.e.Do(ctx, func(st *state.Store) {
		assert.Equal(t, map[string]bool{"S1": true, "S2": false}, st.Membership)
	}))
	require.NoError(t, h.side.Flush())
	m, err := h.side.Membership()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"S1": true, "S2": false}, m)
}

func TestBadgeAndSignOut(t *testing.T) {
	h := startEngine(t, nil, Config{}, nil)
	ctx := context.Background()
	h.e.SetDraft("D1", "draft")
	h.e.Submit(&chatstore.Ready{
		Channels: []*chatstore.Channel{dm("D1")},
		Unreads:  []*chatstore.Unread{{ChannelID: "D1"}},
	})
	c := "x"
	h.e.Submit(&chatstore.MessageCreated{Message: &chatstore.Message{ID: idAt(1), ChannelID: "D1", AuthorID: "U1", Content: &c}})

	n, err := h.e.Badge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.e.Submit(&chatstore.SessionInvalidated{Reason: "revoked"})
	_, err = h.e.Badge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"revoked"}, h.sink.Reasons())
	assert.Empty(t, h.e.Drafts())
}
