package outbox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/chatmirror/outbox"
	outbox_mock "github.com/mqy/chatmirror/outbox/mock"
)

func nonces(entries []outbox.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Nonce
	}
	return out
}

func TestOrderAfterKSuccesses(t *testing.T) {
	const n, k = 5, 2

	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sender := outbox_mock.NewMockSender(mockCtrl)

	release := make(chan struct{})
	var mu sync.Mutex
	var sent []string
	calls := 0
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, e *outbox.Entry, _ func(int64, int64)) error {
			<-release
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls <= k {
				sent = append(sent, e.Nonce)
				return nil
			}
			return errors.New("network down")
		}).AnyTimes()

	q := outbox.New(sender, outbox.Options{})
	defer q.Close()

	var queued []string
	for i := 0; i < n; i++ {
		e := q.Send("C1", "SELF", fmt.Sprintf("m%d", i), nil, nil)
		queued = append(queued, e.Nonce)
	}
	close(release)
	q.Wait()

	assert.Equal(t, queued[:k], sent)
	assert.Equal(t, queued[k:], nonces(q.Pending("C1")))
	for _, id := range queued {
		assert.True(t, q.References(id))
	}
}

func TestFlushAllResumesFromHead(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sender := outbox_mock.NewMockSender(mockCtrl)

	var online bool
	var mu sync.Mutex
	var sent []string
	release := make(chan struct{})
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, e *outbox.Entry, _ func(int64, int64)) error {
			<-release
			mu.Lock()
			defer mu.Unlock()
			if !online {
				return errors.New("offline")
			}
			sent = append(sent, e.Nonce)
			return nil
		}).AnyTimes()

	var failures int
	q := outbox.New(sender, outbox.Options{
		OnFailed: func(e outbox.Entry, permanent bool) {
			assert.False(t, permanent)
			mu.Lock()
			failures++
			mu.Unlock()
		},
	})
	defer q.Close()

	a := q.Send("C1", "SELF", "a", nil, nil)
	b := q.Send("C1", "SELF", "b", nil, nil)
	close(release)
	q.Wait()
	assert.Equal(t, []string{a.Nonce, b.Nonce}, nonces(q.Pending("C1")))
	assert.Greater(t, failures, 0)

	mu.Lock()
	online = true
	mu.Unlock()

	q.FlushAll(context.Background())
	assert.Equal(t, []string{a.Nonce, b.Nonce}, sent)
	assert.Empty(t, q.Pending("C1"))
	// delivered entries wait for their echo.
	assert.True(t, q.References(a.Nonce))
	_, ok := q.Confirm(a.Nonce)
	assert.True(t, ok)
	assert.False(t, q.References(a.Nonce))
}

// concurrencySender records how many sends run at once per channel.
type concurrencySender struct {
	mu       sync.Mutex
	running  map[string]int
	maxPer   map[string]int
	total    int
	maxTotal int
	both     chan struct{}
	once     sync.Once
}

func (s *concurrencySender) Send(ctx context.Context, e *outbox.Entry, _ func(int64, int64)) error {
	s.mu.Lock()
	s.running[e.ChannelID]++
	if s.running[e.ChannelID] > s.maxPer[e.ChannelID] {
		s.maxPer[e.ChannelID] = s.running[e.ChannelID]
	}
	s.total++
	if s.total > s.maxTotal {
		s.maxTotal = s.total
	}
	if s.total == 2 {
		s.once.Do(func() { close(s.both) })
	}
	s.mu.Unlock()

	// hold the first sends until both channels are sending.
	select {
	case <-s.both:
	case <-time.After(2 * time.Second):
	}

	s.mu.Lock()
	s.running[e.ChannelID]--
	s.total--
	s.mu.Unlock()
	return nil
}

func TestAtMostOneInFlightPerChannel(t *testing.T) {
	s := &concurrencySender{
		running: make(map[string]int),
		maxPer:  make(map[string]int),
		both:    make(chan struct{}),
	}
	q := outbox.New(s, outbox.Options{})
	defer q.Close()

	for i := 0; i < 4; i++ {
		q.Send("C1", "SELF", fmt.Sprint(i), nil, nil)
		q.Send("C2", "SELF", fmt.Sprint(i), nil, nil)
	}
	q.Wait()

	assert.Equal(t, 1, s.maxPer["C1"])
	assert.Equal(t, 1, s.maxPer["C2"])
	assert.Equal(t, 2, s.maxTotal)
}

func TestRejectedFailsPermanently(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sender := outbox_mock.NewMockSender(mockCtrl)

	release := make(chan struct{})
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, e *outbox.Entry, _ func(int64, int64)) error {
			<-release
			if e.Content == "bad" {
				return fmt.Errorf("400: %w", outbox.ErrRejected)
			}
			return nil
		}).Times(2)

	q := outbox.New(sender, outbox.Options{})
	defer q.Close()

	bad := q.Send("C1", "SELF", "bad", nil, nil)
	good := q.Send("C1", "SELF", "good", nil, nil)
	close(release)
	q.Wait()

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, bad.Nonce, failed[0].Nonce)
	assert.True(t, errors.Is(failed[0].Err, outbox.ErrRejected))
	assert.Empty(t, q.Pending("C1"))
	assert.True(t, q.References(good.Nonce))

	assert.True(t, q.Discard(bad.Nonce))
	assert.Empty(t, q.Failed())
	assert.False(t, q.References(bad.Nonce))
}

func TestMatchContent(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sender := outbox_mock.NewMockSender(mockCtrl)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	q := outbox.New(sender, outbox.Options{})
	defer q.Close()

	first := q.Send("C1", "SELF", "same", nil, nil)
	time.Sleep(time.Millisecond)
	q.Send("C1", "SELF", "same", nil, nil)
	q.Wait()

	e, ok := q.MatchContent("C1", "SELF", "same")
	require.True(t, ok)
	assert.Equal(t, first.Nonce, e.Nonce)

	_, ok = q.MatchContent("C1", "OTHER", "same")
	assert.False(t, ok)
	_, ok = q.MatchContent("C2", "SELF", "same")
	assert.False(t, ok)
}

func TestProgressAndDeferred(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sender := outbox_mock.NewMockSender(mockCtrl)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, e *outbox.Entry, progress func(int64, int64)) error {
			progress(50, 100)
			return nil
		})

	var mu sync.Mutex
	var got []float64
	q := outbox.New(sender, outbox.Options{
		OnProgress: func(nonce string, p float64) {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		},
	})
	defer q.Close()

	e := q.Send("C1", "SELF", "", nil, []outbox.Attachment{{Filename: "a.txt", Data: []byte("hi")}})
	assert.True(t, e.Deferred())
	q.Wait()
	assert.Equal(t, []float64{0.5}, got)
}
