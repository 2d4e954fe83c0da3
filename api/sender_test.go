package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/chatmirror/auth"
	"github.com/mqy/chatmirror/outbox"
)

func TestSendMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/D1/messages", r.URL.Path)
		assert.Equal(t, "n1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "tok", r.Header.Get(auth.DefaultHeader))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "hello", r.FormValue("content"))
		assert.Equal(t, "n1", r.FormValue("nonce"))
		assert.Equal(t, []string{"R1", "R2"}, r.MultipartForm.Value["replies"])
		files := r.MultipartForm.File["attachments"]
		if !assert.Len(t, files, 1) {
			return
		}
		assert.Equal(t, "a.txt", files[0].Filename)
		f, err := files[0].Open()
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, "data", string(data))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSender(srv.URL+"/", &auth.MockTokenSource{Value: "tok"}, nil, nil)
	var last, total int64
	err := s.Send(context.Background(), &outbox.Entry{
		Nonce:       "n1",
		ChannelID:   "D1",
		Content:     "hello",
		Replies:     []string{"R1", "R2"},
		Attachments: []outbox.Attachment{{Filename: "a.txt", ContentType: "text/plain", Data: []byte("data")}},
	}, func(sent, n int64) { last, total = sent, n })
	require.NoError(t, err)
	assert.Greater(t, total, int64(0))
	assert.Equal(t, total, last)
}

func TestSendErrorClasses(t *testing.T) {
	for _, tc := range []struct {
		status   int
		rejected bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		s := NewSender(srv.URL, &auth.MockTokenSource{Value: "tok"}, nil, nil)
		err := s.Send(context.Background(), &outbox.Entry{Nonce: "n", ChannelID: "C"}, nil)
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.rejected, errors.Is(err, outbox.ErrRejected), "status %d", tc.status)
	}
}

func TestSendNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	s := NewSender(srv.URL, &auth.MockTokenSource{Value: "tok"}, nil, nil)
	err := s.Send(context.Background(), &outbox.Entry{Nonce: "n", ChannelID: "C"}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, outbox.ErrRejected))
}

func TestSendUnauthorizedSignsOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := &auth.MockSink{}
	s := NewSender(srv.URL, &auth.MockTokenSource{Value: "tok"}, sink, nil)
	err := s.Send(context.Background(), &outbox.Entry{Nonce: "n", ChannelID: "C"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, auth.ErrSignedOut))
	assert.False(t, errors.Is(err, outbox.ErrRejected))
	assert.Equal(t, []string{"send unauthorized"}, sink.Reasons())
}
