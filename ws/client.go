// Package ws keeps a websocket connection to the event endpoint and feeds
// decoded events to a sink.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/chatmirror/auth"
	"github.com/mqy/chatmirror/chatstore"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Snapshots are large.
	readLimit = 64 << 20

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// Sink receives what the client reads. The engine implements it.
type Sink interface {
	Submit(ev chatstore.Event) bool
	SetConnected(connected bool)
}

var decodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "chatmirror_event_decode_failures_total",
	Help: "Frames that could not be decoded into an event.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(decodeFailures)
}

// errSessionEnded stops reconnecting.
var errSessionEnded = errors.New("ws: session ended")

// Client is a reconnecting websocket client. Each connection gets a
// generation; frames of a superseded connection are dropped.
type Client struct {
	url    string
	tokens auth.TokenSource
	sink   Sink
	dialer *websocket.Dialer

	BackoffMin time.Duration
	BackoffMax time.Duration

	generation uint64
}

func NewClient(url string, tokens auth.TokenSource, sink Sink) *Client {
	return &Client{
		url:        url,
		tokens:     tokens,
		sink:       sink,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second, ReadBufferSize: 4096},
		BackoffMin: BackoffMinInterval,
		BackoffMax: BackoffMaxInterval,
	}
}

// Generation is the id of the current connection.
func (c *Client) Generation() uint64 {
	return atomic.LoadUint64(&c.generation)
}

// Run connects and reconnects until ctx is done or the session ends.
func (c *Client) Run(ctx context.Context) {
	var sleep time.Duration
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			sleep = 0
			gen := atomic.AddUint64(&c.generation, 1)
			glog.Infof("ws: connected to %s, generation %d", c.url, gen)
			c.sink.SetConnected(true)
			err = c.serve(ctx, conn, gen)
			c.sink.SetConnected(false)
		}
		if errors.Is(err, errSessionEnded) || errors.Is(err, auth.ErrSignedOut) {
			glog.Infof("ws: session ended, not reconnecting: %v", err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		c.backoff(&sleep)
		glog.Errorf("ws: connection error: %v, retry in %v", err, sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) backoff(d *time.Duration) {
	if *d == 0 {
		*d = c.BackoffMin
		return
	}
	*d = time.Duration(float64(*d) * BackoffMultiplier)
	if *d > c.BackoffMax {
		*d = c.BackoffMax
	}
	*d = d.Truncate(time.Millisecond)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if err := auth.Apply(h, c.tokens); err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, h)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.sink.Submit(&chatstore.SessionInvalidated{Reason: "unauthorized"})
			return nil, errSessionEnded
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

// serve reads frames until the connection fails. A second goroutine sends
// pings.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, gen uint64) error {
	var once sync.Once
	stopC := make(chan struct{})
	closeConn := func() {
		once.Do(func() {
			close(stopC)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		})
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer closeConn()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(ctx, conn, stopC, closeConn)
	}()

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			decodeFailures.WithLabelValues("binary").Inc()
			glog.Errorf("ws: unexpected message type: %d", msgType)
			continue
		}

		ev, err := chatstore.DecodeEvent(msg)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, chatstore.ErrUnknownEvent) {
				reason = "unknown"
			}
			decodeFailures.WithLabelValues(reason).Inc()
			glog.Errorf("ws: skip frame: %v", err)
			continue
		}
		if n := skippedRows(ev); n > 0 {
			decodeFailures.WithLabelValues("channel").Add(float64(n))
		}
		if gen != c.Generation() {
			glog.V(5).Infof("ws: drop %s from superseded connection %d", ev.Kind(), gen)
			return nil
		}
		glog.V(7).Infof("ws: event %s", ev.Kind())
		if !c.sink.Submit(ev) {
			return errSessionEnded
		}

		switch ev.(type) {
		case *chatstore.SessionInvalidated, *chatstore.LoggedOut:
			return errSessionEnded
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, stopC <-chan struct{}, closeConn func()) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stopC:
			return
		case <-ctx.Done():
			closeConn()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				glog.Errorf("ws: ping error: %v", err)
				closeConn()
				return
			}
		}
	}
}

// skippedRows is how many rows of a snapshot event were dropped on decode.
func skippedRows(ev chatstore.Event) int {
	switch e := ev.(type) {
	case *chatstore.Ready:
		return e.Skipped
	case *chatstore.ServerCreated:
		return e.Skipped
	}
	return 0
}
