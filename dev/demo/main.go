// The demo server stands in for a chat backend: it serves the event stream
// on /ws and accepts sends on /api/channels/{id}/messages, echoing them to
// every connected client.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/chatmirror/auth"
	"github.com/mqy/chatmirror/idclock"
)

const writeWait = 3 * time.Second

// Fixed for the life of the process.
var (
	epoch     = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	selfID    = idclock.New(epoch)
	peerID    = idclock.New(epoch)
	serverID  = idclock.New(epoch)
	generalID = idclock.New(epoch)
	dmID      = idclock.New(epoch)
)

var (
	flagAddr   = flag.String("addr", "127.0.0.1:8000", "listen address, ip:port")
	flagToken  = flag.String("token", "demo", "accepted session token")
	flagTicker = flag.Duration("ticker-duration", 30*time.Second, "interval of messages from the demo peer")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type frame map[string]interface{}

type hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

func (h *hub) add(c *websocket.Conn) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	mu := &sync.Mutex{}
	h.conns[c] = mu
	return mu
}

func (h *hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

func (h *hub) broadcast(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, mu := range h.conns {
		if err := write(c, mu, f); err != nil {
			glog.Warningf("demo: write: %v", err)
		}
	}
}

func write(c *websocket.Conn, mu *sync.Mutex, f frame) error {
	mu.Lock()
	defer mu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteJSON(f)
}

func authorized(r *http.Request) bool {
	return r.Header.Get(auth.DefaultHeader) == *flagToken
}

func ready() frame {
	channels := []frame{
		{"channel_type": "TextChannel", "_id": generalID, "server": serverID, "name": "general"},
		{"channel_type": "DirectMessage", "_id": dmID, "active": true, "recipients": []string{selfID, peerID}},
	}
	return frame{
		"type": "Ready",
		"users": []frame{
			{"_id": selfID, "username": "me", "relationship": "User", "online": true},
			{"_id": peerID, "username": "peer", "relationship": "Friend", "online": true},
		},
		"servers": []frame{
			{"_id": serverID, "owner": peerID, "name": "Demo", "channels": []string{generalID}},
		},
		"channels": channels,
		"members": []frame{
			{"_id": frame{"server": serverID, "user": selfID}, "joined_at": time.Now()},
			{"_id": frame{"server": serverID, "user": peerID}, "joined_at": time.Now()},
		},
	}
}

func message(channelID, authorID, content, nonce string) frame {
	return frame{
		"type":    "Message",
		"_id":     idclock.New(time.Now()),
		"channel": channelID,
		"author":  authorID,
		"content": content,
		"nonce":   nonce,
	}
}

func (h *hub) serveWs(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("demo: upgrade: %v", err)
		return
	}
	mu := h.add(c)
	defer func() {
		h.remove(c)
		c.Close()
	}()

	if err := write(c, mu, ready()); err != nil {
		return
	}
	glog.Infof("demo: client %s connected", r.RemoteAddr)
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			glog.Infof("demo: client %s gone: %v", r.RemoteAddr, err)
			return
		}
	}
}

func (h *hub) serveSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[3] != "messages" {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	content := r.FormValue("content")
	if content == "" && len(r.MultipartForm.File["attachments"]) == 0 {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	msg := message(parts[2], selfID, content, r.Header.Get("Idempotency-Key"))
	if replies := r.MultipartForm.Value["replies"]; len(replies) > 0 {
		msg["replies"] = replies
	}
	h.broadcast(msg)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msg)
}

func main() {
	flag.Parse()
	defer glog.Flush()

	h := &hub{conns: map[*websocket.Conn]*sync.Mutex{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWs)
	mux.HandleFunc("/api/channels/", h.serveSend)

	go func() {
		ticker := time.NewTicker(*flagTicker)
		defer ticker.Stop()
		for i := 1; ; i++ {
			<-ticker.C
			h.broadcast(message(generalID, peerID, fmt.Sprintf("hello #%d", i), ""))
		}
	}()

	glog.Infof("demo server listening on %s", *flagAddr)
	if err := http.ListenAndServe(*flagAddr, mux); err != nil {
		glog.Fatalf("demo: %v", err)
	}
}
