package auth

import (
	"errors"
	"net/http"
	"sync"

	"github.com/golang/glog"
)

// DefaultHeader carries the session token on websocket and REST requests.
const DefaultHeader = "X-Session-Token"

var ErrSignedOut = errors.New("auth: signed out")

type TokenSource interface {
	// Header is the request header the token goes in.
	Header() string
	Token() (string, error)
}

// SignOutSink receives session-level failures: an invalidated session or a
// forced logout. It is the only error path that leaves the engine.
type SignOutSink interface {
	SignOut(reason string)
}

// Apply sets the token of ts on h.
func Apply(h http.Header, ts TokenSource) error {
	token, err := ts.Token()
	if err != nil {
		return err
	}
	h.Set(ts.Header(), token)
	return nil
}

// Session is a TokenSource that turns itself off on the first sign out.
type Session struct {
	header string

	mu     sync.Mutex
	token  string
	reason string
	done   chan struct{}
}

func NewSession(header, token string) *Session {
	if header == "" {
		header = DefaultHeader
	}
	return &Session{header: header, token: token, done: make(chan struct{})}
}

func (s *Session) Header() string {
	return s.header
}

func (s *Session) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", ErrSignedOut
	}
	return s.token, nil
}

func (s *Session) SignOut(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return
	}
	s.token = ""
	s.reason = reason
	close(s.done)
	glog.Infof("auth: signed out: %s", reason)
}

// Done is closed after sign out.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
