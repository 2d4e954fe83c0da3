package loader

import (
	"github.com/golang/glog"

	"github.com/mqy/chatmirror/state"
)

// ServerSet loads the channels of a server when it is entered and unloads
// them when it is left. The server of the open channel is never unloaded.
type ServerSet struct {
	store   *state.Store
	current string
}

func NewServerSet(store *state.Store) *ServerSet {
	return &ServerSet{store: store}
}

func (s *ServerSet) Current() string {
	return s.current
}

// Select leaves the previously selected server and enters serverID. An empty
// id leaves without entering.
func (s *ServerSet) Select(serverID string) {
	if serverID == s.current {
		return
	}
	if s.current != "" {
		s.Leave(s.current)
	}
	s.current = serverID
	s.store.CurrentServer = serverID
	if serverID != "" {
		s.Enter(serverID)
	}
}

func (s *ServerSet) Enter(serverID string) int {
	n := s.store.LoadServerChannels(serverID)
	glog.V(5).Infof("loader: server %s entered, %d channels loaded", serverID, n)
	return n
}

func (s *ServerSet) Leave(serverID string) int {
	n := s.store.UnloadServerChannels(serverID)
	glog.V(5).Infof("loader: server %s left, %d channels unloaded", serverID, n)
	return n
}
