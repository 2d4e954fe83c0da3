package state

import (
	"github.com/mqy/chatmirror/chatstore"
)

// Rough per-entity overheads in bytes, map entry included.
const (
	messageOverhead = 256
	userOverhead    = 160
	channelOverhead = 192
	serverOverhead  = 320
	memberOverhead  = 128
	idOverhead      = 42
)

// EstimateSize approximates the resident bytes of the store. It is cheap
// enough to run on every memory sample.
func (s *Store) EstimateSize() int64 {
	var n int64
	for _, m := range s.Messages {
		n += messageSize(m)
	}
	n += int64(len(s.Users)+len(s.AllUsers)) * userOverhead
	n += int64(len(s.Channels)) * channelOverhead
	for _, set := range s.ServerChannels {
		n += int64(len(set)) * channelOverhead
	}
	for _, srv := range s.Servers {
		n += serverOverhead + int64(len(srv.ChannelIDs)+len(srv.Roles))*idOverhead
	}
	n += int64(len(s.Members)) * memberOverhead
	for _, ids := range s.ChannelMessages {
		n += int64(len(ids)) * idOverhead
	}
	return n
}

func messageSize(m *chatstore.Message) int64 {
	n := int64(messageOverhead + len(m.Text()))
	n += int64(len(m.Payload.Attachments)) * 128
	for _, users := range m.Payload.Reactions {
		n += int64(len(users)+1) * idOverhead
	}
	n += int64(len(m.Payload.Mentions)+len(m.Payload.Replies)) * idOverhead
	n += int64(len(m.Payload.Extra) + len(m.Payload.Unknown))
	return n
}
