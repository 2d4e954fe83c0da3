package state

// Badge counts channels with unread messages, excluding muted channels and
// channels of muted servers. Channels without a read marker do not count.
func (s *Store) Badge() int {
	n := 0
	for id, u := range s.Unreads {
		c, ok := s.Channel(id)
		if !ok || s.IsMuted(c) {
			continue
		}
		if u.HasUnread(c.LastMessageID) {
			n++
		}
	}
	return n
}

// HasUnread reports whether channelID has messages after its read marker.
func (s *Store) HasUnread(channelID string) bool {
	c, ok := s.Channel(channelID)
	if !ok {
		return false
	}
	u, ok := s.Unreads[channelID]
	return ok && u.HasUnread(c.LastMessageID)
}
