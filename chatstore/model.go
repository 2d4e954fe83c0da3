// Package chatstore defines the entities mirrored from the chat server, the
// closed set of events that mutate them and the wire decoding of those events.
package chatstore

import (
	"time"

	"github.com/mqy/chatmirror/idclock"
)

// Relationship is the local user's relationship to another user.
type Relationship string

const (
	RelationNone     Relationship = "None"
	RelationFriend   Relationship = "Friend"
	RelationIncoming Relationship = "Incoming"
	RelationOutgoing Relationship = "Outgoing"
	RelationBlocked  Relationship = "Blocked"
	RelationSelf     Relationship = "User"
)

const placeholderUsername = "Unknown User"

// User is a user record. A placeholder stands in for an author that has not
// been resolved yet and is replaced as soon as real data arrives.
type User struct {
	ID           string       `json:"_id"`
	Username     string       `json:"username"`
	DisplayName  *string      `json:"display_name,omitempty"`
	Avatar       *string      `json:"avatar,omitempty"`
	Status       *string      `json:"status,omitempty"`
	Online       bool         `json:"online,omitempty"`
	Relationship Relationship `json:"relationship,omitempty"`
	Placeholder  bool         `json:"-"`
}

// PlaceholderUser synthesizes a minimal user for id.
func PlaceholderUser(id string) *User {
	return &User{ID: id, Username: placeholderUsername, Relationship: RelationNone, Placeholder: true}
}

func (u *User) Clone() *User {
	c := *u
	c.DisplayName = cloneString(u.DisplayName)
	c.Avatar = cloneString(u.Avatar)
	c.Status = cloneString(u.Status)
	return &c
}

// Attachment is file metadata attached to a message.
type Attachment struct {
	ID          string `json:"_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Payload carries the structured parts of a message that the cache stores
// as a single blob. Extra holds wire fields no component interprets, as a
// JSON object. Unknown holds blob fields written by a newer cache encoder.
type Payload struct {
	Attachments []Attachment
	Reactions   map[string][]string // emoji -> user ids
	Mentions    []string
	Replies     []string
	Extra       []byte
	Unknown     []byte
}

// Message is a chat message. Author is only set when the event embedded the
// author record.
type Message struct {
	ID        string
	ChannelID string
	AuthorID  string
	Content   *string
	EditedAt  *time.Time
	Nonce     string
	Payload   Payload
	Author    *User
}

// CreatedAt derives the creation time from the id.
func (m *Message) CreatedAt() time.Time {
	return idclock.Timestamp(m.ID)
}

// Text returns the content or "".
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Mentions reports whether userID is mentioned by m.
func (m *Message) Mentions(userID string) bool {
	for _, id := range m.Payload.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

func (m *Message) Clone() *Message {
	c := *m
	c.Content = cloneString(m.Content)
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	c.Payload.Attachments = append([]Attachment(nil), m.Payload.Attachments...)
	c.Payload.Mentions = append([]string(nil), m.Payload.Mentions...)
	c.Payload.Replies = append([]string(nil), m.Payload.Replies...)
	c.Payload.Extra = append([]byte(nil), m.Payload.Extra...)
	c.Payload.Unknown = append([]byte(nil), m.Payload.Unknown...)
	if m.Payload.Reactions != nil {
		c.Payload.Reactions = make(map[string][]string, len(m.Payload.Reactions))
		for k, v := range m.Payload.Reactions {
			c.Payload.Reactions[k] = append([]string(nil), v...)
		}
	}
	if m.Author != nil {
		c.Author = m.Author.Clone()
	}
	return &c
}

// Role is a server role.
type Role struct {
	ID          string  `json:"-"`
	Name        string  `json:"name"`
	Colour      *string `json:"colour,omitempty"`
	Hoist       bool    `json:"hoist,omitempty"`
	Rank        int     `json:"rank,omitempty"`
	Permissions int64   `json:"permissions,omitempty"`
}

// Category groups channels of a server.
type Category struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Channels []string `json:"channels"`
}

// Server is a community owning text and voice channels.
type Server struct {
	ID          string           `json:"_id"`
	OwnerID     string           `json:"owner"`
	Name        string           `json:"name"`
	Description *string          `json:"description,omitempty"`
	Icon        *string          `json:"icon,omitempty"`
	Banner      *string          `json:"banner,omitempty"`
	ChannelIDs  []string         `json:"channels"`
	Categories  []Category       `json:"categories,omitempty"`
	Roles       map[string]*Role `json:"roles,omitempty"`
}

func (s *Server) Clone() *Server {
	c := *s
	c.Description = cloneString(s.Description)
	c.Icon = cloneString(s.Icon)
	c.Banner = cloneString(s.Banner)
	c.ChannelIDs = append([]string(nil), s.ChannelIDs...)
	c.Categories = append([]Category(nil), s.Categories...)
	if s.Roles != nil {
		c.Roles = make(map[string]*Role, len(s.Roles))
		for k, r := range s.Roles {
			rc := *r
			rc.Colour = cloneString(r.Colour)
			c.Roles[k] = &rc
		}
	}
	return &c
}

// MemberKey identifies a member: one user in one server.
type MemberKey struct {
	ServerID string `json:"server"`
	UserID   string `json:"user"`
}

// Member is a per-server profile overlay of a user.
type Member struct {
	Key      MemberKey `json:"_id"`
	Nickname *string   `json:"nickname,omitempty"`
	Avatar   *string   `json:"avatar,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Emoji is a custom emoji owned by a server.
type Emoji struct {
	ID       string `json:"_id"`
	ParentID string `json:"parent"`
	Name     string `json:"name"`
}

// Unread is the read position of the local user in one channel.
type Unread struct {
	ChannelID string
	LastID    string
	Mentions  map[string]struct{}
}

// HasUnread reports whether a channel whose newest message is lastMessageID
// has messages after the acknowledged position.
func (u *Unread) HasUnread(lastMessageID string) bool {
	return lastMessageID != "" && u.LastID < lastMessageID
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
