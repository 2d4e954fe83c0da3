package chatstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// ErrUnknownEvent is wrapped by DecodeEvent for envelopes whose type is not
// handled. Callers skip such frames.
var ErrUnknownEvent = errors.New("unknown event type")

type envelope struct {
	Type string `json:"type"`
}

type wireMessage struct {
	ID          string              `json:"_id"`
	ChannelID   string              `json:"channel"`
	AuthorID    string              `json:"author"`
	Content     *string             `json:"content,omitempty"`
	EditedAt    *time.Time          `json:"edited,omitempty"`
	Nonce       string              `json:"nonce,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	Mentions    []string            `json:"mentions,omitempty"`
	Replies     []string            `json:"replies,omitempty"`
	User        *User               `json:"user,omitempty"`
}

// wire keys understood by wireMessage; everything else ends up in Extra.
var messageKeys = map[string]bool{
	"type": true, "_id": true, "channel": true, "author": true, "content": true,
	"edited": true, "nonce": true, "attachments": true, "reactions": true,
	"mentions": true, "replies": true, "user": true, "member": true,
}

type wireChannel struct {
	Type          string   `json:"channel_type"`
	ID            string   `json:"_id"`
	LastMessageID string   `json:"last_message_id,omitempty"`
	Active        bool     `json:"active,omitempty"`
	Recipients    []string `json:"recipients,omitempty"`
	Name          string   `json:"name,omitempty"`
	OwnerID       string   `json:"owner,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Icon          *string  `json:"icon,omitempty"`
	ServerID      string   `json:"server,omitempty"`
	NSFW          bool     `json:"nsfw,omitempty"`
	UserID        string   `json:"user,omitempty"`
}

type wireUnread struct {
	ID struct {
		Channel string `json:"channel"`
		User    string `json:"user"`
	} `json:"_id"`
	LastID   string   `json:"last_id,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

// DecodeEvent decodes one JSON frame into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case "Ready":
		var v struct {
			Users    []*User       `json:"users"`
			Servers  []*Server     `json:"servers"`
			Channels []wireChannel `json:"channels"`
			Members  []*Member     `json:"members"`
			Emojis   []*Emoji      `json:"emojis"`
			Unreads  []wireUnread  `json:"unreads"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		channels, skipped := toChannels(v.Channels)
		for _, s := range v.Servers {
			fillRoleIDs(s)
		}
		ev := &Ready{Users: v.Users, Servers: v.Servers, Channels: channels, Members: v.Members, Emojis: v.Emojis, Skipped: skipped}
		for _, u := range v.Unreads {
			ev.Unreads = append(ev.Unreads, toUnread(u))
		}
		return ev, nil

	case "Message":
		m, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return &MessageCreated{Message: m}, nil

	case "MessageUpdate":
		var v struct {
			ID        string       `json:"id"`
			ChannelID string       `json:"channel"`
			Data      MessagePatch `json:"data"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return &MessageUpdated{ID: v.ID, ChannelID: v.ChannelID, Patch: v.Data}, nil

	case "MessageDelete":
		var v struct {
			ID        string `json:"id"`
			ChannelID string `json:"channel"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return &MessageDeleted{ID: v.ID, ChannelID: v.ChannelID}, nil

	case "MessageReact", "MessageUnreact":
		var v struct {
			ID        string `json:"id"`
			ChannelID string `json:"channel_id"`
			UserID    string `json:"user_id"`
			Emoji     string `json:"emoji_id"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if env.Type == "MessageReact" {
			return &ReactionAdded{MessageID: v.ID, ChannelID: v.ChannelID, UserID: v.UserID, Emoji: v.Emoji}, nil
		}
		return &ReactionRemoved{MessageID: v.ID, ChannelID: v.ChannelID, UserID: v.UserID, Emoji: v.Emoji}, nil

	case "ChannelCreate":
		var w wireChannel
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		c, err := w.toChannel()
		if err != nil {
			return nil, err
		}
		return &ChannelCreated{Channel: c}, nil

	case "ChannelUpdate":
		var v struct {
			ID    string       `json:"id"`
			Data  ChannelPatch `json:"data"`
			Clear []string     `json:"clear"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		v.Data.Clear = v.Clear
		return &ChannelUpdated{ID: v.ID, Patch: v.Data}, nil

	case "ChannelDelete":
		id, err := decodeID(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return &ChannelDeleted{ID: id}, nil

	case "ServerCreate":
		var v struct {
			ID       string        `json:"id"`
			Server   *Server       `json:"server"`
			Channels []wireChannel `json:"channels"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if v.Server == nil {
			return nil, fmt.Errorf("decode %s: missing server", env.Type)
		}
		if v.Server.ID == "" {
			v.Server.ID = v.ID
		}
		fillRoleIDs(v.Server)
		channels, skipped := toChannels(v.Channels)
		return &ServerCreated{Server: v.Server, Channels: channels, Skipped: skipped}, nil

	case "ServerUpdate":
		var v struct {
			ID    string      `json:"id"`
			Data  ServerPatch `json:"data"`
			Clear []string    `json:"clear"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		v.Data.Clear = v.Clear
		return &ServerUpdated{ID: v.ID, Patch: v.Data}, nil

	case "ServerDelete":
		id, err := decodeID(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return &ServerDeleted{ID: id}, nil

	case "ServerRoleUpdate":
		var v struct {
			ID     string    `json:"id"`
			RoleID string    `json:"role_id"`
			Data   RolePatch `json:"data"`
			Clear  []string  `json:"clear"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		v.Data.Clear = v.Clear
		return &RoleUpdated{ServerID: v.ID, RoleID: v.RoleID, Patch: v.Data}, nil

	case "ServerRoleDelete":
		var v struct {
			ID     string `json:"id"`
			RoleID string `json:"role_id"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return &RoleDeleted{ServerID: v.ID, RoleID: v.RoleID}, nil

	case "ServerMemberJoin", "ServerMemberLeave":
		var v struct {
			ID   string `json:"id"`
			User string `json:"user"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if env.Type == "ServerMemberJoin" {
			return &MemberJoined{ServerID: v.ID, UserID: v.User}, nil
		}
		return &MemberLeft{ServerID: v.ID, UserID: v.User}, nil

	case "ServerMemberUpdate":
		var v struct {
			ID    MemberKey   `json:"id"`
			Data  MemberPatch `json:"data"`
			Clear []string    `json:"clear"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		v.Data.Clear = v.Clear
		return &MemberUpdated{Key: v.ID, Patch: v.Data}, nil

	case "UserUpdate":
		var v struct {
			ID    string    `json:"id"`
			Data  UserPatch `json:"data"`
			Clear []string  `json:"clear"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		v.Data.Clear = v.Clear
		return &UserUpdated{ID: v.ID, Patch: v.Data}, nil

	case "UserRelationship":
		var v struct {
			User   *User        `json:"user"`
			Status Relationship `json:"status"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if v.User == nil {
			return nil, fmt.Errorf("decode %s: missing user", env.Type)
		}
		return &RelationshipChanged{User: v.User, Status: v.Status}, nil

	case "ChannelAck":
		var v struct {
			ID        string `json:"id"`
			User      string `json:"user"`
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return &ChannelAcked{ChannelID: v.ID, UserID: v.User, MessageID: v.MessageID}, nil

	case "ChannelStartTyping", "ChannelStopTyping":
		var v struct {
			ID   string `json:"id"`
			User string `json:"user"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if env.Type == "ChannelStartTyping" {
			return &TypingStarted{ChannelID: v.ID, UserID: v.User}, nil
		}
		return &TypingStopped{ChannelID: v.ID, UserID: v.User}, nil

	case "UserSettingsUpdate":
		return decodeSettings(data)

	case "InvalidSession":
		var v struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return &SessionInvalidated{Reason: v.Reason}, nil

	case "Logout":
		return &LoggedOut{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

// DecodeMessage decodes a message object. Keys outside the known set are
// kept verbatim as a JSON object in Payload.Extra.
func DecodeMessage(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if w.ID == "" || w.ChannelID == "" {
		return nil, fmt.Errorf("decode message: missing id or channel")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	for k := range raw {
		if messageKeys[k] {
			delete(raw, k)
		}
	}

	m := &Message{
		ID:        w.ID,
		ChannelID: w.ChannelID,
		AuthorID:  w.AuthorID,
		Content:   w.Content,
		EditedAt:  w.EditedAt,
		Nonce:     w.Nonce,
		Author:    w.User,
		Payload: Payload{
			Attachments: w.Attachments,
			Reactions:   w.Reactions,
			Mentions:    w.Mentions,
			Replies:     w.Replies,
		},
	}
	if len(raw) > 0 {
		extra, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("decode message extra: %w", err)
		}
		m.Payload.Extra = extra
	}
	return m, nil
}

func decodeID(data []byte) (string, error) {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	return v.ID, nil
}

func decodeSettings(data []byte) (Event, error) {
	// Each value is a [timestamp, value] pair.
	var v struct {
		Update map[string][2]json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode UserSettingsUpdate: %w", err)
	}

	ev := &SettingsUpdated{Values: make(map[string]string, len(v.Update))}
	for key, pair := range v.Update {
		var value string
		if err := json.Unmarshal(pair[1], &value); err != nil {
			return nil, fmt.Errorf("decode UserSettingsUpdate %s: %w", key, err)
		}
		ev.Values[key] = value
		if key == "notifications" {
			var ns NotificationSettings
			if err := json.Unmarshal([]byte(value), &ns); err != nil {
				return nil, fmt.Errorf("decode notification settings: %w", err)
			}
			ev.Notifications = &ns
		}
	}
	return ev, nil
}

// toChannels decodes the channels of a snapshot. A channel that cannot be
// decoded is logged and left out; the count of those is returned.
func toChannels(in []wireChannel) ([]*Channel, int) {
	out := make([]*Channel, 0, len(in))
	skipped := 0
	for i := range in {
		c, err := in[i].toChannel()
		if err != nil {
			glog.Errorf("chatstore: skip channel: %v", err)
			skipped++
			continue
		}
		out = append(out, c)
	}
	return out, skipped
}

func (w *wireChannel) toChannel() (*Channel, error) {
	c := &Channel{ID: w.ID, LastMessageID: w.LastMessageID}
	switch w.Type {
	case "DirectMessage":
		c.Variant = DirectMessage{Active: w.Active, Recipients: w.Recipients}
	case "Group":
		c.Variant = Group{Name: w.Name, OwnerID: w.OwnerID, Description: w.Description, Icon: w.Icon, Recipients: w.Recipients}
	case "TextChannel":
		c.Variant = TextChannel{ServerID: w.ServerID, Name: w.Name, Description: w.Description, Icon: w.Icon, NSFW: w.NSFW}
	case "VoiceChannel":
		c.Variant = VoiceChannel{ServerID: w.ServerID, Name: w.Name, Description: w.Description, Icon: w.Icon}
	case "SavedMessages":
		c.Variant = SavedMessages{UserID: w.UserID}
	default:
		return nil, fmt.Errorf("decode channel %s: unknown channel_type %q", w.ID, w.Type)
	}
	return c, nil
}

func toUnread(w wireUnread) *Unread {
	u := &Unread{ChannelID: w.ID.Channel, LastID: w.LastID}
	if len(w.Mentions) > 0 {
		u.Mentions = make(map[string]struct{}, len(w.Mentions))
		for _, id := range w.Mentions {
			u.Mentions[id] = struct{}{}
		}
	}
	return u
}

func fillRoleIDs(s *Server) {
	for id, r := range s.Roles {
		if r != nil {
			r.ID = id
		}
	}
}
