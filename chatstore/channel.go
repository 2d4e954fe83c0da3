package chatstore

// ChannelKind enumerates channel variants.
type ChannelKind int

const (
	KindDirectMessage ChannelKind = iota + 1
	KindGroup
	KindText
	KindVoice
	KindSavedMessages
)

func (k ChannelKind) String() string {
	switch k {
	case KindDirectMessage:
		return "DirectMessage"
	case KindGroup:
		return "Group"
	case KindText:
		return "TextChannel"
	case KindVoice:
		return "VoiceChannel"
	case KindSavedMessages:
		return "SavedMessages"
	}
	return "Unknown"
}

// ChannelVariant is the kind-specific part of a channel. The set of
// implementations is closed to this package.
type ChannelVariant interface {
	Kind() ChannelKind
	variant()
}

type DirectMessage struct {
	Active     bool
	Recipients []string
}

type Group struct {
	Name        string
	OwnerID     string
	Description *string
	Icon        *string
	Recipients  []string
}

type TextChannel struct {
	ServerID    string
	Name        string
	Description *string
	Icon        *string
	NSFW        bool
}

type VoiceChannel struct {
	ServerID    string
	Name        string
	Description *string
	Icon        *string
}

type SavedMessages struct {
	UserID string
}

func (DirectMessage) Kind() ChannelKind { return KindDirectMessage }
func (Group) Kind() ChannelKind         { return KindGroup }
func (TextChannel) Kind() ChannelKind   { return KindText }
func (VoiceChannel) Kind() ChannelKind  { return KindVoice }
func (SavedMessages) Kind() ChannelKind { return KindSavedMessages }

func (DirectMessage) variant() {}
func (Group) variant()         {}
func (TextChannel) variant()   {}
func (VoiceChannel) variant()  {}
func (SavedMessages) variant() {}

// Channel is a conversation. LastMessageID is the newest message known for it.
type Channel struct {
	ID            string
	LastMessageID string
	Variant       ChannelVariant
}

func (c *Channel) Kind() ChannelKind {
	if c.Variant == nil {
		return 0
	}
	return c.Variant.Kind()
}

// ServerID returns the owning server, or "" for direct channels.
func (c *Channel) ServerID() string {
	switch v := c.Variant.(type) {
	case TextChannel:
		return v.ServerID
	case VoiceChannel:
		return v.ServerID
	}
	return ""
}

// IsDirect reports whether c lives outside any server: direct messages,
// groups and saved messages.
func (c *Channel) IsDirect() bool {
	switch c.Variant.(type) {
	case DirectMessage, Group, SavedMessages:
		return true
	}
	return false
}

// Participants returns the user ids that take part in a direct channel.
func (c *Channel) Participants() []string {
	switch v := c.Variant.(type) {
	case DirectMessage:
		return v.Recipients
	case Group:
		return append(append([]string(nil), v.Recipients...), v.OwnerID)
	case SavedMessages:
		return []string{v.UserID}
	}
	return nil
}

// Name returns the display name of named channels.
func (c *Channel) Name() string {
	switch v := c.Variant.(type) {
	case Group:
		return v.Name
	case TextChannel:
		return v.Name
	case VoiceChannel:
		return v.Name
	}
	return ""
}

func (c *Channel) Clone() *Channel {
	out := *c
	switch v := c.Variant.(type) {
	case DirectMessage:
		v.Recipients = append([]string(nil), v.Recipients...)
		out.Variant = v
	case Group:
		v.Recipients = append([]string(nil), v.Recipients...)
		v.Description = cloneString(v.Description)
		v.Icon = cloneString(v.Icon)
		out.Variant = v
	case TextChannel:
		v.Description = cloneString(v.Description)
		v.Icon = cloneString(v.Icon)
		out.Variant = v
	case VoiceChannel:
		v.Description = cloneString(v.Description)
		v.Icon = cloneString(v.Icon)
		out.Variant = v
	}
	return &out
}
