package chatstore

// Event is one decoded server push, or a local transport signal. The set of
// implementations is closed to this package.
type Event interface {
	// Kind is the wire type name, used for logging and metrics labels.
	Kind() string
	event()
}

// Ready is the full snapshot delivered on connect.
type Ready struct {
	Users    []*User
	Servers  []*Server
	Channels []*Channel
	Members  []*Member
	Emojis   []*Emoji
	Unreads  []*Unread

	// Skipped counts channels left out because they could not be decoded.
	Skipped int
}

type MessageCreated struct {
	Message *Message
}

type MessageUpdated struct {
	ID        string
	ChannelID string
	Patch     MessagePatch
}

type MessageDeleted struct {
	ID        string
	ChannelID string
}

type ReactionAdded struct {
	MessageID string
	ChannelID string
	UserID    string
	Emoji     string
}

type ReactionRemoved struct {
	MessageID string
	ChannelID string
	UserID    string
	Emoji     string
}

type ChannelCreated struct {
	Channel *Channel
}

type ChannelUpdated struct {
	ID    string
	Patch ChannelPatch
}

type ChannelDeleted struct {
	ID string
}

type ServerCreated struct {
	Server   *Server
	Channels []*Channel
	Skipped  int
}

type ServerUpdated struct {
	ID    string
	Patch ServerPatch
}

type ServerDeleted struct {
	ID string
}

type RoleUpdated struct {
	ServerID string
	RoleID   string
	Patch    RolePatch
}

type RoleDeleted struct {
	ServerID string
	RoleID   string
}

type MemberJoined struct {
	ServerID string
	UserID   string
}

type MemberUpdated struct {
	Key   MemberKey
	Patch MemberPatch
}

type MemberLeft struct {
	ServerID string
	UserID   string
}

type UserUpdated struct {
	ID    string
	Patch UserPatch
}

// RelationshipChanged carries the other user's record with its new status.
type RelationshipChanged struct {
	User   *User
	Status Relationship
}

// ChannelAcked moves the read position of UserID in a channel.
type ChannelAcked struct {
	ChannelID string
	UserID    string
	MessageID string
}

type TypingStarted struct {
	ChannelID string
	UserID    string
}

type TypingStopped struct {
	ChannelID string
	UserID    string
}

// SettingsUpdated carries synced user settings. Notifications is set when the
// update included the notification preferences.
type SettingsUpdated struct {
	Values        map[string]string
	Notifications *NotificationSettings
}

type SessionInvalidated struct {
	Reason string
}

type LoggedOut struct{}

// ConnectionChanged is raised by the transport, never by the server.
type ConnectionChanged struct {
	Connected bool
}

// NotificationSettings maps server and channel ids to a notification state.
type NotificationSettings struct {
	Servers  map[string]string `json:"server,omitempty"`
	Channels map[string]string `json:"channel,omitempty"`
}

const NotifyMuted = "muted"

func (Ready) Kind() string               { return "Ready" }
func (MessageCreated) Kind() string      { return "Message" }
func (MessageUpdated) Kind() string      { return "MessageUpdate" }
func (MessageDeleted) Kind() string      { return "MessageDelete" }
func (ReactionAdded) Kind() string       { return "MessageReact" }
func (ReactionRemoved) Kind() string     { return "MessageUnreact" }
func (ChannelCreated) Kind() string      { return "ChannelCreate" }
func (ChannelUpdated) Kind() string      { return "ChannelUpdate" }
func (ChannelDeleted) Kind() string      { return "ChannelDelete" }
func (ServerCreated) Kind() string       { return "ServerCreate" }
func (ServerUpdated) Kind() string       { return "ServerUpdate" }
func (ServerDeleted) Kind() string       { return "ServerDelete" }
func (RoleUpdated) Kind() string         { return "ServerRoleUpdate" }
func (RoleDeleted) Kind() string         { return "ServerRoleDelete" }
func (MemberJoined) Kind() string        { return "ServerMemberJoin" }
func (MemberUpdated) Kind() string       { return "ServerMemberUpdate" }
func (MemberLeft) Kind() string          { return "ServerMemberLeave" }
func (UserUpdated) Kind() string         { return "UserUpdate" }
func (RelationshipChanged) Kind() string { return "UserRelationship" }
func (ChannelAcked) Kind() string        { return "ChannelAck" }
func (TypingStarted) Kind() string       { return "ChannelStartTyping" }
func (TypingStopped) Kind() string       { return "ChannelStopTyping" }
func (SettingsUpdated) Kind() string     { return "UserSettingsUpdate" }
func (SessionInvalidated) Kind() string  { return "InvalidSession" }
func (LoggedOut) Kind() string           { return "Logout" }
func (ConnectionChanged) Kind() string   { return "ConnectionChanged" }

func (*Ready) event()               {}
func (*MessageCreated) event()      {}
func (*MessageUpdated) event()      {}
func (*MessageDeleted) event()      {}
func (*ReactionAdded) event()       {}
func (*ReactionRemoved) event()     {}
func (*ChannelCreated) event()      {}
func (*ChannelUpdated) event()      {}
func (*ChannelDeleted) event()      {}
func (*ServerCreated) event()       {}
func (*ServerUpdated) event()       {}
func (*ServerDeleted) event()       {}
func (*RoleUpdated) event()         {}
func (*RoleDeleted) event()         {}
func (*MemberJoined) event()        {}
func (*MemberUpdated) event()       {}
func (*MemberLeft) event()          {}
func (*UserUpdated) event()         {}
func (*RelationshipChanged) event() {}
func (*ChannelAcked) event()        {}
func (*TypingStarted) event()       {}
func (*TypingStopped) event()       {}
func (*SettingsUpdated) event()     {}
func (*SessionInvalidated) event()  {}
func (*LoggedOut) event()           {}
func (*ConnectionChanged) event()   {}
