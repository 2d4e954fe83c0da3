package chatstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeReady(t *testing.T) {
	data := `{
		"type": "Ready",
		"users": [{"_id": "U1", "username": "alice", "relationship": "User"}],
		"servers": [{"_id": "S1", "owner": "U1", "name": "home", "channels": ["C2"],
			"roles": {"R1": {"name": "mod", "rank": 1}}}],
		"channels": [
			{"channel_type": "DirectMessage", "_id": "C1", "active": true, "recipients": ["U1", "U2"]},
			{"channel_type": "TextChannel", "_id": "C2", "server": "S1", "name": "general"}
		],
		"members": [{"_id": {"server": "S1", "user": "U1"}, "joined_at": "2023-01-02T03:04:05Z"}],
		"unreads": [{"_id": {"channel": "C1", "user": "U1"}, "last_id": "01ARZ3NDEKTSV4RRFFQ69G5FAV", "mentions": ["M1"]}]
	}`
	ev, err := DecodeEvent([]byte(data))
	require.NoError(t, err)

	ready, ok := ev.(*Ready)
	require.True(t, ok)
	assert.Equal(t, "Ready", ready.Kind())
	require.Len(t, ready.Users, 1)
	assert.Equal(t, RelationSelf, ready.Users[0].Relationship)
	require.Len(t, ready.Channels, 2)
	assert.Equal(t, KindDirectMessage, ready.Channels[0].Kind())
	assert.True(t, ready.Channels[0].IsDirect())
	assert.Equal(t, "S1", ready.Channels[1].ServerID())
	assert.Equal(t, "R1", ready.Servers[0].Roles["R1"].ID)
	assert.Equal(t, MemberKey{ServerID: "S1", UserID: "U1"}, ready.Members[0].Key)
	require.Len(t, ready.Unreads, 1)
	assert.Contains(t, ready.Unreads[0].Mentions, "M1")
}

func TestDecodeReadySkipsUnknownChannel(t *testing.T) {
	data := `{
		"type": "Ready",
		"users": [{"_id": "U1", "username": "alice", "relationship": "User"}],
		"channels": [
			{"channel_type": "DirectMessage", "_id": "C1", "active": true, "recipients": ["U1", "U2"]},
			{"channel_type": "Forum", "_id": "F1", "server": "S1"},
			{"channel_type": "TextChannel", "_id": "C2", "server": "S1", "name": "general"}
		]
	}`
	ev, err := DecodeEvent([]byte(data))
	require.NoError(t, err)

	ready := ev.(*Ready)
	assert.Equal(t, 1, ready.Skipped)
	require.Len(t, ready.Users, 1)
	require.Len(t, ready.Channels, 2)
	assert.Equal(t, "C1", ready.Channels[0].ID)
	assert.Equal(t, "C2", ready.Channels[1].ID)

	ev, err = DecodeEvent([]byte(`{"type": "ServerCreate", "id": "S1", "server": {"_id": "S1", "name": "s"},
		"channels": [{"channel_type": "Forum", "_id": "F1"}]}`))
	require.NoError(t, err)
	sc := ev.(*ServerCreated)
	assert.Equal(t, 1, sc.Skipped)
	assert.Empty(t, sc.Channels)
}

func TestDecodeMessageKeepsUnknownFields(t *testing.T) {
	data := `{"type": "Message", "_id": "01ARZ3NDEKTSV4RRFFQ69G5FAV", "channel": "C1", "author": "U2",
		"content": "hi", "nonce": "abc", "mentions": ["U1"], "masquerade": {"name": "bot"}}`
	ev, err := DecodeEvent([]byte(data))
	require.NoError(t, err)

	m := ev.(*MessageCreated).Message
	assert.Equal(t, "hi", m.Text())
	assert.Equal(t, "abc", m.Nonce)
	assert.True(t, m.Mentions("U1"))
	assert.JSONEq(t, `{"masquerade": {"name": "bot"}}`, string(m.Payload.Extra))
}

func TestDecodeMessageRequiresIDs(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type": "Message", "content": "x"}`))
	assert.Error(t, err)
}

func TestDecodePatchWithClear(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type": "ServerUpdate", "id": "S1", "data": {"name": "renamed"}, "clear": ["Icon"]}`))
	require.NoError(t, err)

	up := ev.(*ServerUpdated)
	icon := "icon.png"
	s := &Server{ID: "S1", Name: "old", Icon: &icon}
	up.Patch.Apply(s)
	assert.Equal(t, "renamed", s.Name)
	assert.Nil(t, s.Icon)
}

func TestDecodeSettings(t *testing.T) {
	data := `{"type": "UserSettingsUpdate", "id": "U1",
		"update": {"notifications": [1700000000, "{\"server\": {\"S1\": \"muted\"}, \"channel\": {\"C1\": \"muted\"}}"]}}`
	ev, err := DecodeEvent([]byte(data))
	require.NoError(t, err)

	s := ev.(*SettingsUpdated)
	require.NotNil(t, s.Notifications)
	assert.Equal(t, NotifyMuted, s.Notifications.Servers["S1"])
	assert.Equal(t, NotifyMuted, s.Notifications.Channels["C1"])
}

func TestDecodeUnknown(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type": "Pong"}`))
	assert.True(t, errors.Is(err, ErrUnknownEvent))

	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownEvent))
}

func TestDecodeEventKinds(t *testing.T) {
	cases := map[string]string{
		`{"type": "MessageUpdate", "id": "M", "channel": "C", "data": {"content": "x"}}`:            "MessageUpdate",
		`{"type": "MessageDelete", "id": "M", "channel": "C"}`:                                      "MessageDelete",
		`{"type": "MessageReact", "id": "M", "channel_id": "C", "user_id": "U", "emoji_id": "e"}`:   "MessageReact",
		`{"type": "MessageUnreact", "id": "M", "channel_id": "C", "user_id": "U", "emoji_id": "e"}`: "MessageUnreact",
		`{"type": "ChannelCreate", "channel_type": "SavedMessages", "_id": "C", "user": "U"}`:       "ChannelCreate",
		`{"type": "ChannelUpdate", "id": "C", "data": {"name": "n"}}`:                               "ChannelUpdate",
		`{"type": "ChannelDelete", "id": "C"}`:                                                      "ChannelDelete",
		`{"type": "ServerCreate", "id": "S", "server": {"name": "s"}, "channels": []}`:              "ServerCreate",
		`{"type": "ServerDelete", "id": "S"}`:                                                       "ServerDelete",
		`{"type": "ServerRoleUpdate", "id": "S", "role_id": "R", "data": {"name": "r"}}`:            "ServerRoleUpdate",
		`{"type": "ServerRoleDelete", "id": "S", "role_id": "R"}`:                                   "ServerRoleDelete",
		`{"type": "ServerMemberJoin", "id": "S", "user": "U"}`:                                      "ServerMemberJoin",
		`{"type": "ServerMemberUpdate", "id": {"server": "S", "user": "U"}, "data": {}}`:            "ServerMemberUpdate",
		`{"type": "ServerMemberLeave", "id": "S", "user": "U"}`:                                     "ServerMemberLeave",
		`{"type": "UserUpdate", "id": "U", "data": {"online": true}}`:                               "UserUpdate",
		`{"type": "UserRelationship", "id": "U1", "user": {"_id": "U2"}, "status": "Friend"}`:       "UserRelationship",
		`{"type": "ChannelAck", "id": "C", "user": "U", "message_id": "M"}`:                         "ChannelAck",
		`{"type": "ChannelStartTyping", "id": "C", "user": "U"}`:                                    "ChannelStartTyping",
		`{"type": "ChannelStopTyping", "id": "C", "user": "U"}`:                                     "ChannelStopTyping",
		`{"type": "InvalidSession"}`:                                                                "InvalidSession",
		`{"type": "Logout"}`:                                                                        "Logout",
	}
	for data, kind := range cases {
		ev, err := DecodeEvent([]byte(data))
		require.NoError(t, err, data)
		assert.Equal(t, kind, ev.Kind())
	}
}
