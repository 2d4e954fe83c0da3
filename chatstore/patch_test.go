package chatstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strp(s string) *string { return &s }

func TestChannelPatchAbsentFieldsUnchanged(t *testing.T) {
	c := &Channel{ID: "C1", Variant: TextChannel{ServerID: "S1", Name: "general", Description: strp("talk")}}

	p := ChannelPatch{Name: strp("random")}
	p.Apply(c)

	v := c.Variant.(TextChannel)
	assert.Equal(t, "random", v.Name)
	assert.Equal(t, "talk", *v.Description)
	assert.Equal(t, "S1", v.ServerID)
}

func TestChannelPatchClear(t *testing.T) {
	c := &Channel{ID: "C1", Variant: Group{Name: "g", Description: strp("d"), Icon: strp("i")}}

	p := ChannelPatch{Clear: []string{"Description"}}
	p.Apply(c)

	v := c.Variant.(Group)
	assert.Nil(t, v.Description)
	assert.Equal(t, "i", *v.Icon)
}

func TestUserPatch(t *testing.T) {
	u := &User{ID: "U1", Username: "a", Avatar: strp("x")}
	online := true
	p := UserPatch{DisplayName: strp("Alice"), Online: &online, Clear: []string{"Avatar"}}
	p.Apply(u)

	assert.Equal(t, "Alice", *u.DisplayName)
	assert.True(t, u.Online)
	assert.Nil(t, u.Avatar)
}

func TestMemberPatchRoles(t *testing.T) {
	m := &Member{Key: MemberKey{"S1", "U1"}, Roles: []string{"R1"}}
	roles := []string{"R2", "R3"}
	(&MemberPatch{Roles: &roles}).Apply(m)
	assert.Equal(t, []string{"R2", "R3"}, m.Roles)

	(&MemberPatch{Clear: []string{"Roles"}}).Apply(m)
	assert.Nil(t, m.Roles)
}

func TestCloneIsDeep(t *testing.T) {
	m := &Message{ID: "M1", Content: strp("a"), Payload: Payload{Reactions: map[string][]string{"e": {"U1"}}}}
	c := m.Clone()
	*c.Content = "b"
	c.Payload.Reactions["e"][0] = "U2"

	assert.Equal(t, "a", *m.Content)
	assert.Equal(t, "U1", m.Payload.Reactions["e"][0])

	ch := &Channel{ID: "C1", Variant: DirectMessage{Recipients: []string{"U1"}}}
	cc := ch.Clone()
	cc.Variant.(DirectMessage).Recipients[0] = "U9"
	assert.Equal(t, "U1", ch.Participants()[0])
}
