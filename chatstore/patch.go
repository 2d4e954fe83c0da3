package chatstore

import (
	"time"

	"github.com/golang/glog"
)

// Patches carry field-level updates: a nil field is left unchanged, while the
// names listed in Clear are reset to their zero value. Clears run after sets.

type MessagePatch struct {
	Content  *string    `json:"content,omitempty"`
	EditedAt *time.Time `json:"edited,omitempty"`
}

func (p *MessagePatch) Apply(m *Message) {
	if p.Content != nil {
		m.Content = cloneString(p.Content)
	}
	if p.EditedAt != nil {
		t := *p.EditedAt
		m.EditedAt = &t
	}
}

type ChannelPatch struct {
	Name          *string   `json:"name,omitempty"`
	Description   *string   `json:"description,omitempty"`
	Icon          *string   `json:"icon,omitempty"`
	NSFW          *bool     `json:"nsfw,omitempty"`
	Active        *bool     `json:"active,omitempty"`
	OwnerID       *string   `json:"owner,omitempty"`
	Recipients    *[]string `json:"recipients,omitempty"`
	LastMessageID *string   `json:"last_message_id,omitempty"`
	Clear         []string  `json:"-"`
}

func (p *ChannelPatch) Apply(c *Channel) {
	if p.LastMessageID != nil {
		c.LastMessageID = *p.LastMessageID
	}

	switch v := c.Variant.(type) {
	case DirectMessage:
		setBool(&v.Active, p.Active)
		setSlice(&v.Recipients, p.Recipients)
		c.Variant = v
	case Group:
		setString(&v.Name, p.Name)
		setString(&v.OwnerID, p.OwnerID)
		setOptional(&v.Description, p.Description)
		setOptional(&v.Icon, p.Icon)
		setSlice(&v.Recipients, p.Recipients)
		for _, f := range p.Clear {
			switch f {
			case "Description":
				v.Description = nil
			case "Icon":
				v.Icon = nil
			}
		}
		c.Variant = v
	case TextChannel:
		setString(&v.Name, p.Name)
		setOptional(&v.Description, p.Description)
		setOptional(&v.Icon, p.Icon)
		setBool(&v.NSFW, p.NSFW)
		for _, f := range p.Clear {
			switch f {
			case "Description":
				v.Description = nil
			case "Icon":
				v.Icon = nil
			}
		}
		c.Variant = v
	case VoiceChannel:
		setString(&v.Name, p.Name)
		setOptional(&v.Description, p.Description)
		setOptional(&v.Icon, p.Icon)
		for _, f := range p.Clear {
			switch f {
			case "Description":
				v.Description = nil
			case "Icon":
				v.Icon = nil
			}
		}
		c.Variant = v
	case SavedMessages:
	default:
		glog.Errorf("channel patch: unknown variant %T for channel %s", c.Variant, c.ID)
	}
}

type ServerPatch struct {
	Name        *string     `json:"name,omitempty"`
	OwnerID     *string     `json:"owner,omitempty"`
	Description *string     `json:"description,omitempty"`
	Icon        *string     `json:"icon,omitempty"`
	Banner      *string     `json:"banner,omitempty"`
	ChannelIDs  *[]string   `json:"channels,omitempty"`
	Categories  *[]Category `json:"categories,omitempty"`
	Clear       []string    `json:"-"`
}

func (p *ServerPatch) Apply(s *Server) {
	setString(&s.Name, p.Name)
	setString(&s.OwnerID, p.OwnerID)
	setOptional(&s.Description, p.Description)
	setOptional(&s.Icon, p.Icon)
	setOptional(&s.Banner, p.Banner)
	setSlice(&s.ChannelIDs, p.ChannelIDs)
	if p.Categories != nil {
		s.Categories = append([]Category(nil), (*p.Categories)...)
	}
	for _, f := range p.Clear {
		switch f {
		case "Description":
			s.Description = nil
		case "Icon":
			s.Icon = nil
		case "Banner":
			s.Banner = nil
		case "Categories":
			s.Categories = nil
		}
	}
}

type RolePatch struct {
	Name        *string  `json:"name,omitempty"`
	Colour      *string  `json:"colour,omitempty"`
	Hoist       *bool    `json:"hoist,omitempty"`
	Rank        *int     `json:"rank,omitempty"`
	Permissions *int64   `json:"permissions,omitempty"`
	Clear       []string `json:"-"`
}

func (p *RolePatch) Apply(r *Role) {
	setString(&r.Name, p.Name)
	setOptional(&r.Colour, p.Colour)
	setBool(&r.Hoist, p.Hoist)
	if p.Rank != nil {
		r.Rank = *p.Rank
	}
	if p.Permissions != nil {
		r.Permissions = *p.Permissions
	}
	for _, f := range p.Clear {
		if f == "Colour" {
			r.Colour = nil
		}
	}
}

type UserPatch struct {
	Username    *string  `json:"username,omitempty"`
	DisplayName *string  `json:"display_name,omitempty"`
	Avatar      *string  `json:"avatar,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Online      *bool    `json:"online,omitempty"`
	Clear       []string `json:"-"`
}

func (p *UserPatch) Apply(u *User) {
	setString(&u.Username, p.Username)
	setOptional(&u.DisplayName, p.DisplayName)
	setOptional(&u.Avatar, p.Avatar)
	setOptional(&u.Status, p.Status)
	setBool(&u.Online, p.Online)
	for _, f := range p.Clear {
		switch f {
		case "DisplayName":
			u.DisplayName = nil
		case "Avatar":
			u.Avatar = nil
		case "Status":
			u.Status = nil
		}
	}
}

type MemberPatch struct {
	Nickname *string   `json:"nickname,omitempty"`
	Avatar   *string   `json:"avatar,omitempty"`
	Roles    *[]string `json:"roles,omitempty"`
	Clear    []string  `json:"-"`
}

func (p *MemberPatch) Apply(m *Member) {
	setOptional(&m.Nickname, p.Nickname)
	setOptional(&m.Avatar, p.Avatar)
	setSlice(&m.Roles, p.Roles)
	for _, f := range p.Clear {
		switch f {
		case "Nickname":
			m.Nickname = nil
		case "Avatar":
			m.Avatar = nil
		case "Roles":
			m.Roles = nil
		}
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setOptional(dst **string, v *string) {
	if v != nil {
		*dst = cloneString(v)
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setSlice(dst *[]string, v *[]string) {
	if v != nil {
		*dst = append([]string(nil), (*v)...)
	}
}
