package store

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/mqy/chatmirror/chatstore"
)

// Blob layouts. Field numbers are never reused; readers skip fields they do
// not know and message blobs keep them in Payload.Unknown.
const blobVersion = 1

const (
	msgVersion    protowire.Number = 1
	msgAttachment protowire.Number = 2
	msgReaction   protowire.Number = 3
	msgMention    protowire.Number = 4
	msgReply      protowire.Number = 5
	msgExtra      protowire.Number = 6
	msgNonce      protowire.Number = 7
)

const (
	attID          protowire.Number = 1
	attFilename    protowire.Number = 2
	attContentType protowire.Number = 3
	attSize        protowire.Number = 4
	attWidth       protowire.Number = 5
	attHeight      protowire.Number = 6
)

const (
	reactEmoji protowire.Number = 1
	reactUser  protowire.Number = 2
)

const (
	userVersion      protowire.Number = 1
	userStatus       protowire.Number = 2
	userOnline       protowire.Number = 3
	userRelationship protowire.Number = 4
)

func encodeMessageBlob(m *chatstore.Message) []byte {
	var b []byte
	b = appendVarint(b, msgVersion, blobVersion)
	for i := range m.Payload.Attachments {
		b = protowire.AppendTag(b, msgAttachment, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeAttachment(&m.Payload.Attachments[i]))
	}

	// map order is random; sort so equal payloads encode to equal blobs.
	emojis := make([]string, 0, len(m.Payload.Reactions))
	for e := range m.Payload.Reactions {
		emojis = append(emojis, e)
	}
	sort.Strings(emojis)
	for _, e := range emojis {
		var r []byte
		r = appendString(r, reactEmoji, e)
		for _, uid := range m.Payload.Reactions[e] {
			r = appendString(r, reactUser, uid)
		}
		b = protowire.AppendTag(b, msgReaction, protowire.BytesType)
		b = protowire.AppendBytes(b, r)
	}

	for _, id := range m.Payload.Mentions {
		b = appendString(b, msgMention, id)
	}
	for _, id := range m.Payload.Replies {
		b = appendString(b, msgReply, id)
	}
	if len(m.Payload.Extra) > 0 {
		b = protowire.AppendTag(b, msgExtra, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload.Extra)
	}
	if m.Nonce != "" {
		b = appendString(b, msgNonce, m.Nonce)
	}
	return append(b, m.Payload.Unknown...)
}

func decodeMessageBlob(b []byte, m *chatstore.Message) error {
	p := &m.Payload
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, raw []byte) error {
		switch num {
		case msgVersion:
			// any version decodes; newer fields fall through to Unknown.
		case msgAttachment:
			var a chatstore.Attachment
			if err := decodeAttachment(v, &a); err != nil {
				return err
			}
			p.Attachments = append(p.Attachments, a)
		case msgReaction:
			var emoji string
			var users []string
			if err := consumeFields(v, func(num protowire.Number, _ protowire.Type, v []byte, _ []byte) error {
				switch num {
				case reactEmoji:
					emoji = string(v)
				case reactUser:
					users = append(users, string(v))
				}
				return nil
			}); err != nil {
				return err
			}
			if p.Reactions == nil {
				p.Reactions = make(map[string][]string)
			}
			p.Reactions[emoji] = users
		case msgMention:
			p.Mentions = append(p.Mentions, string(v))
		case msgReply:
			p.Replies = append(p.Replies, string(v))
		case msgExtra:
			p.Extra = append([]byte(nil), v...)
		case msgNonce:
			m.Nonce = string(v)
		default:
			p.Unknown = append(p.Unknown, raw...)
		}
		return nil
	})
}

func encodeAttachment(a *chatstore.Attachment) []byte {
	var b []byte
	b = appendString(b, attID, a.ID)
	b = appendString(b, attFilename, a.Filename)
	if a.ContentType != "" {
		b = appendString(b, attContentType, a.ContentType)
	}
	b = appendVarint(b, attSize, uint64(a.Size))
	if a.Width > 0 {
		b = appendVarint(b, attWidth, uint64(a.Width))
	}
	if a.Height > 0 {
		b = appendVarint(b, attHeight, uint64(a.Height))
	}
	return b
}

func decodeAttachment(b []byte, a *chatstore.Attachment) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, raw []byte) error {
		switch num {
		case attID:
			a.ID = string(v)
		case attFilename:
			a.Filename = string(v)
		case attContentType:
			a.ContentType = string(v)
		case attSize:
			a.Size = int64(varintOf(raw))
		case attWidth:
			a.Width = int(varintOf(raw))
		case attHeight:
			a.Height = int(varintOf(raw))
		}
		return nil
	})
}

func encodeUserBlob(u *chatstore.User) []byte {
	var b []byte
	b = appendVarint(b, userVersion, blobVersion)
	if u.Status != nil {
		b = appendString(b, userStatus, *u.Status)
	}
	if u.Online {
		b = appendVarint(b, userOnline, protowire.EncodeBool(true))
	}
	if u.Relationship != "" {
		b = appendString(b, userRelationship, string(u.Relationship))
	}
	return b
}

func decodeUserBlob(b []byte, u *chatstore.User) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, raw []byte) error {
		switch num {
		case userStatus:
			s := string(v)
			u.Status = &s
		case userOnline:
			u.Online = protowire.DecodeBool(varintOf(raw))
		case userRelationship:
			u.Relationship = chatstore.Relationship(v)
		}
		return nil
	})
}

// consumeFields walks b calling fn for each field. For bytes fields v is the
// payload; raw is always the full encoded field including its tag.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("blob tag: %w", protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, b[n:])
		if m < 0 {
			return fmt.Errorf("blob field %d: %w", num, protowire.ParseError(m))
		}
		raw := b[:n+m]
		var v []byte
		if typ == protowire.BytesType {
			v, _ = protowire.ConsumeBytes(b[n:])
		}
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
		b = b[n+m:]
	}
	return nil
}

// varintOf decodes the varint value of a raw field.
func varintOf(raw []byte) uint64 {
	_, _, n := protowire.ConsumeTag(raw)
	if n < 0 {
		return 0
	}
	v, m := protowire.ConsumeVarint(raw[n:])
	if m < 0 {
		return 0
	}
	return v
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
