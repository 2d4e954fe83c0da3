package store

import (
	"context"
	"time"

	"github.com/mqy/chatmirror/chatstore"
)

// ChannelInfo is the per-channel bookkeeping row kept next to the messages.
type ChannelInfo struct {
	ChannelID     string
	LastMessageID string
	MessageCount  int
	LastUpdated   time.Time
}

// ICacheStore is the durable message cache. A disabled store accepts every
// call and returns empty results.
type ICacheStore interface {
	// UpsertMessages inserts or replaces msgs in one transaction, then refreshes
	// the channel info row of channelID. Returns after the data is on disk.
	UpsertMessages(ctx context.Context, msgs []*chatstore.Message, channelID string) error

	// QueryMessages returns up to limit messages of a channel, skipping the
	// offset newest ones, oldest first.
	QueryMessages(ctx context.Context, channelID string, limit, offset int) ([]*chatstore.Message, error)

	UpsertUsers(ctx context.Context, users []*chatstore.User) error
	QueryUsers(ctx context.Context, ids []string) (map[string]*chatstore.User, error)

	// DeleteMessages removes ids of a channel and refreshes its channel info.
	DeleteMessages(ctx context.Context, channelID string, ids []string) error

	// ApplyEdit records an edit of a cached message keyed by id.
	ApplyEdit(ctx context.Context, id string, content *string, editedAt *time.Time) error

	ChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error)

	// DeleteMessagesOlderThan deletes messages created before now-age, then the
	// users that no longer author any message, then reclaims space.
	// Returns the number of deleted messages.
	DeleteMessagesOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// Reset deletes the backing file and recreates the schema.
	Reset(ctx context.Context) error

	// Enqueue* schedule writes without waiting. Failures are logged.
	EnqueueUpsertMessages(msgs []*chatstore.Message, channelID string)
	EnqueueUpsertUsers(users []*chatstore.User)
	EnqueueDeleteMessages(channelID string, ids []string)
	EnqueueEdit(id string, content *string, editedAt *time.Time)

	Enabled() bool
	Close() error
}
