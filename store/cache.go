package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/chatmirror/chatstore"
	"github.com/mqy/chatmirror/idclock"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	author_id TEXT NOT NULL,
	content TEXT,
	created_at INTEGER NOT NULL,
	edited_at INTEGER,
	message_blob BLOB
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel_id, created_at);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	display_name TEXT,
	avatar_ref TEXT,
	user_blob BLOB
);
CREATE TABLE IF NOT EXISTS channel_info (
	channel_id TEXT PRIMARY KEY,
	last_message_id TEXT,
	message_count INTEGER NOT NULL DEFAULT 0,
	last_updated INTEGER NOT NULL
);`

const (
	upsertMessageSQL = "INSERT OR REPLACE INTO messages (id,channel_id,author_id,content,created_at,edited_at,message_blob) VALUES (?,?,?,?,?,?,?)"
	queryMessagesSQL = "SELECT id,channel_id,author_id,content,edited_at,message_blob FROM messages " +
		"WHERE channel_id=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	deleteMessageSQL = "DELETE FROM messages WHERE id=? AND channel_id=?"
	editMessageSQL   = "UPDATE messages SET content=COALESCE(?, content), edited_at=COALESCE(?, edited_at) WHERE id=?"
	lastMessageSQL   = "SELECT id FROM messages WHERE channel_id=? ORDER BY created_at DESC, id DESC LIMIT 1"
	countMessagesSQL = "SELECT COUNT(*) FROM messages WHERE channel_id=?"
	upsertInfoSQL    = "INSERT OR REPLACE INTO channel_info (channel_id,last_message_id,message_count,last_updated) VALUES (?,?,?,?)"
	deleteInfoSQL    = "DELETE FROM channel_info WHERE channel_id=?"
	getInfoSQL       = "SELECT last_message_id,message_count,last_updated FROM channel_info WHERE channel_id=?"
	upsertUserSQL    = "INSERT OR REPLACE INTO users (id,username,display_name,avatar_ref,user_blob) VALUES (?,?,?,?,?)"
	queryUsersSQL    = "SELECT id,username,display_name,avatar_ref,user_blob FROM users WHERE id IN (%s)"

	deleteOldMessagesSQL = "DELETE FROM messages WHERE created_at < ?"
	deleteOrphanUsersSQL = "DELETE FROM users WHERE id NOT IN (SELECT DISTINCT author_id FROM messages)"
	refreshInfoCountsSQL = "UPDATE channel_info SET message_count=(SELECT COUNT(*) FROM messages WHERE messages.channel_id=channel_info.channel_id)"
	deleteEmptyInfoSQL   = "DELETE FROM channel_info WHERE message_count=0"
)

// sqlite limits the number of host parameters per statement.
const maxInParams = 500

var decodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatmirror_cache_decode_failures_total",
	Help: "Cached rows skipped because their blob could not be decoded.",
})

var writeFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "chatmirror_cache_write_failures_total",
	Help: "Background cache writes that failed.",
})

func init() {
	prometheus.MustRegister(decodeFailures, writeFailures)
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context, db *sql.DB) error
	done chan error // nil for fire-and-forget
	name string

	// always runs fn even when the cache is disabled.
	always bool
}

// Cache implements `ICacheStore` on an sqlite file. All statements run on one
// worker goroutine in submission order.
type Cache struct {
	path string

	// db is only touched by the worker. nil means disabled.
	db      *sql.DB
	enabled int32

	mu      sync.Mutex
	pending []*job
	closed  bool
	wakeC   chan struct{}
	doneC   chan struct{}
}

// Open opens or creates the cache at path. It never fails: on an unusable
// file the cache is reset once and, if that fails too, disabled.
func Open(path string) *Cache {
	c := newCache(path)
	db, err := openDB(path)
	if err != nil {
		glog.Errorf("cache: open %s error: %v, resetting", path, err)
		db, err = c.recreate()
		if err != nil {
			glog.Errorf("cache: reset %s error: %v, cache disabled", path, err)
		}
	}
	c.setDB(db)
	go c.loop()
	return c
}

// Disabled returns a cache that stores nothing.
func Disabled() *Cache {
	c := newCache("")
	go c.loop()
	return c
}

func newCache(path string) *Cache {
	return &Cache{
		path:  path,
		wakeC: make(chan struct{}, 1),
		doneC: make(chan struct{}),
	}
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One connection, so the pragma below applies to every statement.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (c *Cache) setDB(db *sql.DB) {
	c.db = db
	if db != nil {
		atomic.StoreInt32(&c.enabled, 1)
	} else {
		atomic.StoreInt32(&c.enabled, 0)
	}
}

// recreate removes the backing files and opens a fresh database.
func (c *Cache) recreate() (*sql.DB, error) {
	if c.path == "" {
		return nil, errors.New("no path")
	}
	for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
		if err := os.Remove(c.path + suffix); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return openDB(c.path)
}

func (c *Cache) Enabled() bool {
	return atomic.LoadInt32(&c.enabled) == 1
}

func (c *Cache) loop() {
	defer close(c.doneC)
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			<-c.wakeC
			continue
		}
		j := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()

		c.exec(j)
	}
}

func (c *Cache) exec(j *job) {
	var err error
	if j.ctx.Err() != nil {
		err = j.ctx.Err()
	} else if c.db != nil || j.always {
		start := time.Now()
		err = j.fn(j.ctx, c.db)
		glog.V(7).Infof("cache: %s took %s", j.name, time.Since(start))
	}

	if j.done != nil {
		j.done <- err
	} else if err != nil {
		writeFailures.Inc()
		glog.Errorf("cache: background %s error: %v", j.name, err)
	}
}

func (c *Cache) submit(j *job) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.pending = append(c.pending, j)
	c.mu.Unlock()

	select {
	case c.wakeC <- struct{}{}:
	default:
	}
	return true
}

// run executes fn on the worker and waits for it. On a disabled cache fn is
// skipped and run returns nil.
func (c *Cache) run(ctx context.Context, name string, fn func(ctx context.Context, db *sql.DB) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1), name: name}
	if !c.submit(j) {
		return nil
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) enqueue(name string, fn func(ctx context.Context, db *sql.DB) error) {
	c.submit(&job{ctx: context.Background(), fn: fn, name: name})
}

// Close drains queued work and closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.wakeC <- struct{}{}:
	default:
	}
	<-c.doneC

	if c.db != nil {
		err := c.db.Close()
		c.setDB(nil)
		return err
	}
	return nil
}

func withTx(ctx context.Context, db *sql.DB, exec func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("cache: failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (c *Cache) UpsertMessages(ctx context.Context, msgs []*chatstore.Message, channelID string) error {
	return c.run(ctx, "upsert messages", upsertMessagesFunc(msgs, channelID))
}

func (c *Cache) EnqueueUpsertMessages(msgs []*chatstore.Message, channelID string) {
	c.enqueue("upsert messages", upsertMessagesFunc(msgs, channelID))
}

func upsertMessagesFunc(msgs []*chatstore.Message, channelID string) func(ctx context.Context, db *sql.DB) error {
	return func(ctx context.Context, db *sql.DB) error {
		return withTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, upsertMessageSQL)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, m := range msgs {
				var editedAt sql.NullInt64
				if m.EditedAt != nil {
					editedAt = sql.NullInt64{Int64: m.EditedAt.UnixMilli(), Valid: true}
				}
				var content sql.NullString
				if m.Content != nil {
					content = sql.NullString{String: *m.Content, Valid: true}
				}
				channel := m.ChannelID
				if channel == "" {
					channel = channelID
				}
				if _, err := stmt.ExecContext(ctx, m.ID, channel, m.AuthorID, content,
					createdAt(m.ID), editedAt, encodeMessageBlob(m)); err != nil {
					return fmt.Errorf("upsert message %s: %w", m.ID, err)
				}
			}
			return refreshChannelInfo(ctx, tx, channelID)
		})
	}
}

func createdAt(id string) int64 {
	if ms, ok := idclock.Millis(id); ok {
		return ms
	}
	return time.Now().UnixMilli()
}

func refreshChannelInfo(ctx context.Context, tx *sql.Tx, channelID string) error {
	var count int
	if err := tx.QueryRowContext(ctx, countMessagesSQL, channelID).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := tx.ExecContext(ctx, deleteInfoSQL, channelID)
		return err
	}
	var last string
	if err := tx.QueryRowContext(ctx, lastMessageSQL, channelID).Scan(&last); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, upsertInfoSQL, channelID, last, count, time.Now().UnixMilli())
	return err
}

func (c *Cache) QueryMessages(ctx context.Context, channelID string, limit, offset int) ([]*chatstore.Message, error) {
	var out []*chatstore.Message
	err := c.run(ctx, "query messages", func(ctx context.Context, db *sql.DB) error {
		rows, err := db.QueryContext(ctx, queryMessagesSQL, channelID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m chatstore.Message
			var content sql.NullString
			var editedAt sql.NullInt64
			var blob []byte
			if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &content, &editedAt, &blob); err != nil {
				return err
			}
			if content.Valid {
				s := content.String
				m.Content = &s
			}
			if editedAt.Valid {
				t := time.UnixMilli(editedAt.Int64)
				m.EditedAt = &t
			}
			if err := decodeMessageBlob(blob, &m); err != nil {
				decodeFailures.Inc()
				glog.Errorf("cache: skip message %s: %v", m.ID, err)
				continue
			}
			out = append(out, &m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// newest first from sqlite, oldest first to the caller.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Cache) UpsertUsers(ctx context.Context, users []*chatstore.User) error {
	return c.run(ctx, "upsert users", upsertUsersFunc(users))
}

func (c *Cache) EnqueueUpsertUsers(users []*chatstore.User) {
	c.enqueue("upsert users", upsertUsersFunc(users))
}

func upsertUsersFunc(users []*chatstore.User) func(ctx context.Context, db *sql.DB) error {
	return func(ctx context.Context, db *sql.DB) error {
		return withTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, upsertUserSQL)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, u := range users {
				// placeholders must never overwrite a real cached user.
				if u.Placeholder {
					continue
				}
				if _, err := stmt.ExecContext(ctx, u.ID, u.Username, nullString(u.DisplayName),
					nullString(u.Avatar), encodeUserBlob(u)); err != nil {
					return fmt.Errorf("upsert user %s: %w", u.ID, err)
				}
			}
			return nil
		})
	}
}

func (c *Cache) QueryUsers(ctx context.Context, ids []string) (map[string]*chatstore.User, error) {
	out := make(map[string]*chatstore.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := c.run(ctx, "query users", func(ctx context.Context, db *sql.DB) error {
		for start := 0; start < len(ids); start += maxInParams {
			end := start + maxInParams
			if end > len(ids) {
				end = len(ids)
			}
			if err := queryUsers(ctx, db, ids[start:end], out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func queryUsers(ctx context.Context, db *sql.DB, ids []string, out map[string]*chatstore.User) error {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(queryUsersSQL, strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","))
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var u chatstore.User
		var displayName, avatar sql.NullString
		var blob []byte
		if err := rows.Scan(&u.ID, &u.Username, &displayName, &avatar, &blob); err != nil {
			return err
		}
		if displayName.Valid {
			s := displayName.String
			u.DisplayName = &s
		}
		if avatar.Valid {
			s := avatar.String
			u.Avatar = &s
		}
		if err := decodeUserBlob(blob, &u); err != nil {
			decodeFailures.Inc()
			glog.Errorf("cache: skip user %s: %v", u.ID, err)
			continue
		}
		out[u.ID] = &u
	}
	return rows.Err()
}

func (c *Cache) DeleteMessages(ctx context.Context, channelID string, ids []string) error {
	return c.run(ctx, "delete messages", deleteMessagesFunc(channelID, ids))
}

func (c *Cache) EnqueueDeleteMessages(channelID string, ids []string) {
	c.enqueue("delete messages", deleteMessagesFunc(channelID, ids))
}

func deleteMessagesFunc(channelID string, ids []string) func(ctx context.Context, db *sql.DB) error {
	return func(ctx context.Context, db *sql.DB) error {
		return withTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, deleteMessageSQL, id, channelID); err != nil {
					return err
				}
			}
			return refreshChannelInfo(ctx, tx, channelID)
		})
	}
}

func (c *Cache) ApplyEdit(ctx context.Context, id string, content *string, editedAt *time.Time) error {
	return c.run(ctx, "apply edit", editFunc(id, content, editedAt))
}

func (c *Cache) EnqueueEdit(id string, content *string, editedAt *time.Time) {
	c.enqueue("apply edit", editFunc(id, content, editedAt))
}

func editFunc(id string, content *string, editedAt *time.Time) func(ctx context.Context, db *sql.DB) error {
	return func(ctx context.Context, db *sql.DB) error {
		var edited sql.NullInt64
		if editedAt != nil {
			edited = sql.NullInt64{Int64: editedAt.UnixMilli(), Valid: true}
		}
		_, err := db.ExecContext(ctx, editMessageSQL, nullString(content), edited, id)
		return err
	}
}

func (c *Cache) ChannelInfo(ctx context.Context, channelID string) (*ChannelInfo, error) {
	var out *ChannelInfo
	err := c.run(ctx, "channel info", func(ctx context.Context, db *sql.DB) error {
		var last sql.NullString
		var count int
		var updated int64
		err := db.QueryRowContext(ctx, getInfoSQL, channelID).Scan(&last, &count, &updated)
		if err == sql.ErrNoRows {
			return nil
		} else if err != nil {
			return err
		}
		out = &ChannelInfo{
			ChannelID:     channelID,
			LastMessageID: last.String,
			MessageCount:  count,
			LastUpdated:   time.UnixMilli(updated),
		}
		return nil
	})
	return out, err
}

func (c *Cache) DeleteMessagesOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	var deleted int64
	err := c.run(ctx, "retention", func(ctx context.Context, db *sql.DB) error {
		cutoff := time.Now().Add(-age).UnixMilli()
		if err := withTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, deleteOldMessagesSQL, cutoff)
			if err != nil {
				return err
			}
			deleted, _ = res.RowsAffected()
			for _, q := range []string{deleteOrphanUsersSQL, refreshInfoCountsSQL, deleteEmptyInfoSQL} {
				if _, err := tx.ExecContext(ctx, q); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		// VACUUM cannot run inside a transaction.
		_, err := db.ExecContext(ctx, "VACUUM")
		return err
	})
	return deleted, err
}

// Reset closes the database, deletes the file and recreates the schema. The
// cache stays disabled if that fails.
func (c *Cache) Reset(ctx context.Context) error {
	j := &job{ctx: ctx, done: make(chan error, 1), name: "reset", always: true}
	j.fn = func(ctx context.Context, _ *sql.DB) error {
		return c.resetLocked()
	}
	if !c.submit(j) {
		return nil
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resetLocked runs on the worker.
func (c *Cache) resetLocked() error {
	if c.db != nil {
		_ = c.db.Close()
		c.setDB(nil)
	}
	db, err := c.recreate()
	if err != nil {
		glog.Errorf("cache: reset error: %v, cache disabled", err)
		return err
	}
	c.setDB(db)
	glog.Infof("cache: reset %s", c.path)
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
