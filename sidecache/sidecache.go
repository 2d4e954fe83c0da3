// Package sidecache persists the small pieces of client state that live
// outside the message cache: the server list, server membership and drafts.
package sidecache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

const (
	// MaxDraftRunes caps a single draft.
	MaxDraftRunes = 2000

	DefaultQuiet = 500 * time.Millisecond
)

var (
	bucketServers    = []byte("servers")
	bucketMembership = []byte("membership")
	bucketDrafts     = []byte("drafts")

	keyOrder = []byte("order")
)

// Cache is a bbolt file holding the side caches. Servers and drafts are
// written after a quiet period; membership is written at once.
type Cache struct {
	db       *bbolt.DB
	draftKey []byte
	quiet    time.Duration

	// flushMu orders flushes against ClearDrafts.
	flushMu sync.Mutex

	mu      sync.Mutex
	drafts  map[string]string
	pending map[pendingKey][]byte
	timer   *time.Timer
	writes  int
}

// Open opens path. Drafts are scoped to userID on baseURL.
func Open(path, userID, baseURL string, quiet time.Duration) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open side cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketServers, bucketMembership, bucketDrafts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	c := &Cache{
		db:       db,
		draftKey: []byte(userID + "|" + baseURL),
		quiet:    quiet,
		pending:  make(map[pendingKey][]byte),
	}
	if c.drafts, err = c.loadDrafts(); err != nil {
		glog.Errorf("sidecache: drafts unreadable, starting empty: %v", err)
		c.drafts = make(map[string]string)
	}
	return c, nil
}

func (c *Cache) get(bucket, key []byte, v interface{}) (bool, error) {
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

// Servers returns the last saved server order.
func (c *Cache) Servers() ([]string, error) {
	var order []string
	_, err := c.get(bucketServers, keyOrder, &order)
	return order, err
}

// PutServers saves the server order after the quiet period.
func (c *Cache) PutServers(order []string) {
	data, err := json.Marshal(order)
	if err != nil {
		glog.Errorf("sidecache: marshal servers: %v", err)
		return
	}
	c.schedule(bucketServers, keyOrder, data)
}

// Membership returns server id -> member for every server ever seen.
func (c *Cache) Membership() (map[string]bool, error) {
	out := make(map[string]bool)
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMembership).ForEach(func(k, v []byte) error {
			var member bool
			if err := json.Unmarshal(v, &member); err != nil {
				return fmt.Errorf("membership %s: %w", k, err)
			}
			out[string(k)] = member
			return nil
		})
	})
	return out, err
}

// ScheduleMembership saves every entry of m after the quiet period.
func (c *Cache) ScheduleMembership(m map[string]bool) {
	for id, member := range m {
		v, _ := json.Marshal(member)
		c.schedule(bucketMembership, []byte(id), v)
	}
}

// PutMembership replaces the membership bucket with m before returning.
// Scheduled membership writes not yet flushed are superseded.
func (c *Cache) PutMembership(m map[string]bool) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.mu.Lock()
	for pk := range c.pending {
		if pk.bucket == string(bucketMembership) {
			delete(c.pending, pk)
		}
	}
	c.mu.Unlock()

	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketMembership); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketMembership)
		if err != nil {
			return err
		}
		for id, member := range m {
			v, _ := json.Marshal(member)
			if err := b.Put([]byte(id), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) loadDrafts() (map[string]string, error) {
	drafts := make(map[string]string)
	_, err := c.get(bucketDrafts, c.draftKey, &drafts)
	return drafts, err
}

// Drafts returns a copy of the drafts of the current user.
func (c *Cache) Drafts() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.drafts))
	for k, v := range c.drafts {
		out[k] = v
	}
	return out
}

// SetDraft records the draft of channelID. Empty text removes it.
func (c *Cache) SetDraft(channelID, text string) {
	if utf8.RuneCountInString(text) > MaxDraftRunes {
		text = string([]rune(text)[:MaxDraftRunes])
	}
	c.mu.Lock()
	if text == "" {
		delete(c.drafts, channelID)
	} else {
		c.drafts[channelID] = text
	}
	data, err := json.Marshal(c.drafts)
	c.mu.Unlock()
	if err != nil {
		glog.Errorf("sidecache: marshal drafts: %v", err)
		return
	}
	c.schedule(bucketDrafts, c.draftKey, data)
}

// ClearDrafts drops every draft of the current user, pending writes included.
func (c *Cache) ClearDrafts() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.mu.Lock()
	c.drafts = make(map[string]string)
	delete(c.pending, pendingKey{string(bucketDrafts), string(c.draftKey)})
	c.mu.Unlock()
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDrafts).Delete(c.draftKey)
	})
}

type pendingKey struct {
	bucket, key string
}

// schedule queues a write and restarts the quiet period.
func (c *Cache) schedule(bucket, key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[pendingKey{string(bucket), string(key)}] = value
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.quiet, func() {
		if err := c.Flush(); err != nil {
			glog.Errorf("sidecache: flush: %v", err)
		}
	})
}

// Flush writes pending values now, in one transaction.
func (c *Cache) Flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	pending := c.pending
	c.pending = make(map[pendingKey][]byte)
	if len(pending) > 0 {
		c.writes++
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		for pk, v := range pending {
			if err := tx.Bucket([]byte(pk.bucket)).Put([]byte(pk.key), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes pending writes and closes the file.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		glog.Errorf("sidecache: flush on close: %v", err)
	}
	return c.db.Close()
}
