// Package redis provides a Redis implementation of the catlock.LockStore interface.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"catlock"
)

// Ensure RedisStore implements catlock.LockStore
var _ catlock.LockStore = (*RedisStore)(nil)

// insertScript claims every entry key and writes the lock document, or
// changes nothing if any entry is already held.
//
// KEYS[1] lock document, KEYS[2] owner index set, KEYS[3..] entry keys.
// ARGV[1] lock id, ARGV[2] lock document.
var insertScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end
	for i = 3, #KEYS do
		if redis.call("EXISTS", KEYS[i]) == 1 then
			return 0
		end
	end
	for i = 3, #KEYS do
		redis.call("SET", KEYS[i], ARGV[1])
	end
	redis.call("SET", KEYS[1], ARGV[2])
	redis.call("SADD", KEYS[2], ARGV[1])
	return 1
`)

// deleteScript removes the lock document, its index membership and the entry
// keys that still point at it.
//
// KEYS[1] lock document, KEYS[2] owner index set, KEYS[3..] entry keys.
// ARGV[1] lock id.
var deleteScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 0
	end
	for i = 3, #KEYS do
		if redis.call("GET", KEYS[i]) == ARGV[1] then
			redis.call("DEL", KEYS[i])
		end
	end
	redis.call("DEL", KEYS[1])
	redis.call("SREM", KEYS[2], ARGV[1])
	return 1
`)

// RedisStore keeps locks in Redis. Each held entry is a key pointing at the
// id of the lock holding it; the insert script makes claiming all entries of
// a lock atomic.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// Option is a functional option for configuring RedisStore
type Option func(*RedisStore)

// WithPrefix sets the key prefix. The default prefix carries a hash tag so
// all keys of the store land in one cluster slot, which the scripts require.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// New creates a new Redis-backed lock store.
func New(client redis.Cmdable, opts ...Option) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "{catlock}:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// document is the stored form of a lock.
type document struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"startedAt"`
	EditorID    string          `json:"editorId,omitempty"`
	EditorName  string          `json:"editorName,omitempty"`
	AmbientTxID string          `json:"ambientTxId,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Kind        string          `json:"kind"`
	Entries     []documentEntry `json:"entries"`
}

type documentEntry struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func toDocument(l *catlock.Lock) document {
	d := document{
		ID:          l.ID,
		StartedAt:   l.StartedAt,
		AmbientTxID: l.AmbientTxID,
		Reason:      l.Reason,
		Kind:        string(l.Kind),
		Entries:     make([]documentEntry, len(l.Entries)),
	}
	if l.Editor != nil {
		d.EditorID = l.Editor.ID
		d.EditorName = l.Editor.Name
	}
	for i, e := range l.Entries {
		d.Entries[i] = documentEntry{Type: string(e.TargetType), ID: e.TargetID}
	}
	return d
}

func (d document) toLock() (*catlock.Lock, error) {
	kind, err := catlock.ParseKind(d.Kind)
	if err != nil {
		return nil, err
	}
	l := &catlock.Lock{
		ID:          d.ID,
		StartedAt:   d.StartedAt,
		AmbientTxID: d.AmbientTxID,
		Reason:      d.Reason,
		Kind:        kind,
		Entries:     make([]catlock.Entry, 0, len(d.Entries)),
	}
	if d.EditorID != "" {
		l.Editor = &catlock.Editor{ID: d.EditorID, Name: d.EditorName}
	}
	for _, e := range d.Entries {
		tt, err := catlock.ParseTargetType(e.Type)
		if err != nil {
			return nil, err
		}
		l.Entries = append(l.Entries, catlock.NewEntry(tt, e.ID))
	}
	return l, nil
}

// ============================================================================
// Keys
// ============================================================================

func (s *RedisStore) lockKey(id string) string {
	return s.prefix + "lock:" + id
}

func (s *RedisStore) entryKey(e catlock.Entry) string {
	return s.prefix + "entry:" + e.Key()
}

func (s *RedisStore) editorKey(editorID string) string {
	return s.prefix + "editor:" + editorID
}

func (s *RedisStore) txKey(txID string) string {
	return s.prefix + "tx:" + txID
}

func (s *RedisStore) indexKey(l *catlock.Lock) string {
	if l.AmbientTxID != "" {
		return s.txKey(l.AmbientTxID)
	}
	if l.Editor != nil {
		return s.editorKey(l.Editor.ID)
	}
	return s.prefix + "orphans"
}

func (s *RedisStore) scriptKeys(l *catlock.Lock) []string {
	keys := make([]string, 0, len(l.Entries)+2)
	keys = append(keys, s.lockKey(l.ID), s.indexKey(l))
	for _, e := range l.Entries {
		keys = append(keys, s.entryKey(e))
	}
	return keys
}

// ============================================================================
// Write Operations
// ============================================================================

// Insert claims all entries of the lock atomically.
func (s *RedisStore) Insert(ctx context.Context, l *catlock.Lock) error {
	data, err := json.Marshal(toDocument(l))
	if err != nil {
		return fmt.Errorf("%w: marshal lock: %v", catlock.ErrLockStore, err)
	}

	claimed, err := insertScript.Run(ctx, s.client, s.scriptKeys(l), l.ID, data).Int()
	if err != nil {
		return fmt.Errorf("%w: insert lock: %v", catlock.ErrLockStore, err)
	}
	if claimed == 0 {
		return catlock.ErrDuplicateEntry
	}
	return nil
}

// Delete releases the lock and the entries it still holds.
func (s *RedisStore) Delete(ctx context.Context, lockID string) error {
	l, err := s.Get(ctx, lockID)
	if err != nil {
		return err
	}

	deleted, err := deleteScript.Run(ctx, s.client, s.scriptKeys(l), l.ID).Int()
	if err != nil {
		return fmt.Errorf("%w: delete lock: %v", catlock.ErrLockStore, err)
	}
	if deleted == 0 {
		return catlock.ErrLockNotFound
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// Get retrieves a lock by its ID.
func (s *RedisStore) Get(ctx context.Context, lockID string) (*catlock.Lock, error) {
	data, err := s.client.Get(ctx, s.lockKey(lockID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, catlock.ErrLockNotFound
		}
		return nil, fmt.Errorf("%w: get lock: %v", catlock.ErrLockStore, err)
	}
	return decode(data)
}

// FindByEditor returns the manual locks of an editor.
func (s *RedisStore) FindByEditor(ctx context.Context, editorID string) ([]*catlock.Lock, error) {
	locks, err := s.findByIndex(ctx, s.editorKey(editorID))
	if err != nil {
		return nil, err
	}
	out := locks[:0]
	for _, l := range locks {
		if l.AmbientTxID == "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// FindByAmbientTx returns the locks owned by a transaction.
func (s *RedisStore) FindByAmbientTx(ctx context.Context, txID string) ([]*catlock.Lock, error) {
	return s.findByIndex(ctx, s.txKey(txID))
}

func (s *RedisStore) findByIndex(ctx context.Context, indexKey string) ([]*catlock.Lock, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read index %s: %v", catlock.ErrLockStore, indexKey, err)
	}
	locks, err := s.loadLocks(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(locks, func(i, j int) bool {
		if !locks[i].StartedAt.Equal(locks[j].StartedAt) {
			return locks[i].StartedAt.Before(locks[j].StartedAt)
		}
		return locks[i].ID < locks[j].ID
	})
	return locks, nil
}

// FindCovering returns the locks holding any of the entries, minus the
// locks the exclusion marks as the caller's own.
func (s *RedisStore) FindCovering(ctx context.Context, entries []catlock.Entry, excl catlock.Exclusion) ([]*catlock.Lock, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = s.entryKey(e)
	}
	holders, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read entries: %v", catlock.ErrLockStore, err)
	}

	seen := make(map[string]struct{}, len(holders))
	ids := make([]string, 0, len(holders))
	for _, h := range holders {
		id, ok := h.(string)
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	locks, err := s.loadLocks(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := locks[:0]
	for _, l := range locks {
		if !excl.Excludes(l) {
			out = append(out, l)
		}
	}
	return out, nil
}

// loadLocks fetches lock documents by id. Ids whose document vanished in the
// meantime are skipped.
func (s *RedisStore) loadLocks(ctx context.Context, ids []string) ([]*catlock.Lock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.lockKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read locks: %v", catlock.ErrLockStore, err)
	}

	locks := make([]*catlock.Lock, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		l, err := decode([]byte(data))
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

func decode(data []byte) (*catlock.Lock, error) {
	var d document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: unmarshal lock: %v", catlock.ErrLockStore, err)
	}
	l, err := d.toLock()
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", catlock.ErrLockStore, d.ID, err)
	}
	return l, nil
}
