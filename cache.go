package roomsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
)

// HistoryCache persists the confirmed history of rooms between sessions so
// a room renders before its first fetch completes.
type HistoryCache interface {
	Load(roomID string) ([]Message, error)
	Save(roomID string, msgs []Message) error
	Delete(roomID string) error
	Close() error
}

type nopCache struct{}

func (nopCache) Load(string) ([]Message, error) { return nil, nil }
func (nopCache) Save(string, []Message) error   { return nil }
func (nopCache) Delete(string) error            { return nil }
func (nopCache) Close() error                   { return nil }

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory HistoryCache.
type MemoryCache struct {
	mu    sync.RWMutex
	rooms map[string][]Message
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{rooms: make(map[string][]Message)}
}

func (c *MemoryCache) Load(roomID string) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneMessages(c.rooms[roomID]), nil
}

func (c *MemoryCache) Save(roomID string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = cloneMessages(msgs)
	return nil
}

func (c *MemoryCache) Delete(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// ============================================================================
// PebbleCache
// ============================================================================

const compressionThreshold = 1024 // only compress values > 1KB

// Value header byte.
const (
	encodingRaw  byte = 0
	encodingZstd byte = 1
)

// PebbleCache stores each room's history as one JSON value under
// room:<id>:messages, zstd-compressed when that pays off.
type PebbleCache struct {
	db  *pebble.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenPebbleCache opens (or creates) the cache database at path.
func OpenPebbleCache(path string) (*PebbleCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, err
	}
	return &PebbleCache{db: db, enc: enc, dec: dec}, nil
}

func roomKey(roomID string) []byte {
	return []byte("room:" + roomID + ":messages")
}

// Load returns the cached history, or nil when the room was never saved.
func (c *PebbleCache) Load(roomID string) ([]Message, error) {
	v, closer, err := c.db.Get(roomKey(roomID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	data, err := c.decode(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", roomID, err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", roomID, err)
	}
	return msgs, nil
}

// Save replaces the cached history of the room.
func (c *PebbleCache) Save(roomID string, msgs []Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return c.db.Set(roomKey(roomID), c.encode(data), pebble.Sync)
}

// Delete forgets the room.
func (c *PebbleCache) Delete(roomID string) error {
	return c.db.Delete(roomKey(roomID), pebble.Sync)
}

// Rooms lists the ids of every cached room.
func (c *PebbleCache) Rooms() ([]string, error) {
	prefix := []byte("room:")
	suffix := []byte(":messages")
	it, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: []byte("room;"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ids []string
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if !bytes.HasPrefix(k, prefix) || !bytes.HasSuffix(k, suffix) {
			continue
		}
		ids = append(ids, string(k[len(prefix):len(k)-len(suffix)]))
	}
	return ids, it.Error()
}

func (c *PebbleCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	c.enc.Close()
	c.dec.Close()
	return c.db.Close()
}

func (c *PebbleCache) encode(data []byte) []byte {
	if len(data) > compressionThreshold {
		compressed := c.enc.EncodeAll(data, make([]byte, 1, len(data)))
		compressed[0] = encodingZstd
		if len(compressed) < len(data)+1 {
			return compressed
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, encodingRaw)
	return append(out, data...)
}

func (c *PebbleCache) decode(v []byte) ([]byte, error) {
	if len(v) == 0 {
		return nil, errors.New("empty value")
	}
	switch v[0] {
	case encodingRaw:
		out := make([]byte, len(v)-1)
		copy(out, v[1:])
		return out, nil
	case encodingZstd:
		return c.dec.DecodeAll(v[1:], nil)
	default:
		return nil, fmt.Errorf("unknown encoding %d", v[0])
	}
}
