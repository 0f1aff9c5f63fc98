// Package raftbolt implements raft.LogStore and raft.StableStore on BoltDB.
package raftbolt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketLogs   = []byte("logs")
	bucketStable = []byte("stable")
)

var (
	// ErrKeyNotFound is returned by the StableStore getters for unknown
	// keys. raft matches on the "not found" text.
	ErrKeyNotFound = errors.New("not found")
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("log store is closed")
)

// Option configures a Store.
type Option func(*Store)

// WithCodec sets a custom codec for encoding/decoding log entries.
func WithCodec(codec Codec) Option {
	return func(s *Store) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNoSync disables fsync on commit. Tests only.
func WithNoSync() Option {
	return func(s *Store) { s.noSync = true }
}

// Store keeps raft log entries keyed by big-endian index plus the raft
// stable keys in one BoltDB file.
type Store struct {
	db     *bolt.DB
	codec  Codec
	logger *slog.Logger
	noSync bool
	closed atomic.Bool
}

// Open opens or creates the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{codec: BinaryCodecV1{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "raftbolt")

	db, err := bolt.Open(path, 0600, &bolt.Options{NoSync: s.noSync})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLogs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketStable)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	s.db = db

	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	s.logger.Info("log store opened", "path", path, "first_index", first, "last_index", last)
	return s, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(fn)
}

// FirstIndex returns the first index written, 0 for no entries.
func (s *Store) FirstIndex() (uint64, error) {
	var index uint64
	err := s.view(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLogs).Cursor().First(); k != nil {
			index = decodeUint64(k)
		}
		return nil
	})
	return index, err
}

// LastIndex returns the last index written, 0 for no entries.
func (s *Store) LastIndex() (uint64, error) {
	var index uint64
	err := s.view(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLogs).Cursor().Last(); k != nil {
			index = decodeUint64(k)
		}
		return nil
	})
	return index, err
}

// GetLog gets a log entry at a given index.
func (s *Store) GetLog(index uint64, log *raft.Log) error {
	return s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLogs).Get(encodeUint64(index))
		if v == nil {
			return raft.ErrLogNotFound
		}
		// bolt memory is only valid inside the transaction
		decoded, err := s.codec.Decode(append([]byte(nil), v...))
		if err != nil {
			return fmt.Errorf("decode log %d: %w", index, err)
		}
		*log = decoded
		return nil
	})
}

// StoreLog stores a log entry.
func (s *Store) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores multiple log entries in one transaction.
func (s *Store) StoreLogs(logs []*raft.Log) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		for _, l := range logs {
			data, err := s.codec.Encode(l)
			if err != nil {
				return fmt.Errorf("encode log %d: %w", l.Index, err)
			}
			if err := b.Put(encodeUint64(l.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRange deletes a range of log entries. The range is inclusive.
func (s *Store) DeleteRange(min, max uint64) error {
	return s.update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, _ := c.Seek(encodeUint64(min)); k != nil; k, _ = c.Next() {
			if decodeUint64(k) > max {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// Set implements raft.StableStore.
func (s *Store) Set(key []byte, val []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStable).Put(key, val)
	})
}

// Get implements raft.StableStore.
func (s *Store) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketStable).Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// SetUint64 implements raft.StableStore.
func (s *Store) SetUint64(key []byte, val uint64) error {
	return s.Set(key, encodeUint64(val))
}

// GetUint64 implements raft.StableStore.
func (s *Store) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	return decodeUint64(val), nil
}

var (
	_ raft.LogStore    = (*Store)(nil)
	_ raft.StableStore = (*Store)(nil)
)
