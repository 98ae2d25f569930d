// Package store is the local persistence layer: directory and thread
// snapshots for warm starts, audio blobs, and read confirmations waiting for
// the backend. It is backed by a single pebble database.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

type Store struct {
	db   *pebble.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return open(path, &pebble.Options{})
}

// OpenInMemory opens a database that lives only for the process.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(path string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.ensureVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureVersion() error {
	v, err := s.get(SystemVersionKey)
	if err != nil {
		return err
	}
	switch {
	case v == nil:
		return s.db.Set([]byte(SystemVersionKey), []byte(schemaVersion), pebble.Sync)
	case string(v) != schemaVersion:
		return fmt.Errorf("unsupported store version %q (want %s)", v, schemaVersion)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Flush(); err != nil {
		logger.Warn("pebble_flush_failed", "error", err)
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// get returns a copy of the value, or nil when the key is missing.
func (s *Store) get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		logger.Error("get_key_failed", "key", key, "error", err)
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) putJSON(key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Set([]byte(key), b, pebble.Sync); err != nil {
		logger.Error("save_key_failed", "key", key, "error", err)
		return err
	}
	logger.Debug("save_key_ok", "key", key, "len", len(b))
	return nil
}

func (s *Store) getJSON(key string, v interface{}) (bool, error) {
	b, err := s.get(key)
	if err != nil || b == nil {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveConversations persists the directory snapshot.
func (s *Store) SaveConversations(convs []models.Conversation) error {
	return s.putJSON(DirectoryKey, convs)
}

// LoadConversations returns the persisted directory snapshot, nil if none.
func (s *Store) LoadConversations() ([]models.Conversation, error) {
	var out []models.Conversation
	_, err := s.getJSON(DirectoryKey, &out)
	return out, err
}

// SaveThread persists one conversation's messages.
func (s *Store) SaveThread(conversationID string, msgs []models.Message) error {
	key, err := GenThreadKey(conversationID)
	if err != nil {
		return err
	}
	return s.putJSON(key, msgs)
}

// LoadThread returns the persisted messages of a conversation, nil if none.
func (s *Store) LoadThread(conversationID string) ([]models.Message, error) {
	key, err := GenThreadKey(conversationID)
	if err != nil {
		return nil, err
	}
	var out []models.Message
	_, err = s.getJSON(key, &out)
	return out, err
}

// DeleteThread drops a conversation's snapshot.
func (s *Store) DeleteThread(conversationID string) error {
	key, err := GenThreadKey(conversationID)
	if err != nil {
		return err
	}
	return s.db.Delete([]byte(key), pebble.Sync)
}

// AddPendingRead records a read confirmation the backend has not accepted.
func (s *Store) AddPendingRead(conversationID string) error {
	key, err := GenPendingReadKey(conversationID)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), nil, pebble.Sync)
}

func (s *Store) RemovePendingRead(conversationID string) error {
	key, err := GenPendingReadKey(conversationID)
	if err != nil {
		return err
	}
	return s.db.Delete([]byte(key), pebble.Sync)
}

// PendingReads lists conversations with unconfirmed read state.
func (s *Store) PendingReads() ([]string, error) {
	prefix := []byte(PendingReadPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	return out, iter.Error()
}
