package store

import (
	"bytes"
	"io"

	"github.com/cockroachdb/pebble"

	"chatsync/pkg/logger"
	"chatsync/pkg/syncerr"
)

// Blobs exposes the store's audio blob keyspace.
type Blobs struct {
	s *Store
}

func (s *Store) Blobs() *Blobs { return &Blobs{s: s} }

// blobWriter buffers a recording and commits it on Close.
type blobWriter struct {
	s      *Store
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *blobWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, syncerr.Newf(syncerr.ErrInvalidOperation, "write to closed blob %s", w.key)
	}
	return w.buf.Write(p)
}

func (w *blobWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.s.db.Set([]byte(w.key), w.buf.Bytes(), pebble.Sync); err != nil {
		logger.Error("blob_commit_failed", "key", w.key, "error", err)
		return err
	}
	logger.Debug("blob_committed", "key", w.key, "len", w.buf.Len())
	return nil
}

// Create returns a writer whose content becomes blob id when closed.
func (b *Blobs) Create(id string) (io.WriteCloser, error) {
	key, err := GenBlobKey(id)
	if err != nil {
		return nil, syncerr.Wrapf(syncerr.ErrInvalidOperation, err, "create blob")
	}
	return &blobWriter{s: b.s, key: key}, nil
}

// ReadAll returns the bytes of blob id.
func (b *Blobs) ReadAll(id string) ([]byte, error) {
	key, err := GenBlobKey(id)
	if err != nil {
		return nil, syncerr.Wrapf(syncerr.ErrInvalidOperation, err, "read blob")
	}
	v, err := b.s.get(key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, syncerr.Newf(syncerr.ErrNotFound, "blob %s not found", id)
	}
	return v, nil
}

// Delete removes blob id. Missing blobs are not an error.
func (b *Blobs) Delete(id string) error {
	key, err := GenBlobKey(id)
	if err != nil {
		return syncerr.Wrapf(syncerr.ErrInvalidOperation, err, "delete blob")
	}
	return b.s.db.Delete([]byte(key), pebble.Sync)
}
