package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// maxSessions bounds the recent-sessions list per document; older entries are
// evicted on append.
const maxSessions = 9

// Badger is a Store backed by an embedded Badger database. Records are
// msgpack-encoded.
type Badger struct {
	db *badger.DB
}

var _ Store = (*Badger)(nil)

func NewBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}

func docKey(docID string) []byte {
	return []byte("doc/" + docID)
}

func sessKey(docID string) []byte {
	return []byte("sess/" + docID)
}

func (s *Badger) Save(ctx context.Context, docID, buffer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := msgpack.Marshal(Record{Buffer: buffer, SavedAt: time.Now()})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(docID), buf)
	})
}

func (s *Badger) Load(ctx context.Context, docID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(docID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec = new(Record)
			return msgpack.Unmarshal(val, rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", docID, err)
	}
	return rec, nil
}

// LogSession appends info to the document's session list, keeping only the
// most recent maxSessions entries.
func (s *Badger) LogSession(ctx context.Context, docID string, info SessionInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var sessions []SessionInfo
		item, err := txn.Get(sessKey(docID))
		if err == nil {
			err = item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &sessions)
			})
		}
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		sessions = append(sessions, info)
		if len(sessions) > maxSessions {
			sessions = sessions[len(sessions)-maxSessions:]
		}
		buf, err := msgpack.Marshal(sessions)
		if err != nil {
			return err
		}
		return txn.Set(sessKey(docID), buf)
	})
}

// Sessions returns the recent sessions for docID, oldest first.
func (s *Badger) Sessions(ctx context.Context, docID string) ([]SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessKey(docID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &sessions)
		})
	})
	return sessions, err
}
