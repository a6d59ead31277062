// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/protocol"
)

// Key prefixes for BadgerDB storage.
const (
	msgKeyPrefix    = "msg:"
	inboxKeyPrefix  = "inbox:"
	outboxKeyPrefix = "outbox:"
	userKeyPrefix   = "user:"
)

// Options configures the Badger store.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory runs Badger without disk persistence. Test use only.
	InMemory bool
}

// BadgerStore implements Store on BadgerDB.
//
// Per-message serialization: Badger transactions are optimistic and a
// concurrent write to the same message key fails with ErrConflict, so
// UpdateMessage re-runs its transaction against the fresh state until
// it applies cleanly. Each retry re-reads the message, which is what
// gives status advances their compare-and-set semantics.
type BadgerStore struct {
	db *badger.DB
}

// updateRetries bounds UpdateMessage's conflict retry loop. Conflicts
// need two writers on one message key, so contention is tiny and two
// attempts almost always suffice.
const updateRetries = 5

// Open creates or opens the message store at the configured path.
func Open(opts Options) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Badger's own logger is noisy at INFO; all store logging goes
	// through zerolog instead.
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", opts.Path).
		Bool("in_memory", opts.InMemory).
		Msg("message store opened")

	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunValueLogGC triggers one round of Badger value-log garbage
// collection. Called periodically by the store GC service.
func (s *BadgerStore) RunValueLogGC() error {
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("value log GC: %w", err)
	}
	return nil
}

// EnsureUser records that a user exists. Idempotent.
func (s *BadgerStore) EnsureUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userKeyPrefix + userID)
		if _, err := txn.Get(key); err == nil {
			return nil
		}
		record, err := json.Marshal(map[string]any{
			"user_id":    userID,
			"first_seen": time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("marshal user record: %w", err)
		}
		return txn.Set(key, record)
	})
}

// UserExists reports whether a user record exists.
func (s *BadgerStore) UserExists(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(userKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		exists = true
		return nil
	})
	return exists, err
}

// SaveMessage persists a new message with its inbox index entry and
// outbox entry in one transaction.
func (s *BadgerStore) SaveMessage(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(msg.ID), data); err != nil {
			return fmt.Errorf("set message: %w", err)
		}
		if err := txn.Set(inboxKey(msg.RecipientID, msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
			return fmt.Errorf("set inbox index: %w", err)
		}
		if err := txn.Set(outboxKey(msg.RecipientID, msg.CreatedAt, msg.ID), []byte(msg.ID)); err != nil {
			return fmt.Errorf("set outbox entry: %w", err)
		}
		return nil
	})
}

// Message loads a message by ID.
func (s *BadgerStore) Message(ctx context.Context, id string) (*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg protocol.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return readMessage(txn, id, &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessage applies mutate inside an Update transaction, retrying
// on transaction conflict so concurrent updates to the same message
// serialize instead of failing.
func (s *BadgerStore) UpdateMessage(ctx context.Context, id string, mutate func(*protocol.Message) error) (*protocol.Message, error) {
	var result *protocol.Message
	var err error
	for attempt := 0; attempt < updateRetries; attempt++ {
		result, err = s.updateMessageOnce(ctx, id, mutate)
		if !errors.Is(err, badger.ErrConflict) {
			return result, err
		}
	}
	return nil, fmt.Errorf("update message %s: %w", id, err)
}

func (s *BadgerStore) updateMessageOnce(ctx context.Context, id string, mutate func(*protocol.Message) error) (*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result protocol.Message
	var noChange bool

	err := s.db.Update(func(txn *badger.Txn) error {
		var msg protocol.Message
		if err := readMessage(txn, id, &msg); err != nil {
			return err
		}

		statusBefore := msg.Status
		deletedBefore := msg.Deleted

		if err := mutate(&msg); err != nil {
			if errors.Is(err, ErrNoChange) {
				noChange = true
				result = msg
				return nil
			}
			return err
		}

		data, err := json.Marshal(&msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := txn.Set(msgKey(id), data); err != nil {
			return fmt.Errorf("set message: %w", err)
		}

		// A message leaves the outbox once delivered or retracted.
		crossedDelivered := statusBefore < protocol.StatusDelivered && msg.Status >= protocol.StatusDelivered
		tombstoned := !deletedBefore && msg.Deleted
		if crossedDelivered || tombstoned {
			err := txn.Delete(outboxKey(msg.RecipientID, msg.CreatedAt, msg.ID))
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("delete outbox entry: %w", err)
			}
		}

		result = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noChange {
		return &result, ErrNoChange
	}
	return &result, nil
}

// MessagesSince returns the recipient's messages strictly after the
// given position, oldest first, capped at limit.
func (s *BadgerStore) MessagesSince(ctx context.Context, userID string, since time.Time, sinceID string, limit int) ([]*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []*protocol.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(inboxKeyPrefix + userID + ":")
		start := inboxKey(userID, since, sinceID)

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) >= limit {
				break
			}
			item := it.Item()
			// Seek lands on the cursor position itself; skip it.
			if string(item.Key()) == string(start) {
				continue
			}
			var id string
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}
			var msg protocol.Message
			if err := readMessage(txn, id, &msg); err != nil {
				return err
			}
			messages = append(messages, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// RecentMessages returns the recipient's most recent messages, oldest
// first, capped at limit.
func (s *BadgerStore) RecentMessages(ctx context.Context, userID string, limit int) ([]*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []*protocol.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(inboxKeyPrefix + userID + ":")
		// Reverse iteration starts just past the prefix range.
		seek := append(append([]byte{}, prefix...), 0xFF)

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) >= limit {
				break
			}
			item := it.Item()
			var id string
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}
			var msg protocol.Message
			if err := readMessage(txn, id, &msg); err != nil {
				return err
			}
			messages = append(messages, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Collected newest first; callers expect oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// PendingFor returns the recipient's undelivered messages, oldest first.
func (s *BadgerStore) PendingFor(ctx context.Context, userID string) ([]*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var messages []*protocol.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(outboxKeyPrefix + userID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var id string
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}
			var msg protocol.Message
			if err := readMessage(txn, id, &msg); err != nil {
				return err
			}
			messages = append(messages, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// readMessage loads and unmarshals a message inside txn.
func readMessage(txn *badger.Txn, id string, msg *protocol.Message) error {
	item, err := txn.Get(msgKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, msg)
	})
}

func msgKey(id string) []byte {
	return []byte(msgKeyPrefix + id)
}

// inboxKey orders a recipient's messages chronologically: the
// zero-padded nanosecond timestamp makes lexicographic order equal
// arrival order, with the message ID as tiebreaker.
func inboxKey(userID string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", inboxKeyPrefix, userID, createdAt.UnixNano(), id))
}

func outboxKey(userID string, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", outboxKeyPrefix, userID, createdAt.UnixNano(), id))
}
