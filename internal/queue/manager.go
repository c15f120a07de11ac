package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/vigil/internal/models"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = models.ErrNoMessage

// envelope is the internal structure stored in Badger
type envelope struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
}

// Manager implements a persistent multi-queue broker on BadgerDB. Delivery
// is at-least-once with a visibility timeout; messages received more than
// maxReceive times are dropped to break poison-pill loops. A message's
// dedup id suppresses duplicate enqueues while the original is still
// queued.
type Manager struct {
	db                *badger.DB
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewManager creates a new Badger-backed queue manager
func NewManager(db *badger.DB, visibilityTimeout time.Duration, maxReceive int) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &Manager{
		db:                db,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
	}, nil
}

// Enqueue adds a message to the named queue. When the message carries a
// dedup id that is already queued, the enqueue is a silent no-op.
func (m *Manager) Enqueue(ctx context.Context, queue string, msg models.QueueMessage) error {
	id := uuid.New().String()

	env := envelope{
		ID:         id,
		Body:       msg,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(), // Immediately visible
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if msg.DedupID != "" {
			dedupKey := m.dedupKey(queue, msg.DedupID)
			if _, err := txn.Get(dedupKey); err == nil {
				return nil // already queued
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(dedupKey, []byte(id)); err != nil {
				return err
			}
		}

		if err := txn.Set(m.msgKey(queue, id), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(queue, env.VisibleAt, id), []byte{})
	})
}

// Receive pulls the next visible message from the named queue. The returned
// ack function removes the message; an unacked message is redelivered after
// the visibility timeout.
func (m *Manager) Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error) {
	var env envelope
	var msgID string

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix(queue)
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		found := false
		var oldIndexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(queue, key)
			if err != nil {
				continue
			}

			// Keys sort by timestamp; a future entry means nothing
			// later is ready either.
			if ts.After(now) {
				break
			}

			msgItem, err := txn.Get(m.msgKey(queue, id))
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Dangling index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			if err := msgItem.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			if env.ReceiveCount >= m.maxReceive {
				// Drop to break poison-pill redelivery loops
				if err := m.txDrop(txn, queue, key, &env); err != nil {
					return err
				}
				continue
			}

			found = true
			msgID = id
			oldIndexKey = key
			break
		}

		if !found {
			return ErrNoMessage
		}

		env.ReceiveCount++
		env.VisibleAt = time.Now().Add(m.visibilityTimeout)

		newData, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(queue, msgID), newData); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(queue, env.VisibleAt, msgID), []byte{})
	})

	if err != nil {
		return nil, nil, err
	}

	ackFn := func() error {
		return m.db.Update(func(txn *badger.Txn) error {
			msgKey := m.msgKey(queue, msgID)
			item, err := txn.Get(msgKey)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					return nil // Already acked
				}
				return err
			}

			var current envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}

			return m.txDrop(txn, queue, m.indexKey(queue, current.VisibleAt, msgID), &current)
		})
	}

	return &env.Body, ackFn, nil
}

// txDrop removes a message, its index entry and its dedup marker.
func (m *Manager) txDrop(txn *badger.Txn, queue string, indexKey []byte, env *envelope) error {
	if err := txn.Delete(indexKey); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if err := txn.Delete(m.msgKey(queue, env.ID)); err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	if env.Body.DedupID != "" {
		if err := txn.Delete(m.dedupKey(queue, env.Body.DedupID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}
	return nil
}

// Close closes the queue manager (no-op, DB is managed externally)
func (m *Manager) Close() error {
	return nil
}

// Helpers

func (m *Manager) msgKey(queue, id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", queue, id))
}

func (m *Manager) dedupKey(queue, dedupID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dedup:%s", queue, dedupID))
}

func (m *Manager) indexPrefix(queue string) []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", queue))
}

func (m *Manager) indexKey(queue string, visibleAt time.Time, id string) []byte {
	ts := visibleAt.UnixNano()
	// Zero pad to 20 digits so string ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", queue, ts, id))
}

func (m *Manager) parseIndexKey(queue string, key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix(queue)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefix):])
	// Suffix is "{20-digit-ts}:{id}"
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}
