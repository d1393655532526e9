package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// storedMessage is the internal structure stored in Badger
type storedMessage struct {
	ID           string    `json:"id"`
	Body         Message   `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// BadgerManager implements a persistent queue using BadgerDB.
//
// Keys:
//
//	queue:{name}:msg:{id}              message body
//	queue:{name}:index:{visibleAt}:{id} visibility index, sorted by time
//	queue:{name}:task:{id}             task status, kept after the message is settled
type BadgerManager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	logger            arbor.ILogger
}

var _ interfaces.QueueManager = (*BadgerManager)(nil)

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, config Config, logger arbor.ILogger) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = NewDefaultConfig().VisibilityTimeout
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = NewDefaultConfig().MaxReceive
	}

	return &BadgerManager{
		db:                db,
		queueName:         config.QueueName,
		visibilityTimeout: config.VisibilityTimeout,
		maxReceive:        config.MaxReceive,
		logger:            logger,
	}, nil
}

// Enqueue adds a message to the queue and returns its task handle. A
// caller-chosen msg.ID is kept; an ID that was already used is rejected.
func (m *BadgerManager) Enqueue(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := msg.ID
	if id == "" {
		id = uuid.New().String()
		msg.ID = id
	}
	now := time.Now()

	stored := storedMessage{
		ID:         id,
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	task := models.TaskStatus{
		ID:         id,
		JobID:      msg.JobID,
		State:      models.TaskPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}

	err := m.db.Update(func(txn *badger.Txn) error {
		var existing models.TaskStatus
		found, err := m.getJSON(txn, m.taskKey(id), &existing)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("task %s already exists", id)
		}
		if err := m.setJSON(txn, m.msgKey(id), stored); err != nil {
			return err
		}
		if err := txn.Set(m.indexKey(stored.VisibleAt, id), []byte{}); err != nil {
			return err
		}
		return m.setJSON(txn, m.taskKey(id), task)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	m.logger.Debug().
		Str("message_id", id).
		Str("job_id", msg.JobID).
		Str("type", msg.Type).
		Msg("Message enqueued")
	return id, nil
}

// Receive claims the next visible message from the queue
func (m *BadgerManager) Receive(ctx context.Context) (*Message, interfaces.AckFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var claimed storedMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var claimKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}
			// Keys sort by visibility time, nothing after a future key is ready
			if ts.After(now) {
				break
			}

			var candidate storedMessage
			found, err := m.getJSON(txn, m.msgKey(id), &candidate)
			if err != nil {
				return err
			}
			if !found {
				// Orphaned index entry
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}

			if candidate.ReceiveCount >= m.maxReceive {
				if err := m.settle(txn, key, id, models.TaskDropped, "exceeded max receives"); err != nil {
					return err
				}
				m.logger.Warn().
					Str("message_id", id).
					Str("job_id", candidate.Body.JobID).
					Int("receive_count", candidate.ReceiveCount).
					Msg("Dropping message that exceeded max receives")
				continue
			}

			claimed = candidate
			claimKey = key
			break
		}

		if claimKey == nil {
			return ErrNoMessage
		}

		claimed.ReceiveCount++
		claimed.VisibleAt = now.Add(m.visibilityTimeout)

		if err := m.setJSON(txn, m.msgKey(claimed.ID), claimed); err != nil {
			return err
		}
		if err := txn.Delete(claimKey); err != nil {
			return err
		}
		if err := txn.Set(m.indexKey(claimed.VisibleAt, claimed.ID), []byte{}); err != nil {
			return err
		}
		return m.updateTask(txn, claimed.ID, func(task *models.TaskStatus) {
			task.State = models.TaskReceived
			task.ReceiveCount = claimed.ReceiveCount
		})
	})
	if err != nil {
		return nil, nil, err
	}

	msgID := claimed.ID
	ack := func(result error) error {
		state := models.TaskDone
		reason := ""
		if result != nil {
			state = models.TaskFailed
			reason = result.Error()
		}
		return m.db.Update(func(txn *badger.Txn) error {
			var current storedMessage
			found, err := m.getJSON(txn, m.msgKey(msgID), &current)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			return m.settle(txn, m.indexKey(current.VisibleAt, msgID), msgID, state, reason)
		})
	}

	body := claimed.Body
	body.ID = msgID
	return &body, ack, nil
}

// Extend pushes the visibility timeout of a claimed message out by duration
func (m *BadgerManager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		var stored storedMessage
		found, err := m.getJSON(txn, m.msgKey(messageID), &stored)
		if err != nil {
			return err
		}
		if !found {
			return common.NotFoundf("queue message %s", messageID)
		}

		oldVisibleAt := stored.VisibleAt
		stored.VisibleAt = time.Now().Add(duration)

		if err := m.setJSON(txn, m.msgKey(messageID), stored); err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(oldVisibleAt, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(m.indexKey(stored.VisibleAt, messageID), []byte{})
	})
}

// Status returns the state of a task handle
func (m *BadgerManager) Status(ctx context.Context, messageID string) (*models.TaskStatus, error) {
	var task models.TaskStatus
	err := m.db.View(func(txn *badger.Txn) error {
		found, err := m.getJSON(txn, m.taskKey(messageID), &task)
		if err != nil {
			return err
		}
		if !found {
			return common.NotFoundf("task %s", messageID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Len returns the number of messages waiting or in flight
func (m *BadgerManager) Len(ctx context.Context) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the queue manager (no-op, the DB is managed by storage)
func (m *BadgerManager) Close() error {
	return nil
}

// settle removes the message and its index entry and records the final task state
func (m *BadgerManager) settle(txn *badger.Txn, indexKey []byte, id string, state models.TaskState, reason string) error {
	if err := txn.Delete(indexKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if err := txn.Delete(m.msgKey(id)); err != nil {
		return err
	}
	return m.updateTask(txn, id, func(task *models.TaskStatus) {
		task.State = state
		task.Error = reason
	})
}

func (m *BadgerManager) updateTask(txn *badger.Txn, id string, fn func(task *models.TaskStatus)) error {
	var task models.TaskStatus
	found, err := m.getJSON(txn, m.taskKey(id), &task)
	if err != nil {
		return err
	}
	if !found {
		task = models.TaskStatus{ID: id}
	}
	fn(&task)
	task.UpdatedAt = time.Now()
	return m.setJSON(txn, m.taskKey(id), task)
}

func (m *BadgerManager) getJSON(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func (m *BadgerManager) setJSON(txn *badger.Txn, key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal queue record: %w", err)
	}
	return txn.Set(key, data)
}

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) taskKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:task:%s", m.queueName, id))
}

func (m *BadgerManager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
}

func (m *BadgerManager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so lexical order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 22 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
