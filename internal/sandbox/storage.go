// Package sandbox captures composed campaign messages in the state database
// instead of submitting them, for dry runs.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSandbox = []byte("sandbox")

// Message is a captured message
type Message struct {
	ID              string    `json:"id"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Subject         string    `json:"subject"`
	Data            []byte    `json:"data,omitempty"`
	AttachmentCount int       `json:"attachment_count"`
	CapturedAt      time.Time `json:"captured_at"`
	SimulatedErr    string    `json:"simulated_error,omitempty"`
}

// Storage stores captured messages ordered by capture time
type Storage struct {
	db *bolt.DB
}

// NewStorage creates sandbox storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Save stores a message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).Put(makeIndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// Get returns a message with its raw data, or nil if absent
func (s *Storage) Get(ctx context.Context, id string) (*Message, error) {
	var msg *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.ID == id {
				msg = &m
				return nil
			}
		}
		return nil
	})

	return msg, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	To     string
	Limit  int
	Offset int
}

// List returns messages newest first, without raw data
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if filter.To != "" && msg.To != filter.To {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			msg.Data = nil
			messages = append(messages, &msg)

			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Clear removes messages captured more than olderThan ago, or all of them
// when olderThan is zero
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		c := bucket.Cursor()

		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if olderThan > 0 {
				var msg Message
				if err := json.Unmarshal(v, &msg); err == nil && msg.CapturedAt.After(cutoff) {
					continue
				}
			}
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// makeIndexKey sorts by capture time; RFC3339 in UTC keeps byte order equal
// to time order
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z") + ":" + id)
}
