package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTemplate = []byte("template")
	keyLive        = []byte("live")
)

// ErrEmpty is returned when a template has neither subject nor body
var ErrEmpty = errors.New("template subject and body are both empty")

// Storage persists the live template in the state database. Until the
// template is first edited, the seed from the configuration file is served.
type Storage struct {
	db   *bolt.DB
	seed Template
}

// NewStorage creates template storage using the provided BoltDB instance
func NewStorage(db *bolt.DB, seed Template) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTemplate)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template bucket: %w", err)
	}
	return &Storage{db: db, seed: *seed.Clone()}, nil
}

// Live returns the current template
func (s *Storage) Live(ctx context.Context) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplate).Get(keyLive)
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	if tmpl == nil {
		return s.seed.Clone(), nil
	}
	return tmpl, nil
}

// Update replaces the live template and bumps its version. Recipients that
// already received their first send are not affected.
func (s *Storage) Update(ctx context.Context, subject, body string, attachments []string) (*Template, error) {
	if subject == "" && body == "" {
		return nil, ErrEmpty
	}

	var updated *Template
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplate)

		version := s.seed.Version
		if data := bucket.Get(keyLive); data != nil {
			var current Template
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("failed to unmarshal template: %w", err)
			}
			version = current.Version
		}

		updated = &Template{
			Subject:     subject,
			Body:        body,
			Attachments: append([]string(nil), attachments...),
			Version:     version + 1,
			UpdatedAt:   time.Now(),
		}

		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return bucket.Put(keyLive, data)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Reset discards edits and falls back to the configured seed
func (s *Storage) Reset(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplate).Delete(keyLive)
	})
}
