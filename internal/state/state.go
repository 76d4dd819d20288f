// Package state owns the BoltDB file shared by the scheduler, template,
// secret and sandbox stores.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/followup/internal/campaign"
)

var (
	bucketScheduler = []byte("scheduler")
	bucketSettings  = []byte("settings")

	keyLastRunDate = []byte("last_run_date")
	keyCampaign    = []byte("campaign")
)

// Store is the state database
type Store struct {
	db *bolt.DB
}

// Open opens or creates the state database at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketScheduler, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB returns the underlying bolt.DB instance
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// LastRunDate returns the calendar date (YYYY-MM-DD) of the last completed
// scheduled batch, or "" if none has run.
func (s *Store) LastRunDate() (string, error) {
	var date string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketScheduler).Get(keyLastRunDate); v != nil {
			date = string(v)
		}
		return nil
	})
	return date, err
}

// SetLastRunDate records the date of a completed scheduled batch
func (s *Store) SetLastRunDate(date string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScheduler).Put(keyLastRunDate, []byte(date))
	})
}

// CampaignSettings returns persisted settings overrides, or nil if none
func (s *Store) CampaignSettings() (*campaign.Settings, error) {
	var settings *campaign.Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get(keyCampaign)
		if data == nil {
			return nil
		}
		settings = &campaign.Settings{}
		return json.Unmarshal(data, settings)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign settings: %w", err)
	}
	return settings, nil
}

// SaveCampaignSettings persists settings overrides
func (s *Store) SaveCampaignSettings(settings campaign.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign settings: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keyCampaign, data)
	})
}
