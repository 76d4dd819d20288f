// Package secret keeps mail account passwords in the state database,
// encrypted with XChaCha20-Poly1305 under a key derived from a passphrase.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	bucketSecrets = []byte("secrets")
	bucketMeta    = []byte("secrets_meta")
	keySalt       = []byte("salt")
)

var (
	ErrNotFound      = errors.New("secret not found")
	ErrNoPassphrase  = errors.New("secret passphrase is empty")
	ErrDecryptFailed = errors.New("failed to decrypt secret, wrong passphrase?")
)

// Argon2id parameters
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	saltSize   = 16
)

// Store is an encrypted key/value store keyed by account identifier
type Store struct {
	db   *bolt.DB
	aead cipher.AEAD
}

// NewStore creates a secret store on db. The salt is generated on first use
// and kept alongside the secrets.
func NewStore(db *bolt.DB, passphrase string) (*Store, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}

	var salt []byte
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSecrets); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keySalt); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		return meta.Put(keySalt, salt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init secret store: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Store{db: db, aead: aead}, nil
}

// Get returns the secret for account, or ErrNotFound
func (s *Store) Get(account string) (string, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSecrets).Get([]byte(account)); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if sealed == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, account)
	}

	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrDecryptFailed
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(account))
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

// Set stores the secret for account, replacing any previous value
func (s *Store) Set(account, secret string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	// The account id is bound as additional data so a sealed value cannot be
	// moved to another key.
	sealed := s.aead.Seal(nonce, nonce, []byte(secret), []byte(account))

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(account), sealed)
	})
}

// Delete removes the secret for account. Deleting an absent secret is a no-op.
func (s *Store) Delete(account string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(account))
	})
}

// Accounts lists account ids that have a stored secret
func (s *Store) Accounts() ([]string, error) {
	var accounts []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, _ []byte) error {
			accounts = append(accounts, string(k))
			return nil
		})
	})
	return accounts, err
}
