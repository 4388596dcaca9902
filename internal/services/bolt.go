package services

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Keyring interface using a BoltDB backend. It persists the current
// access token and the signed-in display name across client restarts; chat history is
// deliberately not stored here.
type BoltDB struct {
	db *bolt.DB
}

var (
	authBucket     = []byte("auth")
	tokenKey       = []byte("accessToken")
	displayNameKey = []byte("displayName")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes
// the database with the required bucket and returns an error if the database cannot be
// opened or initialized. The database file is created with 0600 permissions if it
// doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)
		return err
	})

	return BoltDB{db: db}, err
}

// SaveToken stores the current access token, replacing any previous one.
func (b BoltDB) SaveToken(token string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(tokenKey, []byte(token))
	})
}

// SaveDisplayName stores the signed-in user's display name.
func (b BoltDB) SaveDisplayName(name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(displayNameKey, []byte(name))
	})
}

// Token retrieves the stored access token, or the empty string when none is stored.
func (b BoltDB) Token() (string, error) {
	var token string
	err := b.db.View(func(tx *bolt.Tx) error {
		token = string(tx.Bucket(authBucket).Get(tokenKey))
		return nil
	})
	return token, err
}

// DisplayName retrieves the stored display name, or the empty string when none is stored.
func (b BoltDB) DisplayName() (string, error) {
	var name string
	err := b.db.View(func(tx *bolt.Tx) error {
		name = string(tx.Bucket(authBucket).Get(displayNameKey))
		return nil
	})
	return name, err
}

// Clear removes the stored token and display name. It is called on every logout.
func (b BoltDB) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(authBucket)
		if err := bkt.Delete(tokenKey); err != nil {
			return err
		}
		return bkt.Delete(displayNameKey)
	})
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
