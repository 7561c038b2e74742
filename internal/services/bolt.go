package services

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the credential store of the chat panel using a BoltDB file. It keeps the bearer
// token of each profile so that the panel can hand it to every chat turn explicitly.
type BoltDB struct {
	db *bolt.DB
}

var credentialsBucket = []byte("credentials")

// NewBoltDB opens (or creates, with 0600 permissions) the database at path and makes sure the
// credentials bucket exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create credentials bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Token returns the bearer token stored for profile. A profile without token yields an empty string and
// no error: chat turns are then sent with an empty bearer value.
func (b BoltDB) Token(_ context.Context, profile string) (string, error) {
	var token string
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(credentialsBucket)
		if bk == nil {
			return nil
		}
		token = string(bk.Get([]byte(profile)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return token, nil
}

// SetToken stores token for profile, replacing any previous value. An empty token deletes the entry.
func (b BoltDB) SetToken(ctx context.Context, profile, token string) error {
	if token == "" {
		return b.DeleteToken(ctx, profile)
	}
	if profile == "" {
		return fmt.Errorf("profile is required")
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(credentialsBucket)
		if err != nil {
			return fmt.Errorf("failed to create credentials bucket: %w", err)
		}
		return bk.Put([]byte(profile), []byte(token))
	})
}

// DeleteToken removes the token of profile. Deleting a missing profile is not an error.
func (b BoltDB) DeleteToken(_ context.Context, profile string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(credentialsBucket)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(profile))
	})
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
