// Package boltcache implements cache.Storage on a go.etcd.io/bbolt file. Each
// named store is a top-level bucket holding two nested buckets:
//
//	entries  descriptor key → 8-byte big-endian StoredAt (unix nanos) + encoded entry
//	age      8-byte big-endian StoredAt + descriptor key → empty
//
// The age bucket orders entries for MaxEntries eviction and its sequence
// holds the entry count.
package boltcache

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"

	"offlinegate/internal/cache"
)

// Storage implements cache.Storage using go.etcd.io/bbolt.
type Storage struct {
	DB   *bbolt.DB
	Opts cache.Options
}

// Open is a wrapper around bbolt.Open that returns an initialized Storage.
func Open(path string, mode os.FileMode, options *bbolt.Options, opts cache.Options) (*Storage, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, mode, options)
	if err != nil {
		return nil, fmt.Errorf("bbolt.Open failed: %w", err)
	}
	return &Storage{DB: db, Opts: opts}, nil
}

// MustOpen is a wrapper around Open that panics if an error occurs.
func MustOpen(path string, mode os.FileMode, options *bbolt.Options, opts cache.Options) *Storage {
	s, err := Open(path, mode, options, opts)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Store, error) {
	if name == "" {
		return nil, fmt.Errorf("empty store name")
	}
	store := &Store{db: s.DB, bucket: []byte(name), opts: s.Opts, now: time.Now}

	// Most opens find the store already there; only a missing one needs the
	// writer lock.
	exists := false
	if err := s.DB.View(func(tx *bbolt.Tx) error {
		_, _, err := store.buckets(tx)
		exists = err == nil
		return nil
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	if exists {
		return store, nil
	}

	if err := s.DB.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(store.bucket)
		if err != nil {
			return fmt.Errorf("(*bbolt.Tx).CreateBucketIfNotExists failed: %w", err)
		}
		for _, nested := range [][]byte{entriesBucket, ageBucket} {
			if _, err := b.CreateBucketIfNotExists(nested); err != nil {
				return fmt.Errorf("(*bbolt.Bucket).CreateBucketIfNotExists failed: %w", err)
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return store, nil
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	deleted := false
	if err := s.DB.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if err == bolterrors.ErrBucketNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("(*bbolt.Tx).DeleteBucket failed: %w", err)
		}
		deleted = true
		return nil
	}); err != nil {
		return false, fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return deleted, nil
}

func (s *Storage) Names(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.DB.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	return names, nil
}

func (s *Storage) Close() error {
	return s.DB.Close()
}
