package boltcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"offlinegate/internal/cache"
)

var (
	entriesBucket = []byte("entries")
	ageBucket     = []byte("age")
)

const stampLen = 8

// Store is one bucket of a Storage.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	opts   cache.Options
	now    func() time.Time
}

func (s *Store) Name() string {
	return string(s.bucket)
}

func (s *Store) buckets(tx *bbolt.Tx) (entries, age *bbolt.Bucket, err error) {
	b := tx.Bucket(s.bucket)
	if b == nil {
		return nil, nil, cache.ErrStoreNotFound
	}
	entries, age = b.Bucket(entriesBucket), b.Bucket(ageBucket)
	if entries == nil || age == nil {
		return nil, nil, cache.ErrStoreNotFound
	}
	return entries, age, nil
}

func stamp(t time.Time) []byte {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	b := make([]byte, stampLen)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func stampTime(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b[:stampLen])))
}

func ageKey(at, key []byte) []byte {
	k := make([]byte, 0, len(at)+len(key))
	k = append(k, at...)
	return append(k, key...)
}

func (s *Store) Match(ctx context.Context, d cache.Descriptor) (*cache.Entry, error) {
	var value []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		entries, _, err := s.buckets(tx)
		if err != nil {
			return err
		}
		raw := entries.Get([]byte(d.Key()))
		if raw == nil {
			return nil
		}
		// Only valid for the life of the transaction
		value = make([]byte, len(raw))
		copy(value, raw)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	if value == nil {
		return nil, nil
	}
	if len(value) < stampLen {
		return nil, fmt.Errorf("entry %s: truncated value", d)
	}

	if s.opts.MaxAge > 0 && s.now().Sub(stampTime(value)) > s.opts.MaxAge {
		if _, err := s.Delete(ctx, d); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return cache.Decode(value[stampLen:])
}

func (s *Store) Put(ctx context.Context, d cache.Descriptor, e *cache.Entry) error {
	if e.StoredAt.IsZero() {
		e = e.Clone()
		e.StoredAt = s.now()
	}
	encoded, err := cache.Encode(e)
	if err != nil {
		return err
	}
	at := stamp(e.StoredAt)
	value := append(at, encoded...)
	key := []byte(d.Key())

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		entries, age, err := s.buckets(tx)
		if err != nil {
			return err
		}
		if old := entries.Get(key); old != nil {
			if len(old) >= stampLen {
				if err := age.Delete(ageKey(old[:stampLen], key)); err != nil {
					return fmt.Errorf("(*bbolt.Bucket).Delete failed: %w", err)
				}
			}
		} else if err := age.SetSequence(age.Sequence() + 1); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).SetSequence failed: %w", err)
		}
		if err := entries.Put(key, value); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).Put failed: %w", err)
		}
		if err := age.Put(ageKey(value[:stampLen], key), []byte{}); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).Put failed: %w", err)
		}
		if s.opts.MaxEntries > 0 {
			return evictOldest(entries, age, uint64(s.opts.MaxEntries))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return nil
}

// evictOldest drops the oldest entries until at most limit remain.
func evictOldest(entries, age *bbolt.Bucket, limit uint64) error {
	for age.Sequence() > limit {
		k, _ := age.Cursor().First()
		if k == nil {
			return nil
		}
		k = append([]byte(nil), k...)
		if err := entries.Delete(k[stampLen:]); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).Delete failed: %w", err)
		}
		if err := age.Delete(k); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).Delete failed: %w", err)
		}
		if err := age.SetSequence(age.Sequence() - 1); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).SetSequence failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, d cache.Descriptor) (bool, error) {
	deleted := false
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		entries, age, err := s.buckets(tx)
		if err != nil {
			return err
		}
		key := []byte(d.Key())
		old := entries.Get(key)
		if old == nil {
			return nil
		}
		if len(old) >= stampLen {
			if err := age.Delete(ageKey(old[:stampLen], key)); err != nil {
				return fmt.Errorf("(*bbolt.Bucket).Delete failed: %w", err)
			}
		}
		if err := entries.Delete(key); err != nil {
			return fmt.Errorf("(*bbolt.Bucket).Delete failed: %w", err)
		}
		if n := age.Sequence(); n > 0 {
			if err := age.SetSequence(n - 1); err != nil {
				return fmt.Errorf("(*bbolt.Bucket).SetSequence failed: %w", err)
			}
		}
		deleted = true
		return nil
	}); err != nil {
		return false, fmt.Errorf("(*bbolt.DB).Update failed: %w", err)
	}
	return deleted, nil
}

func (s *Store) Keys(ctx context.Context) ([]cache.Descriptor, error) {
	now := s.now()
	var keys []cache.Descriptor
	if err := s.db.View(func(tx *bbolt.Tx) error {
		entries, _, err := s.buckets(tx)
		if err != nil {
			return err
		}
		return entries.ForEach(func(k, v []byte) error {
			if s.opts.MaxAge > 0 && len(v) >= stampLen && now.Sub(stampTime(v)) > s.opts.MaxAge {
				return nil
			}
			d, err := cache.ParseKey(string(k))
			if err != nil {
				return err
			}
			keys = append(keys, d)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("(*bbolt.DB).View failed: %w", err)
	}
	return keys, nil
}
