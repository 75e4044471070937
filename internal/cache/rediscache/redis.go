// Package rediscache implements cache.Storage backed by Redis.
//
// Key layout, for prefix P and store name N:
//
//	P:stores              set of store names
//	P:store:N:keys        set of descriptor keys in N
//	P:store:N:entry:<key> encoded entry
//
// Options.MaxAge becomes the expiration of each entry key. Options.MaxEntries
// is not enforced by this backend.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"offlinegate/internal/cache"
)

// DefaultPrefix namespaces every key written by the storage.
const DefaultPrefix = "offlinegate"

// Storage implements the cache.Storage interface backed by Redis.
type Storage struct {
	Client redis.UniversalClient
	Prefix string
	Opts   cache.Options
}

func New(client redis.UniversalClient, prefix string, opts cache.Options) *Storage {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Storage{Client: client, Prefix: prefix, Opts: opts}
}

func (s *Storage) storesKey() string {
	return s.Prefix + ":stores"
}

func (s *Storage) Open(ctx context.Context, name string) (cache.Store, error) {
	if name == "" {
		return nil, fmt.Errorf("empty store name")
	}
	if err := s.Client.SAdd(ctx, s.storesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("(redis.UniversalClient).SAdd failed: %w", err)
	}
	return &Store{
		client: s.Client,
		name:   name,
		base:   s.Prefix + ":store:" + name,
		maxAge: s.Opts.MaxAge,
		now:    time.Now,
	}, nil
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := s.Client.SRem(ctx, s.storesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("(redis.UniversalClient).SRem failed: %w", err)
	}

	base := s.Prefix + ":store:" + name
	members, err := s.Client.SMembers(ctx, base+":keys").Result()
	if err != nil {
		return false, fmt.Errorf("(redis.UniversalClient).SMembers failed: %w", err)
	}
	keys := make([]string, 0, len(members)+1)
	keys = append(keys, base+":keys")
	for _, m := range members {
		keys = append(keys, base+":entry:"+m)
	}
	if err := s.Client.Del(ctx, keys...).Err(); err != nil {
		return false, fmt.Errorf("(redis.UniversalClient).Del failed: %w", err)
	}
	return removed > 0, nil
}

func (s *Storage) Names(ctx context.Context) ([]string, error) {
	names, err := s.Client.SMembers(ctx, s.storesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("(redis.UniversalClient).SMembers failed: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Storage) Close() error {
	return s.Client.Close()
}

// Store is one named store inside a Storage.
type Store struct {
	client redis.UniversalClient
	name   string
	base   string
	maxAge time.Duration
	now    func() time.Time
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) entryKey(d cache.Descriptor) string {
	return s.base + ":entry:" + d.Key()
}

func (s *Store) Match(ctx context.Context, d cache.Descriptor) (*cache.Entry, error) {
	value, err := s.client.Get(ctx, s.entryKey(d)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// The entry may have expired; keep the index honest.
			if err := s.client.SRem(ctx, s.base+":keys", d.Key()).Err(); err != nil {
				return nil, fmt.Errorf("(redis.UniversalClient).SRem failed: %w", err)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("(redis.UniversalClient).Get failed: %w", err)
	}
	return cache.Decode(value)
}

func (s *Store) Put(ctx context.Context, d cache.Descriptor, e *cache.Entry) error {
	if e.StoredAt.IsZero() {
		e = e.Clone()
		e.StoredAt = s.now()
	}
	value, err := cache.Encode(e)
	if err != nil {
		return err
	}
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(d), value, s.maxAge)
		pipe.SAdd(ctx, s.base+":keys", d.Key())
		return nil
	}); err != nil {
		return fmt.Errorf("(redis.Pipeliner).Exec failed: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, d cache.Descriptor) (bool, error) {
	n, err := s.client.Del(ctx, s.entryKey(d)).Result()
	if err != nil {
		return false, fmt.Errorf("(redis.UniversalClient).Del failed: %w", err)
	}
	if err := s.client.SRem(ctx, s.base+":keys", d.Key()).Err(); err != nil {
		return false, fmt.Errorf("(redis.UniversalClient).SRem failed: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Keys(ctx context.Context) ([]cache.Descriptor, error) {
	members, err := s.client.SMembers(ctx, s.base+":keys").Result()
	if err != nil {
		return nil, fmt.Errorf("(redis.UniversalClient).SMembers failed: %w", err)
	}
	sort.Strings(members)

	keys := make([]cache.Descriptor, 0, len(members))
	for _, m := range members {
		// Skip members whose entry already expired.
		n, err := s.client.Exists(ctx, s.base+":entry:"+m).Result()
		if err != nil {
			return nil, fmt.Errorf("(redis.UniversalClient).Exists failed: %w", err)
		}
		if n == 0 {
			continue
		}
		d, err := cache.ParseKey(m)
		if err != nil {
			return nil, err
		}
		keys = append(keys, d)
	}
	return keys, nil
}
