package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	key  Descriptor
	val  *Entry
	prev *entry
	next *entry
}

// InMemoryStore is an LRU store. With MaxEntries <= 0 it never evicts by
// count; with MaxAge <= 0 entries never expire.
type InMemoryStore struct {
	name string
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	items map[Descriptor]*entry
	head  *entry
	tail  *entry
}

func NewInMemoryStore(name string, opts Options) *InMemoryStore {
	return &InMemoryStore{
		name:  name,
		opts:  opts,
		now:   time.Now,
		items: make(map[Descriptor]*entry),
	}
}

func (s *InMemoryStore) Name() string {
	return s.name
}

func (s *InMemoryStore) Match(ctx context.Context, d Descriptor) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[d]
	if !ok {
		return nil, nil
	}
	if e.val.Expired(s.opts.MaxAge, s.now()) {
		s.remove(e)
		delete(s.items, d)
		return nil, nil
	}

	s.moveToFront(e)
	return e.val.Clone(), nil
}

func (s *InMemoryStore) Put(ctx context.Context, d Descriptor, val *Entry) error {
	val = val.Clone()
	if val.StoredAt.IsZero() {
		val.StoredAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[d]; ok {
		e.val = val
		s.moveToFront(e)
		return nil
	}

	e := &entry{key: d, val: val}
	s.items[d] = e
	s.addToFront(e)

	if s.opts.MaxEntries > 0 && len(s.items) > s.opts.MaxEntries {
		s.evictOldest()
	}
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, d Descriptor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[d]
	if !ok {
		return false, nil
	}
	s.remove(e)
	delete(s.items, d)
	return true, nil
}

// Keys lists live descriptors, most recently used first.
func (s *InMemoryStore) Keys(ctx context.Context) ([]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	keys := make([]Descriptor, 0, len(s.items))
	for e := s.head; e != nil; e = e.next {
		if e.val.Expired(s.opts.MaxAge, now) {
			continue
		}
		keys = append(keys, e.key)
	}
	return keys, nil
}

func (s *InMemoryStore) addToFront(e *entry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *InMemoryStore) moveToFront(e *entry) {
	if s.head == e {
		return
	}
	s.remove(e)
	s.addToFront(e)
}

func (s *InMemoryStore) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (s *InMemoryStore) evictOldest() {
	if s.tail == nil {
		return
	}
	oldest := s.tail
	s.remove(oldest)
	delete(s.items, oldest.key)
}

// InMemoryStorage keeps named stores for the lifetime of the process.
type InMemoryStorage struct {
	opts Options

	mu     sync.Mutex
	stores map[string]*InMemoryStore
}

func NewInMemoryStorage(opts Options) *InMemoryStorage {
	return &InMemoryStorage{
		opts:   opts,
		stores: make(map[string]*InMemoryStore),
	}
}

func (m *InMemoryStorage) Open(ctx context.Context, name string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[name]
	if !ok {
		s = NewInMemoryStore(name, m.opts)
		m.stores[name] = s
	}
	return s, nil
}

func (m *InMemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	return true, nil
}

func (m *InMemoryStorage) Names(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *InMemoryStorage) Close() error {
	return nil
}
