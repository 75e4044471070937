package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrStoreNotFound is returned by a Store whose backing store was deleted.
var ErrStoreNotFound = errors.New("cache store not found")

// Descriptor identifies a cached request. Two descriptors are equal iff
// Method and URL match exactly.
type Descriptor struct {
	Method string
	URL    string
}

// NewDescriptor builds the descriptor for req. An empty method means GET.
func NewDescriptor(req *http.Request) Descriptor {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Descriptor{Method: method, URL: req.URL.String()}
}

// Key is the canonical string form of the descriptor, "<METHOD> <URL>".
func (d Descriptor) Key() string {
	return d.Method + " " + d.URL
}

func (d Descriptor) String() string {
	return d.Key()
}

// ParseKey is the inverse of Descriptor.Key.
func ParseKey(key string) (Descriptor, error) {
	method, u, ok := strings.Cut(key, " ")
	if !ok || method == "" || u == "" {
		return Descriptor{}, fmt.Errorf("invalid descriptor key %q", key)
	}
	return Descriptor{Method: method, URL: u}, nil
}

// Entry is a stored response snapshot.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Clone returns a copy that shares no mutable state with e.
func (e *Entry) Clone() *Entry {
	return &Entry{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       bytes.Clone(e.Body),
		StoredAt:   e.StoredAt,
	}
}

// Response materialises the entry as an *http.Response for req.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Expired reports whether the entry is older than maxAge. A zero maxAge never
// expires.
func (e *Entry) Expired(maxAge time.Duration, now time.Time) bool {
	return maxAge > 0 && now.Sub(e.StoredAt) > maxAge
}

// Store is a single named collection of descriptor → entry.
type Store interface {
	Name() string
	// Match returns (nil, nil) when there is no entry for d.
	Match(ctx context.Context, d Descriptor) (*Entry, error)
	// Put replaces any previous entry for d.
	Put(ctx context.Context, d Descriptor, e *Entry) error
	Delete(ctx context.Context, d Descriptor) (bool, error)
	Keys(ctx context.Context) ([]Descriptor, error)
}

// Storage is the set of named stores of one origin.
type Storage interface {
	// Open returns the named store, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)
	// Delete removes the named store and every entry in it.
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Close() error
}

// Options bound the size and age of every store opened from a Storage.
type Options struct {
	MaxEntries int
	MaxAge     time.Duration
}
