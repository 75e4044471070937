// Package cachetest holds the behaviour every cache.Storage backend must share.
package cachetest

import (
	"net/http"
	"slices"
	"testing"
	"time"

	"offlinegate/internal/cache"
)

var TestDescriptor = cache.Descriptor{
	Method: http.MethodGet,
	URL:    "https://gbbinfo-jpn.jp/2025/participants",
}

var TestBody = []byte(`<html><body>participants</body></html>`)

func NewEntry(body string) *cache.Entry {
	return &cache.Entry{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"text/html; charset=utf-8"},
			"Etag":         []string{`"deadbeef"`},
		},
		Body:     []byte(body),
		StoredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// TestStorage runs the shared contract against s. The storage must be empty.
func TestStorage(t *testing.T, s cache.Storage) {
	t.Helper()
	ctx := t.Context()

	store, err := s.Open(ctx, "v1")
	if err != nil {
		t.Fatalf("(Storage).Open failed: %v", err)
	}
	if store.Name() != "v1" {
		t.Fatalf("(Store).Name() = %q, want %q", store.Name(), "v1")
	}

	// Ensure that a lookup for a key not in the store returns (nil, nil)
	if miss, err := store.Match(ctx, TestDescriptor); err != nil {
		t.Fatalf("(Store).Match failed: %v", err)
	} else if miss != nil {
		t.Fatalf("(Store).Match returned non-nil entry for missing key: %v", miss)
	}

	put := NewEntry(string(TestBody))
	if err := store.Put(ctx, TestDescriptor, put); err != nil {
		t.Fatalf("(Store).Put failed: %v", err)
	}

	got, err := store.Match(ctx, TestDescriptor)
	if err != nil {
		t.Fatalf("(Store).Match failed: %v", err)
	} else if got == nil {
		t.Fatal("(Store).Match returned nil entry after Put")
	}
	if got.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", got.StatusCode, http.StatusOK)
	}
	if string(got.Body) != string(TestBody) {
		t.Errorf("Body = %q, want %q", got.Body, TestBody)
	}
	if got.Header.Get("Etag") != `"deadbeef"` {
		t.Errorf("Header[Etag] = %q, want %q", got.Header.Get("Etag"), `"deadbeef"`)
	}
	if !got.StoredAt.Equal(put.StoredAt) {
		t.Errorf("StoredAt = %v, want %v", got.StoredAt, put.StoredAt)
	}

	// The method is part of the key
	head := cache.Descriptor{Method: http.MethodHead, URL: TestDescriptor.URL}
	if miss, err := store.Match(ctx, head); err != nil || miss != nil {
		t.Fatalf("(Store).Match(HEAD) = %v, %v; want nil, nil", miss, err)
	}

	// Put replaces the previous entry
	if err := store.Put(ctx, TestDescriptor, NewEntry("updated")); err != nil {
		t.Fatalf("(Store).Put failed: %v", err)
	}
	got, err = store.Match(ctx, TestDescriptor)
	if err != nil || got == nil {
		t.Fatalf("(Store).Match = %v, %v after replace", got, err)
	}
	if string(got.Body) != "updated" {
		t.Errorf("Body after replace = %q, want %q", got.Body, "updated")
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("(Store).Keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != TestDescriptor {
		t.Errorf("(Store).Keys = %v, want [%v]", keys, TestDescriptor)
	}

	// A second store with its own entries
	other, err := s.Open(ctx, "v2")
	if err != nil {
		t.Fatalf("(Storage).Open failed: %v", err)
	}
	if miss, err := other.Match(ctx, TestDescriptor); err != nil || miss != nil {
		t.Fatalf("stores are not isolated: %v, %v", miss, err)
	}
	if err := other.Put(ctx, TestDescriptor, NewEntry("v2 body")); err != nil {
		t.Fatalf("(Store).Put failed: %v", err)
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("(Storage).Names failed: %v", err)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"v1", "v2"}) {
		t.Errorf("(Storage).Names = %v, want [v1 v2]", names)
	}

	deleted, err := store.Delete(ctx, TestDescriptor)
	if err != nil || !deleted {
		t.Fatalf("(Store).Delete = %v, %v; want true, nil", deleted, err)
	}
	if deleted, err := store.Delete(ctx, TestDescriptor); err != nil || deleted {
		t.Fatalf("second (Store).Delete = %v, %v; want false, nil", deleted, err)
	}

	if ok, err := s.Delete(ctx, "v1"); err != nil || !ok {
		t.Fatalf("(Storage).Delete(v1) = %v, %v; want true, nil", ok, err)
	}
	if ok, err := s.Delete(ctx, "v1"); err != nil || ok {
		t.Fatalf("second (Storage).Delete(v1) = %v, %v; want false, nil", ok, err)
	}
	names, err = s.Names(ctx)
	if err != nil {
		t.Fatalf("(Storage).Names failed: %v", err)
	}
	if !slices.Equal(names, []string{"v2"}) {
		t.Errorf("(Storage).Names after delete = %v, want [v2]", names)
	}

	got, err = other.Match(ctx, TestDescriptor)
	if err != nil || got == nil || string(got.Body) != "v2 body" {
		t.Errorf("v2 entry disturbed by deleting v1: %v, %v", got, err)
	}
}
