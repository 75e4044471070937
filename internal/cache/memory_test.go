package cache_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"offlinegate/internal/cache"
	"offlinegate/internal/cache/cachetest"
)

func descriptor(path string) cache.Descriptor {
	return cache.Descriptor{Method: http.MethodGet, URL: "https://gbbinfo-jpn.jp" + path}
}

func makeEntry(body string) *cache.Entry {
	return &cache.Entry{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       []byte(body),
	}
}

func TestInMemoryStorage(t *testing.T) {
	cachetest.TestStorage(t, cache.NewInMemoryStorage(cache.Options{}))
}

func TestInMemoryStore_MatchReturnsCopy(t *testing.T) {
	s := cache.NewInMemoryStore("v1", cache.Options{})
	ctx := context.Background()

	e := makeEntry("data1")
	e.Header.Set("X-Test", "1")
	if err := s.Put(ctx, descriptor("/"), e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e.Body[0] = 'X'

	got, err := s.Match(ctx, descriptor("/"))
	if err != nil || got == nil {
		t.Fatalf("Match = %v, %v", got, err)
	}
	if string(got.Body) != "data1" {
		t.Errorf("Body = %q, want %q", got.Body, "data1")
	}
	if got.StoredAt.IsZero() {
		t.Error("StoredAt was not stamped by Put")
	}

	got.Header.Set("X-Test", "2")
	again, _ := s.Match(ctx, descriptor("/"))
	if again.Header.Get("X-Test") != "1" {
		t.Errorf("Header[X-Test] = %q, want %q", again.Header.Get("X-Test"), "1")
	}
}

func TestLRUEviction(t *testing.T) {
	s := cache.NewInMemoryStore("v1", cache.Options{MaxEntries: 3})
	ctx := context.Background()

	s.Put(ctx, descriptor("/1"), makeEntry("body1"))
	s.Put(ctx, descriptor("/2"), makeEntry("body2"))
	s.Put(ctx, descriptor("/3"), makeEntry("body3"))

	if e, _ := s.Match(ctx, descriptor("/1")); e == nil {
		t.Fatal("/1 evicted prematurely")
	}

	s.Put(ctx, descriptor("/4"), makeEntry("body4"))

	if e, _ := s.Match(ctx, descriptor("/2")); e != nil {
		t.Error("LRU eviction failed: /2 was not evicted")
	}
	for _, p := range []string{"/1", "/3", "/4"} {
		if e, _ := s.Match(ctx, descriptor(p)); e == nil {
			t.Errorf("%s was evicted incorrectly", p)
		}
	}
}

func TestLRUUpdate(t *testing.T) {
	s := cache.NewInMemoryStore("v1", cache.Options{MaxEntries: 3})
	ctx := context.Background()

	s.Put(ctx, descriptor("/1"), makeEntry("A"))
	s.Put(ctx, descriptor("/2"), makeEntry("B"))
	s.Put(ctx, descriptor("/3"), makeEntry("C"))

	s.Put(ctx, descriptor("/1"), makeEntry("A_updated"))
	s.Put(ctx, descriptor("/4"), makeEntry("D"))

	if e, _ := s.Match(ctx, descriptor("/2")); e != nil {
		t.Error("LRU position update failed: /2 was not evicted after /1 update")
	}
	if e, _ := s.Match(ctx, descriptor("/1")); e == nil || string(e.Body) != "A_updated" {
		t.Errorf("/1 = %v, want A_updated", e)
	}
}

func TestMaxAgeExpiry(t *testing.T) {
	s := cache.NewInMemoryStore("v1", cache.Options{MaxAge: time.Minute})
	ctx := context.Background()

	old := makeEntry("expired")
	old.StoredAt = time.Now().Add(-2 * time.Minute)
	s.Put(ctx, descriptor("/old"), old)
	s.Put(ctx, descriptor("/fresh"), makeEntry("fresh"))

	keys, _ := s.Keys(ctx)
	if len(keys) != 1 || keys[0] != descriptor("/fresh") {
		t.Errorf("Keys = %v, want only /fresh", keys)
	}
	if e, _ := s.Match(ctx, descriptor("/old")); e != nil {
		t.Error("expired entry was returned by Match")
	}
	if e, _ := s.Match(ctx, descriptor("/fresh")); e == nil {
		t.Error("fresh entry was incorrectly expired")
	}
}

func TestConcurrency(t *testing.T) {
	s := cache.NewInMemoryStore("v1", cache.Options{MaxEntries: 8})
	ctx := context.Background()
	numGoRoutines := 50
	numOperations := 1000

	var wg sync.WaitGroup

	for i := 0; i < numGoRoutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				d := descriptor(fmt.Sprintf("/key_%d", (j%10)+1))

				switch j % 4 {
				case 0, 1:
					s.Match(ctx, d)
				case 2:
					s.Put(ctx, d, makeEntry("data_"+d.URL))
				case 3:
					s.Delete(ctx, d)
				}
			}
		}()
	}

	wg.Wait()

	keys, _ := s.Keys(ctx)
	if len(keys) > 8 {
		t.Errorf("store holds %d keys, want at most 8", len(keys))
	}
}

func TestParseKey(t *testing.T) {
	tests := map[string]struct {
		Key      string
		Expected cache.Descriptor
		Err      bool
	}{
		"get": {
			Key:      "GET https://gbbinfo-jpn.jp/2025/result",
			Expected: descriptor("/2025/result"),
		},
		"missing_url": {
			Key: "GET",
			Err: true,
		},
		"empty": {
			Key: "",
			Err: true,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := cache.ParseKey(test.Key)
			if test.Err {
				if err == nil {
					t.Fatalf("ParseKey(%q) returned nil error", test.Key)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey(%q) failed: %v", test.Key, err)
			}
			if got != test.Expected {
				t.Errorf("ParseKey(%q) = %v, want %v", test.Key, got, test.Expected)
			}
			if got.Key() != test.Key {
				t.Errorf("round trip = %q, want %q", got.Key(), test.Key)
			}
		})
	}
}

func TestNewDescriptor_DefaultsToGET(t *testing.T) {
	req, _ := http.NewRequest("", "https://gbbinfo-jpn.jp/", nil)
	req.Method = ""
	if d := cache.NewDescriptor(req); d.Method != http.MethodGet {
		t.Errorf("Method = %q, want GET", d.Method)
	}
}

func TestEncodeDecode(t *testing.T) {
	e := cachetest.NewEntry("<html>ok</html>")
	b, err := cache.Encode(e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := cache.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got.Body) != "<html>ok</html>" {
		t.Errorf("Body = %q", got.Body)
	}
	if got.Header.Get(cache.StoredAtHeader) != "" {
		t.Error("stored-at header leaked into decoded header")
	}
	if !got.StoredAt.Equal(e.StoredAt) {
		t.Errorf("StoredAt = %v, want %v", got.StoredAt, e.StoredAt)
	}
}
