package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"
)

// StoredAtHeader carries Entry.StoredAt inside an encoded entry.
const StoredAtHeader = "X-Offlinegate-Stored-At"

// Encode serialises the entry as an HTTP/1.1 response dump.
func Encode(e *Entry) ([]byte, error) {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(StoredAtHeader, e.StoredAt.UTC().Format(time.RFC3339Nano))

	resp := &http.Response{
		StatusCode:    e.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
	b, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, fmt.Errorf("httputil.DumpResponse failed: %w", err)
	}
	return b, nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (*Entry, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, fmt.Errorf("http.ReadResponse failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("(*http.Response).Body.Read failed: %w", err)
	}

	storedAt, err := decodeStoredAt(resp.Header)
	if err != nil {
		return nil, err
	}
	resp.Header.Del(StoredAtHeader)
	resp.Header.Del("Content-Length")

	return &Entry{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		StoredAt:   storedAt,
	}, nil
}

func decodeStoredAt(h http.Header) (time.Time, error) {
	raw := h.Get(StoredAtHeader)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", StoredAtHeader, err)
	}
	return t, nil
}
