package sink

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func TestFetchReturnsBytes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("attachment-bytes"))
	}))
	defer srv.Close()

	f := NewFetcher(1<<20, 100, 100, time.Second, logx.Nop())
	data, ct, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if !bytes.Equal(data, []byte("attachment-bytes")) {
		t.Fatalf("data = %q", data)
	}
	if ct != "image/png" {
		t.Fatalf("content type = %q, want image/png", ct)
	}
}

func TestFetchSizeCap(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	f := NewFetcher(10, 100, 100, time.Second, logx.Nop())
	if _, _, err := f.Fetch(context.Background(), srv.URL); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("error = %v, want ErrTooLarge", err)
	}
}

func TestFetchStatusError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(1<<20, 100, 100, time.Second, logx.Nop())
	_, _, err := f.Fetch(context.Background(), srv.URL)
	var se *SendError
	if !errors.As(err, &se) || se.Status != http.StatusNotFound {
		t.Fatalf("error = %v, want *SendError 404", err)
	}
}
