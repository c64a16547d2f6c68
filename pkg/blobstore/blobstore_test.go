package blobstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lkarlslund/chatbridge/pkg/config"
)

func TestEndpoint(t *testing.T) {
	if got := Endpoint(config.BlobConfig{AccountID: "acc"}); got != "https://acc.r2.cloudflarestorage.com" {
		t.Fatalf("unexpected r2 endpoint %q", got)
	}
	if got := Endpoint(config.BlobConfig{AccountID: "acc", Endpoint: "http://minio:9000/"}); got != "http://minio:9000" {
		t.Fatalf("unexpected explicit endpoint %q", got)
	}
}

func TestS3StorePut(t *testing.T) {
	var gotPath, gotType, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewS3Store(context.Background(), config.BlobConfig{
		Endpoint:        srv.URL,
		Bucket:          "images",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
		PublicDomain:    "https://img.example.test/",
		Region:          "auto",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	payload := []byte("webp-bytes")
	u, err := store.Put(context.Background(), "file-1.webp", "image/webp", bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if u != "https://img.example.test/file-1.webp" {
		t.Fatalf("unexpected public url %q", u)
	}
	if gotPath != "/images/file-1.webp" {
		t.Fatalf("unexpected object path %q", gotPath)
	}
	if gotType != "image/webp" || !bytes.Equal(gotBody, payload) {
		t.Fatalf("unexpected upload type=%q body=%q", gotType, gotBody)
	}
	if !strings.Contains(gotAuth, "Credential=AKID/") {
		t.Fatalf("request was not signed with the static key: %q", gotAuth)
	}
}

func TestS3StorePutFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<Error><Code>AccessDenied</Code></Error>`)
	}))
	defer srv.Close()
	store, err := NewS3Store(context.Background(), config.BlobConfig{
		Endpoint: srv.URL, Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s", Region: "auto",
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Put(context.Background(), "k", "", bytes.NewReader(nil), 0); err == nil {
		t.Fatal("expected upload error")
	}
}
