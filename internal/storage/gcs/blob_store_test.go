package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/public-register-crawler/internal/storage/gcs"
)

func newTestStore(t *testing.T, cfg gcs.Config, handler http.Handler) *gcs.BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(
		context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := gcs.New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	_, err := gcs.New(nil, gcs.Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = gcs.New(client, gcs.Config{})
	assert.Error(t, err)
}

func TestObjectName(t *testing.T) {
	handler := http.NotFoundHandler()
	plain := newTestStore(t, gcs.Config{Bucket: "register"}, handler)
	assert.Equal(t, "records.json", plain.ObjectName("records.json"))

	prefixed := newTestStore(t, gcs.Config{Bucket: "register", Prefix: "/runs/2024/"}, handler)
	assert.Equal(t, "runs/2024/snapshots/a.html", prefixed.ObjectName("/snapshots/a.html"))
}

func TestPutObjectUploads(t *testing.T) {
	payload := "<html>detail</html>"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/register/o")
		assert.Equal(t, "crawls/snapshots/abc.html", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), payload)

		fmt.Fprintln(w, `{"bucket":"register","name":"crawls/snapshots/abc.html"}`)
	})
	store := newTestStore(t, gcs.Config{Bucket: "register", Prefix: "crawls"}, handler)

	uri, err := store.PutObject(context.Background(), "snapshots/abc.html", "text/html", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "gs://register/crawls/snapshots/abc.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, gcs.Config{Bucket: "register"}, handler)

	_, err := store.PutObject(context.Background(), "records.json", "application/json", strings.NewReader("[]"))
	assert.Error(t, err)
}

func TestPutObjectEmptyPath(t *testing.T) {
	store := newTestStore(t, gcs.Config{Bucket: "register"}, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), " ", "text/plain", strings.NewReader("x"))
	assert.Error(t, err)
}
