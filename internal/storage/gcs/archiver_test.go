package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type upload struct {
	name string
	body string
}

// newTestArchiver points a storage client at an httptest server that fakes
// the JSON API multipart upload endpoint.
func newTestArchiver(t *testing.T, status int) (*Archiver, *[]upload) {
	t.Helper()
	var (
		mu      sync.Mutex
		uploads []upload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive-bucket/o")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		name := r.URL.Query().Get("name")
		mu.Lock()
		uploads = append(uploads, upload{name: name, body: string(body)})
		mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{"name":%q,"bucket":"archive-bucket"}`, name)
	}))
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	a, err := NewArchiverWithClient(client, Config{Bucket: "archive-bucket", Prefix: "/runs/"}, nil)
	require.NoError(t, err)
	return a, &uploads
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestArchive_UploadsUnderRunPrefix(t *testing.T) {
	a, uploads := newTestArchiver(t, http.StatusOK)
	dir := t.TempDir()
	state := writeFile(t, dir, "crawl_state.json", `{"version":1}`)
	results := writeFile(t, dir, "links_demo.jsonl", `{"url":"http://site/"}`)

	uris, err := a.Archive(context.Background(), "run-1", state, results)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"gs://archive-bucket/runs/run-1/crawl_state.json",
		"gs://archive-bucket/runs/run-1/links_demo.jsonl",
	}, uris)

	require.Len(t, *uploads, 2)
	assert.Equal(t, "runs/run-1/crawl_state.json", (*uploads)[0].name)
	assert.Contains(t, (*uploads)[0].body, `{"version":1}`)
	assert.Contains(t, (*uploads)[1].body, `"url":"http://site/"`)
}

func TestArchive_SkipsMissingAndEmptyPaths(t *testing.T) {
	a, uploads := newTestArchiver(t, http.StatusOK)
	dir := t.TempDir()
	present := writeFile(t, dir, "out.jsonl", "{}")

	uris, err := a.Archive(context.Background(), "run-2", "", filepath.Join(dir, "gone.json"), present)
	require.NoError(t, err)
	assert.Equal(t, []string{"gs://archive-bucket/runs/run-2/out.jsonl"}, uris)
	assert.Len(t, *uploads, 1)
}

func TestArchive_UploadFailure(t *testing.T) {
	a, _ := newTestArchiver(t, http.StatusForbidden)
	p := writeFile(t, t.TempDir(), "crawl_state.json", "{}")

	uris, err := a.Archive(context.Background(), "run-3", p)
	require.Error(t, err)
	assert.Empty(t, uris)
}

func TestArchive_RequiresRunID(t *testing.T) {
	a, _ := newTestArchiver(t, http.StatusOK)
	_, err := a.Archive(context.Background(), " ")
	require.Error(t, err)
}

func TestNewArchiverWithClient_Validation(t *testing.T) {
	_, err := NewArchiverWithClient(nil, Config{Bucket: "b"}, nil)
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = NewArchiverWithClient(client, Config{}, nil)
	require.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("a/crawl_state.JSON"))
	assert.Equal(t, "application/x-ndjson", contentType("out.jsonl"))
	assert.Equal(t, "image/png", contentType("shot.png"))
	assert.Equal(t, "application/pdf", contentType("page.pdf"))
	assert.Equal(t, "application/octet-stream", contentType("raw"))
}
