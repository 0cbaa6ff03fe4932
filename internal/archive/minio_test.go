package archive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	a := ObjectKey("run-1", "https://www.arts.gov/grants/a")
	b := ObjectKey("run-1", "https://www.arts.gov/grants/b")

	assert.True(t, strings.HasPrefix(a, "runs/run-1/www.arts.gov-"))
	assert.True(t, strings.HasSuffix(a, ".json"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ObjectKey("run-1", "https://www.arts.gov/grants/a"))

	assert.True(t, strings.HasPrefix(ObjectKey("", "https://x.example.org"), "runs/preview/x.example.org-"))
	assert.True(t, strings.HasPrefix(ObjectKey("r", "not a url"), "runs/r/unknown-"))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Bucket: "b"}.Validate())
	assert.Error(t, Config{Endpoint: "localhost:9000"}.Validate())
	assert.NoError(t, Config{Endpoint: "localhost:9000", Bucket: "b"}.Validate())
}

// fakeS3 answers just enough of the S3 API for bucket checks and single-part uploads.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := strings.TrimSuffix(parts[0], "/")
	switch {
	case len(parts) == 1 || parts[1] == "":
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			f.buckets[bucket] = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+parts[1]] = body
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestStore_Put(t *testing.T) {
	fake := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	store, err := New(ctx, Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "agent-payloads",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	assert.True(t, fake.buckets["agent-payloads"])

	payload := map[string]any{"grants": []any{map[string]any{"grant_title": "Arts Fund"}}}
	key, err := store.Put(ctx, "run-1", "https://www.arts.gov/grants", payload)
	require.NoError(t, err)
	assert.Equal(t, ObjectKey("run-1", "https://www.arts.gov/grants"), key)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	// the body may arrive aws-chunked, so only look for the payload inside it
	assert.Contains(t, string(fake.objects["agent-payloads/"+key]), `{"grants":[{"grant_title":"Arts Fund"}]}`)
}
