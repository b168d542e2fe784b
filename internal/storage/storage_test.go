package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/baas-console/internal/pipeline"
)

type storedObject struct {
	body        []byte
	contentType string
	cache       string
	created     time.Time
}

// fakeStorage mimics the object storage REST endpoints for one bucket.
type fakeStorage struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]storedObject
	lastReq map[string]any
}

func (f *fakeStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := strings.TrimPrefix(r.URL.EscapedPath(), "/storage/v1/object/")
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(p, "list/"):
		if strings.TrimPrefix(p, "list/") != f.bucket {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"statusCode":"404","error":"not_found","message":"Bucket not found"}`)) //nolint:errcheck // test server
			return
		}
		json.NewDecoder(r.Body).Decode(&f.lastReq) //nolint:errcheck // test server
		names := make([]string, 0, len(f.objects))
		for n := range f.objects {
			names = append(names, n)
		}
		sort.Strings(names)
		out := []map[string]any{}
		for _, n := range names {
			o := f.objects[n]
			out = append(out, map[string]any{
				"id":         "obj-" + n,
				"name":       n,
				"created_at": o.created.Format(time.RFC3339),
				"metadata":   map[string]any{"size": len(o.body), "mimetype": o.contentType},
			})
		}
		json.NewEncoder(w).Encode(out) //nolint:errcheck // test server
	case r.Method == http.MethodPost:
		bucket, name, _ := strings.Cut(p, "/")
		if _, exists := f.objects[name]; exists && r.Header.Get("x-upsert") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"statusCode":"409","error":"Duplicate","message":"The resource already exists"}`)) //nolint:errcheck // test server
			return
		}
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
		f.objects[name] = storedObject{body: body, contentType: r.Header.Get("Content-Type"),
			cache: r.Header.Get("Cache-Control"), created: time.Now()}
		json.NewEncoder(w).Encode(map[string]string{"Key": bucket + "/" + name}) //nolint:errcheck // test server
	case r.Method == http.MethodDelete:
		var in struct {
			Prefixes []string `json:"prefixes"`
		}
		json.NewDecoder(r.Body).Decode(&in) //nolint:errcheck // test server
		for _, n := range in.Prefixes {
			delete(f.objects, n)
		}
		w.Write([]byte("[]")) //nolint:errcheck // test server
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeStorage, string) {
	t.Helper()
	fake := &fakeStorage{bucket: "images", objects: map[string]storedObject{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, pipeline.New(pipeline.Options{Service: "storage", APIKey: "anon", Timeout: 5 * time.Second}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, fake, srv.URL
}

func TestUploadListRemove(t *testing.T) {
	c, fake, _ := newTestClient(t)
	ctx := context.Background()

	name := ObjectName("cat.png", time.UnixMilli(1700000000123))
	if name != "1700000000123-cat.png" {
		t.Fatalf("ObjectName() = %q", name)
	}

	key, err := c.Upload(ctx, "images", name, strings.NewReader(strings.Repeat("x", 2048)),
		UploadOptions{ContentType: "image/png", CacheControl: time.Hour})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if key != "images/"+name {
		t.Errorf("key = %q", key)
	}
	if got := fake.objects[name].cache; got != "max-age=3600" {
		t.Errorf("Cache-Control = %q, want max-age=3600", got)
	}

	objects, err := c.List(ctx, "images", ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("List() = %d objects, want 1", len(objects))
	}
	obj := objects[0]
	if obj.Name != name || obj.Size() != 2048 || obj.SizeKB() != 2 || obj.ContentType() != "image/png" {
		t.Errorf("object = %+v", obj)
	}
	if obj.IsFolder() {
		t.Error("stored object should not be a folder")
	}
	if fake.lastReq["limit"] != float64(100) {
		t.Errorf("list limit = %v, want 100", fake.lastReq["limit"])
	}

	if err := c.Remove(ctx, "images", name); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	objects, err = c.List(ctx, "images", ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("List() after Remove = %d objects, want 0", len(objects))
	}
}

func TestUpload_NoUpsertRejectsDuplicate(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	for i, wantErr := range []bool{false, true} {
		_, err := c.Upload(ctx, "images", "same.txt", strings.NewReader("a"), UploadOptions{})
		if (err != nil) != wantErr {
			t.Fatalf("upload %d error = %v, wantErr %v", i, err, wantErr)
		}
		if wantErr && !errors.Is(err, pipeline.ErrRequestFailed) {
			t.Errorf("duplicate upload error = %v, want ErrRequestFailed", err)
		}
	}
}

func TestList_UnknownBucket(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.List(context.Background(), "nope", ListOptions{})
	se, ok := pipeline.AsStatusError(err)
	if !ok {
		t.Fatalf("List() error = %v, want *pipeline.StatusError", err)
	}
	if se.Message != "Bucket not found" {
		t.Errorf("Message = %q", se.Message)
	}
}

func TestPublicURL(t *testing.T) {
	c, _, base := newTestClient(t)

	got := c.PublicURL("images", "1700000000123-my cat.png")
	want := base + "/storage/v1/object/public/images/1700000000123-my%20cat.png"
	if got != want {
		t.Errorf("PublicURL() = %s, want %s", got, want)
	}
}

func TestObjectName(t *testing.T) {
	now := time.UnixMilli(42)
	tests := []struct {
		in   string
		want string
	}{
		{"photo.jpg", "42-photo.jpg"},
		{"../../etc/passwd", "42-passwd"},
		{`C:\Users\me\doc.pdf`, "42-doc.pdf"},
		{"", "42-file"},
	}
	for _, tt := range tests {
		if got := ObjectName(tt.in, now); got != tt.want {
			t.Errorf("ObjectName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInvalidNames(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.List(ctx, "", ListOptions{}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("List(empty bucket) error = %v", err)
	}
	if _, err := c.Upload(ctx, "images", "../x", strings.NewReader(""), UploadOptions{}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Upload(../x) error = %v", err)
	}
	if err := c.Remove(ctx, "images", "/abs"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Remove(/abs) error = %v", err)
	}
	if err := c.Remove(ctx, "images"); err != nil {
		t.Errorf("Remove() with no names error = %v", err)
	}
}
