// Package storage is a client for the backend's object storage service:
// listing, uploading and removing objects in a bucket and building their
// public URLs.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/baas-console/internal/pipeline"
)

// Object is one stored object as listed by the storage service.
type Object struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Size returns the object size in bytes from its metadata, or 0.
func (o Object) Size() int64 {
	switch v := o.Metadata["size"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// SizeKB is Size in kilobytes rounded to two decimals.
func (o Object) SizeKB() float64 {
	kb := float64(o.Size()) / 1024
	return float64(int64(kb*100+0.5)) / 100
}

// ContentType returns the mimetype recorded for the object.
func (o Object) ContentType() string {
	s, _ := o.Metadata["mimetype"].(string)
	return s
}

// IsFolder reports whether the entry is a folder placeholder (no id).
func (o Object) IsFolder() bool {
	return o.ID == "" && o.Metadata == nil
}

// ListOptions narrows List.
type ListOptions struct {
	Prefix string
	Limit  int
	Offset int

	// SortBy is a column (name, created_at, updated_at); empty means name.
	SortBy     string
	Descending bool
}

// UploadOptions controls Upload.
type UploadOptions struct {
	ContentType  string
	CacheControl time.Duration // sent as max-age seconds; 0 means the service default
	Upsert       bool
}

// Client talks to {backend}/storage/v1.
type Client struct {
	http      *pipeline.Client
	publicURL string
}

// New creates a storage client rooted at the backend URL.
func New(backendURL string, doer pipeline.Doer) (*Client, error) {
	root := strings.TrimRight(backendURL, "/") + "/storage/v1"
	c, err := pipeline.NewClient(root, doer)
	if err != nil {
		return nil, err
	}
	return &Client{http: c, publicURL: root + "/object/public"}, nil
}

// ObjectName builds the name used for an upload: "<unix millis>-<base name>".
// Any directory part of filename is dropped.
func ObjectName(filename string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" {
		base = "file"
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + base
}

// List returns the objects in bucket.
func (c *Client) List(ctx context.Context, bucket string, opts ListOptions) ([]Object, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "name"
	}
	order := "asc"
	if opts.Descending {
		order = "desc"
	}
	body := map[string]any{
		"prefix": opts.Prefix,
		"offset": opts.Offset,
		"sortBy": map[string]string{"column": sortBy, "order": order},
	}
	if opts.Limit > 0 {
		body["limit"] = opts.Limit
	}

	req, err := c.http.NewRequest(ctx, http.MethodPost, c.http.URL("object", "list", bucket), body)
	if err != nil {
		return nil, err
	}
	objects := []Object{}
	if err := c.http.Do(req, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// Upload stores content under name in bucket and returns the object key
// ("bucket/name").
func (c *Client) Upload(ctx context.Context, bucket, name string, content io.Reader, opts UploadOptions) (string, error) {
	if err := checkBucket(bucket); err != nil {
		return "", err
	}
	if err := checkName(name); err != nil {
		return "", err
	}

	req, err := c.http.NewRequest(ctx, http.MethodPost, c.http.URL("object", bucket, name), content)
	if err != nil {
		return "", err
	}
	ct := opts.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	req.Header.Set("Content-Type", ct)
	if opts.CacheControl > 0 {
		req.Header.Set("Cache-Control", "max-age="+strconv.Itoa(int(opts.CacheControl.Seconds())))
	}
	req.Header.Set("x-upsert", strconv.FormatBool(opts.Upsert))

	var out struct {
		Key string `json:"Key"`
	}
	if err := c.http.Do(req, &out); err != nil {
		return "", err
	}
	if out.Key == "" {
		out.Key = bucket + "/" + name
	}
	return out.Key, nil
}

// Remove deletes the named objects from bucket.
func (c *Client) Remove(ctx context.Context, bucket string, names ...string) error {
	if err := checkBucket(bucket); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	for _, n := range names {
		if err := checkName(n); err != nil {
			return err
		}
	}

	req, err := c.http.NewRequest(ctx, http.MethodDelete, c.http.URL("object", bucket),
		map[string][]string{"prefixes": names})
	if err != nil {
		return err
	}
	return c.http.Do(req, nil)
}

// PublicURL returns the public address of an object. No request is made;
// the bucket must be public for the URL to resolve.
func (c *Client) PublicURL(bucket, name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return c.publicURL + "/" + url.PathEscape(bucket) + "/" + strings.Join(parts, "/")
}

func checkBucket(bucket string) error {
	if bucket == "" || strings.ContainsAny(bucket, "/?#") {
		return fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	return nil
}

func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: object %q", ErrInvalidName, name)
	}
	for _, p := range strings.Split(name, "/") {
		if p == ".." || p == "." {
			return fmt.Errorf("%w: object %q", ErrInvalidName, name)
		}
	}
	return nil
}
