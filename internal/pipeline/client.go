package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client issues JSON requests against one backend service root, such as
// https://project.example.co/rest/v1, through a Doer.
type Client struct {
	base *url.URL
	doer Doer
}

// NewClient creates a Client. baseURL must be absolute.
func NewClient(baseURL string, doer Doer) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q is not absolute", baseURL)
	}
	return &Client{base: u, doer: doer}, nil
}

// BaseURL returns the service root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// URL joins path segments onto the service root, escaping each segment.
// A segment may itself contain "/" (an object path); its parts are escaped
// individually.
func (c *Client) URL(segments ...string) *url.URL {
	u := c.base
	for _, seg := range segments {
		parts := strings.Split(seg, "/")
		for i, p := range parts {
			parts[i] = url.PathEscape(p)
		}
		u = u.JoinPath(parts...)
	}
	out := *u
	return &out
}

// NewRequest builds a request for path under the root. A non-nil body is
// JSON-encoded unless it is an io.Reader, which is sent as is.
func (c *Client) NewRequest(ctx context.Context, method string, u *url.URL, body any) (*http.Request, error) {
	var (
		r           io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case io.Reader:
		r = b
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		r = jsonReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// Do sends req and decodes a JSON response into out (when non-nil and the
// body is not empty). Errors from the pipeline are returned unchanged.
func (c *Client) Do(req *http.Request, out any) error {
	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return &StatusError{
			Kind:   ErrRequestFailed,
			Method: req.Method,
			URL:    redactURL(req),
			Status: resp.StatusCode,
			Cause:  fmt.Errorf("decoding response: %w", err),
		}
	}
	return nil
}
