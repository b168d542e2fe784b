// Package resource is a generic client for the backend's REST collection
// service. Records are untyped; the client only transports them.
//
// Every call goes through the request pipeline, so the signed-in user's
// credential is attached per call and failures arrive classified as
// pipeline.ErrCredentialExpiredOrInvalid or pipeline.ErrRequestFailed.
package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nerrad567/baas-console/internal/pipeline"
)

// ErrNotFound is returned when a by-id lookup or update matches no row.
var ErrNotFound = errors.New("resource: not found")

// ErrInvalidArgument is returned for an empty resource name or id.
var ErrInvalidArgument = errors.New("resource: invalid argument")

// Record is one row, as the backend returns it.
type Record map[string]any

// ID returns the record's id column rendered as a string, or "".
func (r Record) ID() string {
	switch v := r["id"].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// ListOptions narrows a List call.
type ListOptions struct {
	// Filters become equality predicates: field=eq.value.
	Filters map[string]string

	// OrderBy is a column name; Descending reverses it.
	OrderBy    string
	Descending bool

	// Limit caps the number of rows; 0 means the backend default.
	Limit int

	// Select restricts the returned columns ("id,title"). Empty means all.
	Select string
}

// Client talks to {backend}/rest/v1.
type Client struct {
	http *pipeline.Client
}

// New creates a resource client rooted at the backend URL.
func New(backendURL string, doer pipeline.Doer) (*Client, error) {
	c, err := pipeline.NewClient(strings.TrimRight(backendURL, "/")+"/rest/v1", doer)
	if err != nil {
		return nil, err
	}
	return &Client{http: c}, nil
}

// List returns the rows of resource matching opts, in the requested order.
func (c *Client) List(ctx context.Context, resource string, opts ListOptions) ([]Record, error) {
	q := url.Values{}
	for field, value := range opts.Filters {
		q.Set(field, "eq."+value)
	}
	if opts.OrderBy != "" {
		dir := "asc"
		if opts.Descending {
			dir = "desc"
		}
		q.Set("order", opts.OrderBy+"."+dir)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Select != "" {
		q.Set("select", opts.Select)
	}
	return c.Query(ctx, resource, q)
}

// GetByID returns the row whose id equals id, or ErrNotFound.
func (c *Client) GetByID(ctx context.Context, resource, id string) (Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidArgument)
	}
	rows, err := c.Query(ctx, resource, idFilter(id))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s id=%s", ErrNotFound, resource, id)
	}
	return rows[0], nil
}

// Create inserts record and returns the row as stored, including
// server-assigned fields.
func (c *Client) Create(ctx context.Context, resource string, record Record) (Record, error) {
	rows, err := c.write(ctx, http.MethodPost, resource, nil, record)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &pipeline.StatusError{
			Kind:    pipeline.ErrRequestFailed,
			Method:  http.MethodPost,
			URL:     c.http.URL(resource).String(),
			Message: "backend returned no representation",
		}
	}
	return rows[0], nil
}

// Update changes only the fields present in partial on the row with id
// and returns the updated row, or ErrNotFound when no row matched.
func (c *Client) Update(ctx context.Context, resource, id string, partial Record) (Record, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidArgument)
	}
	rows, err := c.write(ctx, http.MethodPatch, resource, idFilter(id), partial)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s id=%s", ErrNotFound, resource, id)
	}
	return rows[0], nil
}

// Delete removes the row with id. Deleting a row that does not exist is
// not an error.
func (c *Client) Delete(ctx context.Context, resource, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidArgument)
	}
	if err := checkName(resource); err != nil {
		return err
	}
	u := c.http.URL(resource)
	u.RawQuery = idFilter(id).Encode()
	req, err := c.http.NewRequest(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	return c.http.Do(req, nil)
}

// Query runs a raw query against resource. q is passed through as the
// query string, so any operator the backend supports can be used.
func (c *Client) Query(ctx context.Context, resource string, q url.Values) ([]Record, error) {
	if err := checkName(resource); err != nil {
		return nil, err
	}
	u := c.http.URL(resource)
	u.RawQuery = q.Encode()
	req, err := c.http.NewRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	rows := []Record{}
	if err := c.http.Do(req, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) write(ctx context.Context, method, resource string, q url.Values, body Record) ([]Record, error) {
	if err := checkName(resource); err != nil {
		return nil, err
	}
	if body == nil {
		body = Record{}
	}
	u := c.http.URL(resource)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := c.http.NewRequest(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Prefer", "return=representation")

	var rows []Record
	if err := c.http.Do(req, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func idFilter(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

func checkName(resource string) error {
	if resource == "" || strings.ContainsAny(resource, "/?#") {
		return fmt.Errorf("%w: resource name %q", ErrInvalidArgument, resource)
	}
	return nil
}
