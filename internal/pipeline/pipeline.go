package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 64 << 10

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

// Do calls f(req).
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// Stage wraps a Doer with one concern.
type Stage func(next Doer) Doer

// Chain composes stages around base. stages[0] is outermost.
func Chain(base Doer, stages ...Stage) Doer {
	d := base
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i] != nil {
			d = stages[i](d)
		}
	}
	return d
}

// CredentialSource yields the current bearer token. ok is false when no
// session exists.
type CredentialSource interface {
	AccessToken(ctx context.Context) (token string, ok bool)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (string, bool)

// AccessToken calls f(ctx).
func (f CredentialFunc) AccessToken(ctx context.Context) (string, bool) { return f(ctx) }

// Recorder receives one observation per completed call. status is 0 when
// no response arrived.
type Recorder interface {
	RecordRequest(service, method string, status int, elapsed time.Duration)
}

// Logger is the logging surface the pipeline needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Options configures New.
type Options struct {
	// Service names the backend service in logs and metrics ("rest", "storage", "identity").
	Service string

	// HTTPClient is the transport. Defaults to an http.Client with Timeout.
	HTTPClient Doer
	Timeout    time.Duration

	// APIKey is sent as the apikey header on every request.
	APIKey string

	// Credentials supplies the bearer token per call. Nil means never authenticated.
	Credentials CredentialSource

	Recorder Recorder
	Logger   Logger
}

// New builds the standard chain.
func New(o Options) Doer {
	base := o.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: o.Timeout}
	}

	stages := []Stage{WithAPIKey(o.APIKey)}
	if o.Credentials != nil {
		stages = append(stages, WithCredentials(o.Credentials))
	}
	stages = append(stages, WithClassification())
	if o.Logger != nil {
		stages = append(stages, WithLogging(o.Service, o.Logger))
	}
	if o.Recorder != nil {
		stages = append(stages, WithMetrics(o.Service, o.Recorder))
	}
	return Chain(base, stages...)
}

// WithAPIKey sets the apikey header the backend gateway requires.
func WithAPIKey(key string) Stage {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if key != "" && req.Header.Get("apikey") == "" {
				req = cloneRequest(req)
				req.Header.Set("apikey", key)
			}
			return next.Do(req)
		})
	}
}

// WithCredentials attaches "Authorization: Bearer <token>" using a token
// fetched from src at call time. A request that already carries an
// Authorization header is left alone; with no token it is sent as is.
func WithCredentials(src CredentialSource) Stage {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") == "" {
				if token, ok := src.AccessToken(req.Context()); ok && token != "" {
					req = cloneRequest(req)
					req.Header.Set("Authorization", "Bearer "+token)
				}
			}
			return next.Do(req)
		})
	}
}

// WithClassification maps outcomes onto the error taxonomy. On error the
// response body has been consumed and closed and the returned response is nil.
func WithClassification() Stage {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := next.Do(req)
			if err != nil {
				return nil, &StatusError{
					Kind:   ErrRequestFailed,
					Method: req.Method,
					URL:    redactURL(req),
					Cause:  err,
				}
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp, nil
			}

			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best effort
			resp.Body.Close()                                              //nolint:errcheck // fully handled

			se := &StatusError{
				Kind:   ErrRequestFailed,
				Method: req.Method,
				URL:    redactURL(req),
				Status: resp.StatusCode,
			}
			if resp.StatusCode == http.StatusUnauthorized {
				se.Kind = ErrCredentialExpiredOrInvalid
			}
			se.decodeErrorBody(body)
			return nil, se
		})
	}
}

// WithLogging logs every call at debug level and 401s at warn.
func WithLogging(service string, log Logger) Stage {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.Do(req)
			elapsed := time.Since(start)

			switch {
			case err != nil:
				log.Warn("backend call failed",
					"service", service, "method", req.Method, "path", req.URL.Path,
					"error", err, "duration_ms", elapsed.Milliseconds())
			case resp.StatusCode == http.StatusUnauthorized:
				log.Warn("backend rejected credential",
					"service", service, "method", req.Method, "path", req.URL.Path)
			default:
				log.Debug("backend call",
					"service", service, "method", req.Method, "path", req.URL.Path,
					"status", resp.StatusCode, "duration_ms", elapsed.Milliseconds())
			}
			return resp, err
		})
	}
}

// WithMetrics reports each call to rec.
func WithMetrics(service string, rec Recorder) Stage {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.Do(req)
			status := 0
			if err == nil {
				status = resp.StatusCode
			}
			rec.RecordRequest(service, req.Method, status, time.Since(start))
			return resp, err
		})
	}
}

// cloneRequest copies req so a stage never mutates its caller's request.
// The body is shared; only one send ever happens.
func cloneRequest(req *http.Request) *http.Request {
	return req.Clone(req.Context())
}

// redactURL drops the query string, which may carry filter values.
func redactURL(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}

// drain discards and closes a response body.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best effort
	body.Close()                     //nolint:errcheck // best effort
}

// jsonReader returns a reader over b, or nil for an empty body.
func jsonReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}
