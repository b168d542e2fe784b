package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for backend calls.
var (
	// ErrCredentialExpiredOrInvalid means the backend answered 401.
	ErrCredentialExpiredOrInvalid = errors.New("pipeline: credential expired or invalid")

	// ErrRequestFailed means the call failed for any other reason.
	ErrRequestFailed = errors.New("pipeline: request failed")
)

// StatusError describes a failed backend call. Status is 0 when no response
// was received.
type StatusError struct {
	Kind   error // ErrCredentialExpiredOrInvalid or ErrRequestFailed
	Method string
	URL    string
	Status int

	// Backend error body, when it had one.
	Code    string
	Message string
	Details string
	Hint    string

	Cause error // transport error, if any
}

func (e *StatusError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	fmt.Fprintf(&b, ": %s %s", e.Method, e.URL)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes both the taxonomy sentinel and the transport cause.
func (e *StatusError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// AsStatusError extracts a *StatusError from err.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	ok := errors.As(err, &se)
	return se, ok
}

// errorBody covers the error shapes of the REST, identity and storage
// services.
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Details          any             `json:"details"`
	Hint             string          `json:"hint"`
}

// decodeErrorBody fills the backend fields of e from a response body.
// Bodies that are not JSON become the message verbatim.
func (e *StatusError) decodeErrorBody(body []byte) {
	body = []byte(strings.TrimSpace(string(body)))
	if len(body) == 0 {
		return
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		e.Message = string(body)
		return
	}

	e.Code = eb.ErrorCode
	if len(eb.Code) > 0 {
		var s string
		if json.Unmarshal(eb.Code, &s) == nil {
			e.Code = s
		} else {
			e.Code = string(eb.Code)
		}
	}

	for _, m := range []string{eb.Message, eb.Msg, eb.ErrorDescription, eb.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Code == "" && eb.Error != "" && eb.Error != e.Message {
		e.Code = eb.Error
	}

	switch d := eb.Details.(type) {
	case nil:
	case string:
		e.Details = d
	default:
		if b, err := json.Marshal(d); err == nil {
			e.Details = string(b)
		}
	}
	e.Hint = eb.Hint
}
