// Package protocol defines the newline-delimited JSON framing exchanged
// between clients and the record server.
//
// Each request and each response is exactly one JSON document followed by
// a single '\n'. encoding/json escapes control characters inside strings,
// so an encoded document never contains a raw newline.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/NicolasHaas/gorecord/pkg/model"
)

const (
	// MaxRequestSize is the maximum size of one request line (64KB).
	MaxRequestSize = 65536

	// MaxBadFrames is how many consecutive undecodable frames a session
	// tolerates before it is closed.
	MaxBadFrames = 3
)

// Status codes carried in Response.Status.
const (
	StatusOK                  = 200
	StatusCreated             = 201
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusRequestTimeout      = 408
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
)

var (
	// ErrFrameTooLarge is returned by Reader.Next when a line exceeds MaxRequestSize.
	ErrFrameTooLarge = errors.New("protocol: request exceeds maximum size")
	// ErrMalformed wraps every request decoding failure.
	ErrMalformed = fmt.Errorf("%w: malformed request", model.ErrInvalid)
)

// Request is a decoded request envelope. The action-specific fields stay in
// raw form until a handler binds them to its payload type.
type Request struct {
	Action model.Action
	Token  string
	raw    json.RawMessage
}

type envelope struct {
	Action string `json:"action"`
	Token  string `json:"token,omitempty"`
}

// DecodeRequest parses one request line. The line must be a JSON object
// with a non-empty string "action" field.
func DecodeRequest(line []byte) (*Request, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return &Request{Action: model.Action(env.Action), Token: env.Token, raw: raw}, nil
}

// NewRequest builds a request from an action and a payload struct.
// Used by clients and tests.
func NewRequest(action model.Action, payload any) (*Request, error) {
	fields := map[string]any{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload: %w", err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
		}
	}
	fields["action"] = string(action)
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal request: %w", err)
	}
	return &Request{Action: action, raw: raw}, nil
}

// Bind decodes the request's fields into v. Unknown fields are ignored.
func (r *Request) Bind(v any) error {
	if len(r.raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Bytes returns the encoded request line without the trailing newline.
func (r *Request) Bytes() []byte { return r.raw }

// Response is the envelope sent for every request.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Reader splits a stream into request lines.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader returns a Reader bounded by MaxRequestSize.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxRequestSize)
	return &Reader{sc: sc}
}

// Next returns the next non-blank line. It returns io.EOF when the peer
// closed the stream, ErrFrameTooLarge for an oversize line, and the
// underlying read error otherwise (including deadline expiry).
// The returned slice is only valid until the next call.
func (r *Reader) Next() ([]byte, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	err := r.sc.Err()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, ErrFrameTooLarge
	default:
		return nil, err
	}
}

// WriteResponse writes one response document followed by '\n' in a single write.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write response: %w", err)
	}
	return nil
}

// WriteRequest writes a request line. Used by clients and tests.
func WriteRequest(w io.Writer, req *Request) error {
	line := make([]byte, 0, len(req.raw)+1)
	line = append(line, req.raw...)
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("protocol: write request: %w", err)
	}
	return nil
}

// ReadResponse reads one response line. Used by clients and tests.
func ReadResponse(r *Reader) (*Response, error) {
	line, err := r.Next()
	if err != nil {
		return nil, err
	}
	resp := &Response{}
	if err := json.Unmarshal(line, resp); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return resp, nil
}
