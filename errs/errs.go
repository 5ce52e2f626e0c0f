// Package errs provides structured error types and helpers for outpost services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a sync error category.
type Code string

const (
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the remote authority is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates the remote resolved a concurrent mutation in its favor.
	CodeConflict Code = "conflict"
	// CodeIntegrity indicates locally persisted data that cannot be decoded.
	CodeIntegrity Code = "integrity"
	// CodeExhausted indicates an entry that used up its retry budget.
	CodeExhausted Code = "exhausted"
	// CodeInternal indicates an unclassified internal failure.
	CodeInternal Code = "internal"
)

// E captures structured error information produced across the outpost stack.
type E struct {
	Op           string
	Code         Code
	HTTP         int
	RecordID     string
	RemoteStatus string
	RemoteMsg    string
	Message      string
	Meta         map[string]string
	Remediation  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:           strings.TrimSpace(op),
		Code:         code,
		HTTP:         0,
		RecordID:     "",
		RemoteStatus: "",
		RemoteMsg:    "",
		Message:      "",
		Meta:         nil,
		Remediation:  "",
		cause:        nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRecord captures the record id the error pertains to.
func WithRecord(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.RecordID = trimmed
	}
}

// WithRemoteStatus captures the per-item status string reported by the remote.
func WithRemoteStatus(status string) Option {
	trimmed := strings.TrimSpace(status)
	return func(e *E) {
		e.RemoteStatus = trimmed
	}
}

// WithRemoteMessage captures the raw error text reported by the remote.
func WithRemoteMessage(msg string) Option {
	return func(e *E) {
		e.RemoteMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMeta merges the provided metadata into the error envelope.
func WithMeta(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Meta == nil {
			e.Meta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			value := strings.TrimSpace(v)
			e.Meta[key] = value
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Meta == nil {
			e.Meta = make(map[string]string, 1)
		}
		e.Meta[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RecordID != "" {
		parts = append(parts, "record="+e.RecordID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RemoteStatus != "" {
		parts = append(parts, "remote_status="+strconv.Quote(e.RemoteStatus))
	}
	if e.RemoteMsg != "" {
		parts = append(parts, "remote_msg="+strconv.Quote(e.RemoteMsg))
	}
	if len(e.Meta) > 0 {
		keys := make([]string, 0, len(e.Meta))
		for k := range e.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			v := e.Meta[k]
			pairs = append(pairs, k+"="+strconv.Quote(v))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, walking the wrap chain.
// Errors that do not carry an envelope report CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error to the HTTP status the API layer should serve.
// An explicit HTTP value on the envelope wins over the code mapping.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *E
	if errors.As(err, &e) && e != nil && e.HTTP > 0 {
		return e.HTTP
	}
	switch CodeOf(err) {
	case CodeInvalid, CodeIntegrity:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeNetwork, CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeExhausted:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Offline returns a standardized error for an unreachable remote authority.
func Offline(msg string, opts ...Option) *E {
	base := []Option{
		WithMessage(strings.TrimSpace(msg)),
		WithRemediation("retry once connectivity is restored"),
	}
	return New("remote.health", CodeUnavailable, append(base, opts...)...)
}
