/*Package failure provides the error kinds of the service and their mapping
to HTTP responses.

Every request handler either returns its happy-path result or an error that
carries one of the kinds below. Errors without a kind are treated as Internal.
*/
package failure

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
)

// Kind classifies an error
type Kind string

// all error kinds
const (
	Unauthenticated Kind = "unauthenticated"
	InvalidRequest  Kind = "invalid_request"
	NotFound        Kind = "not_found"
	IngestMalformed Kind = "ingest_malformed"
	Conflict        Kind = "conflict"
	Unavailable     Kind = "unavailable"
	Internal        Kind = "internal"
)

// Error is an error with a kind. Message is safe to show to clients, Err is
// the underlying cause and only goes to the logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This makes
// errors.Is(err, failure.New(failure.NotFound, "")) work for any message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a new error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns a new error of the given kind with err as cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err. Errors without a kind are Internal, nil has
// no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind returns true if err is of the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && len(e.Message) > 0 {
		return e.Message
	}
	return "internal error"
}

// Status returns the HTTP status code for kind
func Status(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case InvalidRequest, IngestMalformed:
		return http.StatusBadRequest
	case NotFound, Unavailable:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// Write writes err as JSON error response with the status code of its kind.
func Write(w http.ResponseWriter, err error) {
	WriteMessage(w, Status(KindOf(err)), Message(err))
}

// WriteMessage writes a JSON error response with status and message.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(errorBody{Error: message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
