package failure

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, NotFound, KindOf(New(NotFound, "alert not found")))

	wrapped := fmt.Errorf("resolve: %w", New(InvalidRequest, "missing action"))
	assert.Equal(t, InvalidRequest, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, InvalidRequest))
	assert.False(t, IsKind(nil, InvalidRequest))
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(Conflict, "username already exists"))
	assert.True(t, errors.Is(err, New(Conflict, "")))
	assert.False(t, errors.Is(err, New(NotFound, "")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Internal, "failed to fetch alerts", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "failed to fetch alerts", Message(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMessageHidesUntypedErrors(t *testing.T) {
	assert.Equal(t, "internal error", Message(errors.New("pq: password authentication failed")))
}

func TestStatus(t *testing.T) {
	cases := map[Kind]int{
		Unauthenticated: http.StatusUnauthorized,
		InvalidRequest:  http.StatusBadRequest,
		IngestMalformed: http.StatusBadRequest,
		NotFound:        http.StatusNotFound,
		Unavailable:     http.StatusNotFound,
		Conflict:        http.StatusConflict,
		Internal:        http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, Status(kind), kind)
	}
}

func TestWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(Conflict, "username already exists"))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := map[string]string{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "username already exists", body["error"])
}
