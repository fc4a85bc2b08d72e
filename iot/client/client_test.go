package client

import (
	"net/http"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var body credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"token":"t0k3n"}`))
	}).Methods(http.MethodPost)
	router.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t0k3n" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Token missing"}`))
			return
		}
		w.Write([]byte(`{"id":7,"username":"alice"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/alerts/active", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		w.Write([]byte(`[{"id":1,"type":"t","message":"m","timestamp":"2024-01-01T00:00:00Z","sensor_data":null,"handled":false}]`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/alerts/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", mux.Vars(r)["id"])
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"id":42,"handled":true}`))
	}).Methods(http.MethodPut)
	router.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}).Methods(http.MethodGet)
	return router
}

func TestClientSession(t *testing.T) {
	c := NewWithRouter(testRouter(t))

	_, err := c.Profile()
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))
	assert.Equal(t, "Token missing", err.(*Error).Message)

	_, err = c.Login("alice", "wrong")
	assert.Equal(t, http.StatusUnauthorized, StatusOf(err))

	session, err := c.Login("alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "t0k3n", session.Token())
	assert.Empty(t, c.Token())

	identity, err := session.Profile()
	require.NoError(t, err)
	assert.Equal(t, int64(7), identity.ID)
	assert.Equal(t, "alice", identity.Username)
}

func TestClientAlerts(t *testing.T) {
	c := NewWithRouter(testRouter(t)).WithToken("t0k3n")

	list, err := c.ActiveAlerts(3)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].ID)

	alert, err := c.ResolveAlert(42, "fan_on", "fan-1")
	require.NoError(t, err)
	assert.True(t, alert.Handled)
}

func TestClientPlainTextError(t *testing.T) {
	_, err := NewWithRouter(testRouter(t)).Data()
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.Equal(t, "boom", err.(*Error).Message)
	assert.Equal(t, 0, StatusOf(nil))
}
