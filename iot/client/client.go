// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides typed access to the agriwatch REST api

The client either talks HTTP to a running service or directly to the mux
router. The latter is the tool of choice for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/agriwatch/core/access"
	"github.com/relabs-tech/agriwatch/iot/alerts"
)

// Error is returned for every response with an unexpected status code
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0
func StatusOf(err error) int {
	if e, ok := err.(*Error); ok {
		return e.Status
	}
	return 0
}

// Client provides easy access to the REST API.
type Client struct {
	handler    http.Handler
	httpClient *http.Client
	url        string
	token      string
	ctx        context.Context
}

// NewWithRouter creates a client that serves requests through handler,
// usually the api router wrapped with api.Handler
func NewWithRouter(handler http.Handler) Client {
	return Client{handler: handler}
}

// NewWithURL creates a client to make REST requests to the service
func NewWithURL(url string) Client {
	return Client{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithToken returns a new client sending token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Token returns the session token of the client
func (c Client) Token() string {
	return c.token
}

func (c Client) context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Raw sends a request to path and decodes the response into result. Any
// status other than want is returned as *Error. result can be nil or a raw
// *[]byte.
func (c Client) Raw(method, path string, body, result interface{}, want int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	r, err := http.NewRequestWithContext(c.context(), method, c.url+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if len(c.token) > 0 {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	var status int
	var resBody []byte
	if c.handler != nil {
		rec := httptest.NewRecorder()
		c.handler.ServeHTTP(rec, r)
		status = rec.Code
		resBody = rec.Body.Bytes()
	} else {
		res, err := c.httpClient.Do(r)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		status = res.StatusCode
		if resBody, err = io.ReadAll(res.Body); err != nil {
			return err
		}
	}

	if status != want {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resBody, &e) != nil || len(e.Error) == 0 {
			e.Error = strings.TrimSpace(string(resBody))
		}
		return &Error{Status: status, Message: e.Error}
	}
	if result == nil || len(resBody) == 0 {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates a user account
func (c Client) Register(username, password string) (access.Identity, error) {
	var identity access.Identity
	err := c.Raw(http.MethodPost, "/register", credentials{username, password}, &identity, http.StatusCreated)
	return identity, err
}

// Login returns a new client carrying the session token of username
func (c Client) Login(username, password string) (Client, error) {
	var res struct {
		Token string `json:"token"`
	}
	if err := c.Raw(http.MethodPost, "/login", credentials{username, password}, &res, http.StatusOK); err != nil {
		return c, err
	}
	return c.WithToken(res.Token), nil
}

// Logout revokes the session token of the client
func (c Client) Logout() error {
	return c.Raw(http.MethodPost, "/logout", nil, nil, http.StatusOK)
}

// Profile returns the identity behind the session token
func (c Client) Profile() (access.Identity, error) {
	var identity access.Identity
	err := c.Raw(http.MethodGet, "/profile", nil, &identity, http.StatusOK)
	return identity, err
}

// Data returns the latest sensor snapshot
func (c Client) Data() (json.RawMessage, error) {
	var snapshot []byte
	err := c.Raw(http.MethodGet, "/data", nil, &snapshot, http.StatusOK)
	return snapshot, err
}

// ActiveAlerts lists active alerts, newest first. A limit of 0 uses the
// server default.
func (c Client) ActiveAlerts(limit int) ([]alerts.Alert, error) {
	path := "/alerts/active"
	if limit != 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list []alerts.Alert
	err := c.Raw(http.MethodGet, path, nil, &list, http.StatusOK)
	return list, err
}

// AlertHistory lists all alerts, newest first
func (c Client) AlertHistory() ([]alerts.Alert, error) {
	var list []alerts.Alert
	err := c.Raw(http.MethodGet, "/alerts/history", nil, &list, http.StatusOK)
	return list, err
}

// ResolveAlert marks alert id as handled and triggers action on device
func (c Client) ResolveAlert(id int64, action, device string) (alerts.Alert, error) {
	body := struct {
		Action string `json:"action"`
		Device string `json:"device"`
	}{action, device}
	var alert alerts.Alert
	err := c.Raw(http.MethodPut, "/alerts/"+strconv.FormatInt(id, 10), body, &alert, http.StatusOK)
	return alert, err
}

// Health is the health report of the service
type Health struct {
	Status    string `json:"status"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
}

// Health returns the health report
func (c Client) Health() (Health, error) {
	var h Health
	err := c.Raw(http.MethodGet, "/health", nil, &h, http.StatusOK)
	return h, err
}
