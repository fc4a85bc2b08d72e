/*Package api is the HTTP interface of the service.

Public routes:

	POST /register       {username,password} -> 201 {id,username}
	POST /login          {username,password} -> {token}
	GET  /health         -> {status,transport,connected}

Routes that require an "Authorization: Bearer" session token:

	POST /logout         -> {message}
	GET  /profile        -> {id,username}
	GET  /data           -> latest sensor snapshot
	GET  /alerts/active  ?limit=1..100, default 10
	GET  /alerts/history
	PUT  /alerts/{id}    {action,device} -> resolved alert

Errors are returned as {"error": "..."}.
*/
package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/agriwatch/core/access"
	"github.com/relabs-tech/agriwatch/core/failure"
	"github.com/relabs-tech/agriwatch/core/logger"
	"github.com/relabs-tech/agriwatch/iot/alerts"
)

// maxBodySize limits request bodies
const maxBodySize = 1 << 20

// Credentials registers and verifies users
type Credentials interface {
	Register(ctx context.Context, username, password string) (access.Identity, error)
	Authenticate(ctx context.Context, username, password string) (access.Identity, error)
	Lookup(ctx context.Context, id int64) (access.Identity, error)
}

// Telemetry returns the latest sensor snapshot
type Telemetry interface {
	Get() (json.RawMessage, error)
}

// Alerts lists and resolves alerts
type Alerts interface {
	ListActive(ctx context.Context, limit int) ([]alerts.Alert, error)
	ListHistory(ctx context.Context) ([]alerts.Alert, error)
	Resolve(ctx context.Context, id int64, action, device string, operator access.Identity) (alerts.Alert, error)
}

// TransportStatus reports the state of the messaging transport
type TransportStatus interface {
	Name() string
	Connected() bool
}

// API is the HTTP interface
type API struct {
	authority   *access.Authority
	credentials Credentials
	telemetry   Telemetry
	alerts      Alerts
	transport   TransportStatus
}

// Builder is a builder helper for the API
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Authority issues and verifies session tokens. This is mandatory.
	Authority *access.Authority
	// Credentials is the user store. This is mandatory.
	Credentials Credentials
	// Telemetry is the snapshot cache. This is mandatory.
	Telemetry Telemetry
	// Alerts is the alert pipeline. This is mandatory.
	Alerts Alerts
	// Transport is optional and reported by the health route.
	Transport TransportStatus
}

// NewAPI adds the routes to the router and returns the API
func NewAPI(b *Builder) *API {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Authority == nil {
		panic("Authority is missing")
	}
	if b.Credentials == nil {
		panic("Credentials are missing")
	}
	if b.Telemetry == nil {
		panic("Telemetry is missing")
	}
	if b.Alerts == nil {
		panic("Alerts are missing")
	}
	a := &API{
		authority:   b.Authority,
		credentials: b.Credentials,
		telemetry:   b.Telemetry,
		alerts:      b.Alerts,
		transport:   b.Transport,
	}
	logger.AddRequestID(b.Router)
	a.handleRoutes(b.Router)
	return a
}

// Handler wraps h with panic recovery, CORS and response compression
func Handler(h http.Handler) http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "ngrok-skip-browser-warning"}),
		handlers.AllowCredentials(),
	)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(logger.Default()))(cors(handlers.CompressHandler(h)))
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /register POST")
	rlog.Debugln("api: handle route /login POST")
	rlog.Debugln("api: handle route /logout POST")
	rlog.Debugln("api: handle route /profile GET")
	rlog.Debugln("api: handle route /data GET")
	rlog.Debugln("api: handle route /alerts/active GET")
	rlog.Debugln("api: handle route /alerts/history GET")
	rlog.Debugln("api: handle route /alerts/{id} PUT")
	rlog.Debugln("api: handle route /health GET")

	auth := access.NewSessionMiddleware(a.authority)

	router.HandleFunc("/register", a.register).Methods(http.MethodPost)
	router.HandleFunc("/login", a.login).Methods(http.MethodPost)
	router.HandleFunc("/health", a.health).Methods(http.MethodGet)
	router.Handle("/logout", auth(http.HandlerFunc(a.logout))).Methods(http.MethodPost)
	router.Handle("/profile", auth(http.HandlerFunc(a.profile))).Methods(http.MethodGet)
	router.Handle("/data", auth(http.HandlerFunc(a.data))).Methods(http.MethodGet)
	router.Handle("/alerts/active", auth(http.HandlerFunc(a.activeAlerts))).Methods(http.MethodGet)
	router.Handle("/alerts/history", auth(http.HandlerFunc(a.alertHistory))).Methods(http.MethodGet)
	router.Handle("/alerts/{id}", auth(http.HandlerFunc(a.resolveAlert))).Methods(http.MethodPut)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		failure.Write(w, failure.Wrap(failure.Internal, "", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// fail logs err and writes the error response
func fail(w http.ResponseWriter, r *http.Request, err error) {
	rlog := logger.FromContext(r.Context())
	if failure.Status(failure.KindOf(err)) >= http.StatusInternalServerError {
		rlog.WithError(err).Errorln("request failed:", r.Method, r.URL.Path)
	} else {
		rlog.WithError(err).Debugln("request rejected:", r.Method, r.URL.Path)
	}
	failure.Write(w, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return failure.Wrap(failure.InvalidRequest, "Invalid request body", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return failure.Wrap(failure.InvalidRequest, "Invalid request body", err)
	}
	return nil
}

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(w, r, &body); err != nil {
		fail(w, r, err)
		return
	}
	identity, err := a.credentials.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("user registered:", identity.Username)
	writeJSON(w, http.StatusCreated, identity)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	var body credentialsBody
	if err := decodeBody(w, r, &body); err != nil {
		fail(w, r, err)
		return
	}
	identity, err := a.credentials.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		if failure.IsKind(err, failure.Unauthenticated) {
			rlog.Warnln("login failed for user:", body.Username)
		}
		fail(w, r, err)
		return
	}
	token, _, err := a.authority.Issue(identity)
	if err != nil {
		fail(w, r, err)
		return
	}
	rlog.Infoln("login success for user:", identity.Username)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	identity, _ := access.IdentityFromContext(r.Context())
	if err := a.authority.Revoke(r.Context(), access.TokenFromContext(r.Context())); err != nil {
		fail(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Infoln("user logged out:", identity.Username)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully logged out"})
}

func (a *API) profile(w http.ResponseWriter, r *http.Request) {
	identity, _ := access.IdentityFromContext(r.Context())
	profile, err := a.credentials.Lookup(r.Context(), identity.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (a *API) data(w http.ResponseWriter, r *http.Request) {
	snapshot, err := a.telemetry.Get()
	if err != nil {
		logger.FromContext(r.Context()).Warnln("no sensor data available")
		fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(snapshot)
}

func (a *API) activeAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); len(s) > 0 {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			fail(w, r, failure.New(failure.InvalidRequest, "limit must be between 1 and 100"))
			return
		}
		limit = n
	}
	list, err := a.alerts.ListActive(r.Context(), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) alertHistory(w http.ResponseWriter, r *http.Request) {
	list, err := a.alerts.ListHistory(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type resolveBody struct {
	Action string `json:"action"`
	Device string `json:"device"`
}

func (a *API) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		fail(w, r, failure.Wrap(failure.InvalidRequest, "Invalid alert id", err))
		return
	}
	var body resolveBody
	if err := decodeBody(w, r, &body); err != nil {
		fail(w, r, err)
		return
	}
	identity, _ := access.IdentityFromContext(r.Context())
	alert, err := a.alerts.Resolve(r.Context(), id, body.Action, body.Device, identity)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type healthBody struct {
	Status    string `json:"status"`
	Transport string `json:"transport,omitempty"`
	Connected bool   `json:"connected"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	body := healthBody{Status: "ok"}
	if a.transport != nil {
		body.Transport = a.transport.Name()
		body.Connected = a.transport.Connected()
		if !body.Connected {
			body.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}
