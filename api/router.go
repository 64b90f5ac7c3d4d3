// Package api serves the HTTP shim over the S7 client: typed reads and
// writes addressed by area, DB and offset, plus health and a live event
// stream fed by the poller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"s7link/config"
	"s7link/logging"
	"s7link/poller"
	"s7link/retry"
	"s7link/s7"
)

// Backend provides the shared client and runtime state to the handlers.
type Backend interface {
	Client() *s7.Client
	RetryPolicy() retry.Config
	Health() []poller.Health
}

// ReadResponse is the JSON response for a read.
type ReadResponse struct {
	Success bool        `json:"success"`
	Address string      `json:"address,omitempty"`
	Type    string      `json:"type,omitempty"`
	Value   interface{} `json:"value"`
}

// WriteResponse is the JSON response for a write or control request.
type WriteResponse struct {
	Success bool   `json:"success"`
	Address string `json:"address,omitempty"`
	Type    string `json:"type,omitempty"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	State        string          `json:"state"`
	Address      string          `json:"address"`
	Mode         string          `json:"mode"`
	PDUSize      int             `json:"pdu_size"`
	MaxReadSize  int             `json:"max_read_size"`
	MaxWriteSize int             `json:"max_write_size"`
	WordOrder    string          `json:"word_order"`
	Pollers      []poller.Health `json:"pollers,omitempty"`
}

// requestTimeout bounds one request including retries.
const requestTimeout = 30 * time.Second

type handlers struct {
	backend Backend
	hub     *EventHub
}

// NewRouter creates the HTTP shim router. Writes require basic auth when
// users are configured; hub may be nil to disable /events.
func NewRouter(backend Backend, users []config.WebUser, hub *EventHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	h := &handlers{backend: backend, hub: hub}
	auth := newBasicAuth(users)

	r.Get("/read", h.handleRead)
	r.Get("/health", h.handleHealth)
	if hub != nil {
		r.Get("/events", h.handleEvents)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.requireWriter)
		r.Post("/write", h.handleWrite)
		r.Post("/ctrl", h.handleCtrl)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSONStatus(w, status, ErrorResponse{Success: false, Error: err.Error()})
}

// statusFor maps a client error to an HTTP status.
func statusFor(err error) int {
	var tooLarge *s7.RequestTooLargeError
	var access *s7.AreaAccessError
	switch {
	case errors.Is(err, s7.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case s7.IsConnectionError(err):
		return http.StatusBadGateway
	case errors.As(err, &access):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func (h *handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	params, err := parseReadQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := params.resolve(readDefaults, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	client := h.backend.Client()
	var value *s7.TagValue
	err = retry.Do(ctx, h.backend.RetryPolicy(), func() error {
		v, err := client.Read(addr)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		logging.DebugError("api", "read "+addr.String(), err)
		writeError(w, statusFor(err), err)
		return
	}

	if addr.DataType == s7.TypeBytes && wantsRaw(r) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(value.Bytes)
		return
	}

	writeJSON(w, ReadResponse{
		Success: true,
		Address: addr.String(),
		Type:    value.TypeName(),
		Value:   value.GoValue(),
	})
}

// wantsRaw reports whether a BYTES read should return the bytes unencoded.
func wantsRaw(r *http.Request) bool {
	return r.URL.Query().Get("format") == "raw" || r.Header.Get("Accept") == "application/octet-stream"
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, writeDefaults)
}

func (h *handlers) handleCtrl(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, ctrlDefaults)
}

func (h *handlers) write(w http.ResponseWriter, r *http.Request, defaults accessDefaults) {
	req, err := decodeWriteRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := req.params().resolve(defaults, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sizeForValue(addr, req.Value)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	client := h.backend.Client()
	err = retry.Do(ctx, h.backend.RetryPolicy(), func() error {
		return client.Write(addr, req.Value)
	})
	if err != nil {
		logging.DebugError("api", "write "+addr.String(), err)
		writeError(w, statusFor(err), err)
		return
	}

	logging.DebugLog("api", "%s %s = %v by %s", r.URL.Path, addr, req.Value, r.RemoteAddr)
	writeJSON(w, WriteResponse{Success: true, Address: addr.String(), Type: s7.TypeName(addr.DataType)})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	client := h.backend.Client()
	writeJSON(w, HealthResponse{
		State:        client.State().String(),
		Address:      client.Address(),
		Mode:         client.ConnectionMode(),
		PDUSize:      client.PDUSize(),
		MaxReadSize:  client.MaxReadSize(),
		MaxWriteSize: client.MaxWriteSize(),
		WordOrder:    client.WordOrder().String(),
		Pollers:      h.backend.Health(),
	})
}
