// Package handlers serves the read-mostly status API used by taxfiler serve.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/middleware"
	"taxfiler/internal/oauth2"
	"taxfiler/internal/saga"
)

// SagaReader looks up annual return sagas
type SagaReader interface {
	Get(ctx context.Context, sagaID string) (*saga.Saga, error)
	List(ctx context.Context, taxpayerID string) ([]*saga.Saga, error)
}

// ConnectionService reports and ends the authority connection
type ConnectionService interface {
	Status(ctx context.Context) (oauth2.Status, error)
	Disconnect(ctx context.Context) error
}

// ProfileSource supplies the taxpayer the API answers for
type ProfileSource interface {
	TaxpayerID(ctx context.Context) (string, error)
}

// Pinger checks the database
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	sagas   SagaReader
	conn    ConnectionService
	profile ProfileSource
	db      Pinger
	logger  logging.Logger
}

func New(sagas SagaReader, conn ConnectionService, profile ProfileSource, db Pinger) *Handlers {
	return &Handlers{
		sagas:   sagas,
		conn:    conn,
		profile: profile,
		db:      db,
		logger:  logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "api"}),
	}
}

// Router builds the API routes
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.LoggingMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/connection", h.GetConnection).Methods(http.MethodGet)
	api.HandleFunc("/connection/disconnect", h.Disconnect).Methods(http.MethodPost)
	api.HandleFunc("/sagas", h.ListSagas).Methods(http.MethodGet)
	api.HandleFunc("/sagas/{id}", h.GetSaga).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.NotFoundError("route "+r.URL.Path))
	})
	return r
}

// Health reports whether the database answers
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "database": "ok"}
	code := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		h.logger.WithContext(r.Context()).Warn("Health check failed", logging.Err(err))
		status["status"] = "degraded"
		status["database"] = "error"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// GetConnection returns the derived connection state
func (h *Handlers) GetConnection(w http.ResponseWriter, r *http.Request) {
	st, err := h.conn.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Disconnect clears the stored credentials
func (h *Handlers) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.conn.Disconnect(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.logger.WithContext(r.Context()).Info("Disconnected from the authority")
	writeJSON(w, http.StatusOK, map[string]string{"state": string(oauth2.StateNotConnected)})
}

// ListSagas returns the profile taxpayer's sagas, newest first, optionally
// narrowed by ?tax_year=
func (h *Handlers) ListSagas(w http.ResponseWriter, r *http.Request) {
	nino, err := h.taxpayer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	sagas, err := h.sagas.List(r.Context(), nino)
	if err != nil {
		writeError(w, err)
		return
	}

	taxYear := r.URL.Query().Get("tax_year")
	out := make([]*saga.Saga, 0, len(sagas))
	for _, s := range sagas {
		if taxYear == "" || s.TaxYear == taxYear {
			out = append(out, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sagas": out})
}

// GetSaga returns one saga belonging to the profile taxpayer
func (h *Handlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	nino, err := h.taxpayer(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	s, err := h.sagas.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.TaxpayerID != nino {
		writeError(w, errors.NotFoundError("saga "+id))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) taxpayer(ctx context.Context) (string, error) {
	nino, err := h.profile.TaxpayerID(ctx)
	if err != nil {
		return "", err
	}
	if nino == "" {
		return "", errors.New(errors.KindNINORequired, "national insurance number is not set")
	}
	return nino, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = string(errors.KindOf(err))
	if appErr, ok := errors.As(err); ok {
		body.Error.Message = appErr.Message
	} else {
		body.Error.Message = "internal error"
	}
	writeJSON(w, StatusFor(err), body)
}

// StatusFor maps an error kind to an HTTP status
func StatusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindNINORequired, errors.KindBusinessIDRequired:
		return http.StatusBadRequest
	case errors.KindNotConnected, errors.KindTokenExpired, errors.KindRefreshFailed,
		errors.KindSessionExpired, errors.KindAuthRejected, errors.KindAuthFailed:
		return http.StatusUnauthorized
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInvalidState, errors.KindVersionConflict, errors.KindDuplicate,
		errors.KindSagaCompleted, errors.KindConfirmationRequired, errors.KindAuthInProgress:
		return http.StatusConflict
	case errors.KindAuthorityRejected:
		return http.StatusUnprocessableEntity
	case errors.KindAuthorityUnavailable, errors.KindConnection:
		return http.StatusServiceUnavailable
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
