package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/browser"
	"github.com/xkilldash9x/pricewatch/internal/browser/challenge"
	"github.com/xkilldash9x/pricewatch/internal/compare"
	"github.com/xkilldash9x/pricewatch/internal/extract"
	"github.com/xkilldash9x/pricewatch/internal/login"
	"github.com/xkilldash9x/pricewatch/internal/service"
	"github.com/xkilldash9x/pricewatch/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 16

// Backend is the subset of the service the API needs.
type Backend interface {
	InitiateLogin(ctx context.Context, label string) (session.Status, error)
	SubmitVerification(ctx context.Context, label, code string) (session.Status, error)
	Status(label string) (session.Status, error)
	Statuses() []service.AccountStatus
	Scrape(ctx context.Context, label, url string) (extract.ScrapedData, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	logger   *zap.Logger
	backend  Backend
	comparer *compare.Comparer
}

// NewHandler creates a new HTTP handler. Comparisons run at most limit
// scrapes at once.
func NewHandler(logger *zap.Logger, backend Backend, limit int) *Handler {
	logger = logger.Named("api")
	return &Handler{
		logger:   logger,
		backend:  backend,
		comparer: compare.New(logger, backend, limit),
	}
}

type verifyRequest struct {
	Code string `json:"code"`
}

type scrapeRequest struct {
	Account string `json:"account"`
	URL     string `json:"url"`
}

type compareRequest struct {
	URL string `json:"url"`
	// Accounts defaults to every logged-in account.
	Accounts []string `json:"accounts,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Login handles POST /accounts/{label}/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.InitiateLogin(r.Context(), mux.Vars(r)["label"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Verify handles POST /accounts/{label}/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	st, err := h.backend.SubmitVerification(r.Context(), mux.Vars(r)["label"], req.Code)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetStatus handles GET /accounts/{label}/status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.Status(mux.Vars(r)["label"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListAccounts handles GET /accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Statuses())
}

// Scrape handles POST /scrape.
func (h *Handler) Scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account is required")
		return
	}
	if err := validateURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	data, err := h.backend.Scrape(r.Context(), req.Account, req.URL)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// Compare handles POST /compare.
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if !decode(w, r, &req) {
		return
	}
	if err := validateURL(req.URL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	labels := req.Accounts
	if len(labels) == 0 {
		for _, st := range h.backend.Statuses() {
			if st.State == session.LoggedIn {
				labels = append(labels, st.Label)
			}
		}
	}
	if len(labels) == 0 {
		writeError(w, http.StatusConflict, "no_active_session", "no account is logged in")
		return
	}
	writeJSON(w, http.StatusOK, h.comparer.Run(r.Context(), req.URL, labels))
}

// fail maps err onto a status code.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request error", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnknownAccount):
		return http.StatusNotFound, "unknown_account"
	case errors.Is(err, session.ErrNoActiveSession):
		return http.StatusConflict, "no_active_session"
	case errors.Is(err, session.ErrSessionExpired):
		return http.StatusConflict, "session_expired"
	case errors.Is(err, login.ErrNoPendingVerification):
		return http.StatusConflict, "no_pending_verification"
	case errors.Is(err, extract.ErrExtractionFailed):
		return http.StatusUnprocessableEntity, "extraction_failed"
	case errors.Is(err, challenge.ErrChallengeTimeout):
		return http.StatusGatewayTimeout, "challenge_timeout"
	case errors.Is(err, browser.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be an absolute http(s) URL")
	}
	return nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
