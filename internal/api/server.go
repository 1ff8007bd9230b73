// Package api exposes the account operations over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter configures all HTTP routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/accounts", h.ListAccounts).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{label}/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{label}/verify", h.Verify).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{label}/status", h.GetStatus).Methods(http.MethodGet)

	r.HandleFunc("/scrape", h.Scrape).Methods(http.MethodPost)
	r.HandleFunc("/compare", h.Compare).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Use(requestLogger(h.logger))
	return r
}

// NewServer returns an http.Server for handler. Writes are not bounded: a
// scrape may legitimately wait minutes for the challenge.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *http.Server {
	errorLog, err := zap.NewStdLogAt(logger.Named("http"), zap.WarnLevel)
	if err != nil {
		errorLog = nil
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          errorLog,
	}
}
