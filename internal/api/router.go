package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skillscan/skillscan/internal/auth"
)

// NewRouter wires the HTTP surface. The auth middleware runs on the API
// subrouter only: it resolves a viewer from an optional bearer token and
// rejects tokens that fail verification, while /health, /metrics, and the
// payment webhook stay token-free.
func NewRouter(h *Handler, issuer *auth.TokenIssuer) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/webhooks/payment", h.PaymentWebhookHandler).Methods(http.MethodPost)

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(issuer.Middleware)
	authed.HandleFunc("/scans", h.SubmitUploadHandler).Methods(http.MethodPost)
	authed.HandleFunc("/scans", h.ListScansHandler).Methods(http.MethodGet)
	authed.HandleFunc("/scans/github", h.SubmitRepositoryHandler).Methods(http.MethodPost)
	authed.HandleFunc("/scans/github/detect", h.DetectSkillsHandler).Methods(http.MethodPost)
	authed.HandleFunc("/scans/claim", h.ClaimScanHandler).Methods(http.MethodPost)
	authed.HandleFunc("/scans/{id}", h.GetScanHandler).Methods(http.MethodGet)
	authed.HandleFunc("/scans/{id}", h.UpdateScanHandler).Methods(http.MethodPatch)
	authed.HandleFunc("/scans/{id}", h.DeleteScanHandler).Methods(http.MethodDelete)
	authed.HandleFunc("/accounts/me/entries", h.ListEntriesHandler).Methods(http.MethodGet)

	return r
}
