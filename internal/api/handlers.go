package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/skillscan/skillscan/internal/access"
	"github.com/skillscan/skillscan/internal/auth"
	"github.com/skillscan/skillscan/internal/fetcher"
	"github.com/skillscan/skillscan/internal/ledger"
	"github.com/skillscan/skillscan/internal/models"
	"github.com/skillscan/skillscan/internal/payments"
	"github.com/skillscan/skillscan/internal/scanner"
	"github.com/skillscan/skillscan/internal/service"
	"github.com/skillscan/skillscan/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillscan_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skillscan_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"method", "endpoint"})

	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillscan_scans_total",
		Help: "Scan submissions by outcome",
	}, []string{"outcome"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skillscan_settlements_total",
		Help: "Entitlement settlements by result",
	}, []string{"result"})
)

// Submitter is the orchestration surface the handlers call.
type Submitter interface {
	SubmitUpload(ctx context.Context, viewer *uuid.UUID, filename string, payload []byte) (*service.SubmitResult, error)
	SubmitRepository(ctx context.Context, viewer *uuid.UUID, rawURL string) (*service.SubmitResult, error)
	Claim(ctx context.Context, accountID, scanID uuid.UUID) (bool, error)
}

// ScanReader is the read/mutate persistence surface the handlers call.
type ScanReader interface {
	GetScan(ctx context.Context, id uuid.UUID) (*models.Scan, error)
	GetFindings(ctx context.Context, scanID uuid.UUID) ([]models.Finding, error)
	ListScansByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Scan, error)
	SetScanPublic(ctx context.Context, scanID, ownerID uuid.UUID, isPublic bool) error
	DeleteScan(ctx context.Context, scanID, ownerID uuid.UUID) error
	ListEntries(ctx context.Context, accountID uuid.UUID) ([]models.LedgerEntry, error)
}

// EventReconciler consumes payment notifications.
type EventReconciler interface {
	HandleEvent(ctx context.Context, payload []byte, sigHeader string) error
}

// SkillDetector locates scannable skills inside a repository.
type SkillDetector interface {
	DetectSkills(ctx context.Context, repo fetcher.Repo) ([]fetcher.Skill, error)
}

type Handler struct {
	submitter  Submitter
	scans      ScanReader
	reconciler EventReconciler
	detector   SkillDetector
}

func NewHandler(sub Submitter, scans ScanReader, rec EventReconciler, det SkillDetector) *Handler {
	return &Handler{submitter: sub, scans: scans, reconciler: rec, detector: det}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// SubmitUploadHandler runs a scan over an uploaded file.
// POST /api/v1/scans (multipart, anonymous allowed)
func (h *Handler) SubmitUploadHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/scans"))
	defer timer.ObserveDuration()

	if r.ContentLength > service.MaxUploadBytes {
		respondWithError(w, http.StatusBadRequest, "This file exceeds the 25MB upload limit.", "POST", "/scans")
		return
	}

	// Slack over the limit so the orchestrator can report too-large itself.
	r.Body = http.MaxBytesReader(w, r.Body, service.MaxUploadBytes+1024*1024)
	if err := r.ParseMultipartForm(service.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusBadRequest, "This file exceeds the 25MB upload limit.", "POST", "/scans")
			return
		}
		respondWithError(w, http.StatusBadRequest, "Malformed multipart body", "POST", "/scans")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "No file provided", "POST", "/scans")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Stream read error", "POST", "/scans")
		return
	}

	result, err := h.submitter.SubmitUpload(r.Context(), viewerPtr(r), header.Filename, payload)
	if err != nil {
		h.respondSubmitError(w, err, "POST", "/scans")
		return
	}
	h.respondSubmitResult(w, result, "POST", "/scans")
}

// SubmitRepositoryHandler fetches a repository and scans its archive.
// POST /api/v1/scans/github {url} (anonymous allowed)
func (h *Handler) SubmitRepositoryHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/scans/github"))
	defer timer.ObserveDuration()

	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		respondWithError(w, http.StatusBadRequest, "No URL provided", "POST", "/scans/github")
		return
	}

	result, err := h.submitter.SubmitRepository(r.Context(), viewerPtr(r), req.URL)
	if err != nil {
		h.respondSubmitError(w, err, "POST", "/scans/github")
		return
	}
	h.respondSubmitResult(w, result, "POST", "/scans/github")
}

// DetectSkillsHandler lists SKILL.md locations inside a repository.
// POST /api/v1/scans/github/detect {url}
func (h *Handler) DetectSkillsHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		respondWithError(w, http.StatusBadRequest, "No URL provided", "POST", "/scans/github/detect")
		return
	}

	repo, err := fetcher.ParseURL(req.URL)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid GitHub URL.", "POST", "/scans/github/detect")
		return
	}

	skills, err := h.detector.DetectSkills(r.Context(), repo)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to search repository.", "POST", "/scans/github/detect")
		return
	}

	resp := map[string]interface{}{"skills": skills}
	if len(skills) == 0 {
		resp["skills"] = []fetcher.Skill{}
		resp["message"] = "No skills found in this repository. We looked for SKILL.md files but couldn't find any."
	}
	respondWithJSON(w, http.StatusOK, resp, "POST", "/scans/github/detect")
}

// GetScanHandler returns a scan per the access rules: the full record for
// allowed viewers, a redacted summary behind an auth wall for unclaimed
// scans, and not-found for everything else, denials included, so private
// scans don't reveal their existence.
// GET /api/v1/scans/{id}
func (h *Handler) GetScanHandler(w http.ResponseWriter, r *http.Request) {
	scanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Scan not found", "GET", "/scans/{id}")
		return
	}

	scan, err := h.scans.GetScan(r.Context(), scanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Scan not found", "GET", "/scans/{id}")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/scans/{id}")
		return
	}

	var viewer *uuid.UUID
	if id, ok := auth.ViewerFrom(r.Context()); ok {
		viewer = &id
	}

	switch access.Resolve(viewer, scan) {
	case access.Allow:
		findings, err := h.scans.GetFindings(r.Context(), scanID)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/scans/{id}")
			return
		}
		if findings == nil {
			findings = []models.Finding{}
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"scan":     scan,
			"findings": findings,
		}, "GET", "/scans/{id}")
	case access.RequireAuth:
		respondWithJSON(w, http.StatusForbidden, map[string]interface{}{
			"requires_auth": true,
			"scan":          scan.Redacted(),
		}, "GET", "/scans/{id}")
	default:
		respondWithError(w, http.StatusNotFound, "Scan not found", "GET", "/scans/{id}")
	}
}

// ListScansHandler returns the caller's scans, newest first.
// GET /api/v1/scans (auth required)
func (h *Handler) ListScansHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := auth.ViewerFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized", "GET", "/scans")
		return
	}

	scans, err := h.scans.ListScansByOwner(r.Context(), viewer)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/scans")
		return
	}
	if scans == nil {
		scans = []models.Scan{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"scans": scans}, "GET", "/scans")
}

// UpdateScanHandler toggles visibility. Owner-only; is_public is the only
// mutable field.
// PATCH /api/v1/scans/{id} {is_public}
func (h *Handler) UpdateScanHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := auth.ViewerFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized", "PATCH", "/scans/{id}")
		return
	}
	scanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Scan not found", "PATCH", "/scans/{id}")
		return
	}

	var req struct {
		IsPublic *bool `json:"is_public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsPublic == nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "PATCH", "/scans/{id}")
		return
	}

	if err := h.scans.SetScanPublic(r.Context(), scanID, viewer, *req.IsPublic); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Scan not found", "PATCH", "/scans/{id}")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to update scan", "PATCH", "/scans/{id}")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true}, "PATCH", "/scans/{id}")
}

// DeleteScanHandler removes an owned scan and its findings.
// DELETE /api/v1/scans/{id}
func (h *Handler) DeleteScanHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := auth.ViewerFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized", "DELETE", "/scans/{id}")
		return
	}
	scanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Scan not found", "DELETE", "/scans/{id}")
		return
	}

	if err := h.scans.DeleteScan(r.Context(), scanID, viewer); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Scan not found", "DELETE", "/scans/{id}")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to delete scan", "DELETE", "/scans/{id}")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true}, "DELETE", "/scans/{id}")
}

// ClaimScanHandler transfers an unclaimed scan to the caller and runs the
// deferred settlement. A second claim is a conflict, not a hard failure.
// POST /api/v1/scans/claim {scan_id}
func (h *Handler) ClaimScanHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := auth.ViewerFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized", "POST", "/scans/claim")
		return
	}

	var req struct {
		ScanID string `json:"scan_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ScanID == "" {
		respondWithError(w, http.StatusBadRequest, "No scan_id provided", "POST", "/scans/claim")
		return
	}
	scanID, err := uuid.Parse(req.ScanID)
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Scan not found", "POST", "/scans/claim")
		return
	}

	settled, err := h.submitter.Claim(r.Context(), viewer, scanID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyClaimed):
			respondWithError(w, http.StatusConflict, "Scan already claimed", "POST", "/scans/claim")
		case errors.Is(err, store.ErrNotFound):
			respondWithError(w, http.StatusNotFound, "Scan not found", "POST", "/scans/claim")
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to claim scan", "POST", "/scans/claim")
		}
		return
	}

	recordSettlement(settled)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"scan_id": scanID,
		"settled": settled,
	}, "POST", "/scans/claim")
}

// ListEntriesHandler returns the caller's append-only ledger entries.
// GET /api/v1/accounts/me/entries
func (h *Handler) ListEntriesHandler(w http.ResponseWriter, r *http.Request) {
	viewer, ok := auth.ViewerFrom(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized", "GET", "/accounts/me/entries")
		return
	}

	entries, err := h.scans.ListEntries(r.Context(), viewer)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/accounts/me/entries")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"entries": entries}, "GET", "/accounts/me/entries")
}

// PaymentWebhookHandler consumes signed payment notifications. Replays are
// acknowledged so the processor stops retrying; unverifiable or malformed
// events are rejected without touching state.
// POST /api/v1/webhooks/payment
func (h *Handler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable payload", "POST", "/webhooks/payment")
		return
	}
	sig := r.Header.Get("X-Payment-Signature")
	if sig == "" {
		respondWithError(w, http.StatusBadRequest, "Missing signature", "POST", "/webhooks/payment")
		return
	}

	err = h.reconciler.HandleEvent(r.Context(), payload, sig)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true}, "POST", "/webhooks/payment")
	case errors.Is(err, ledger.ErrDuplicateExternalRef):
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true, "duplicate": true}, "POST", "/webhooks/payment")
	case errors.Is(err, payments.ErrBadSignature):
		respondWithError(w, http.StatusBadRequest, "Invalid signature", "POST", "/webhooks/payment")
	case errors.Is(err, payments.ErrMalformed), errors.Is(err, ledger.ErrAccountNotFound):
		respondWithError(w, http.StatusBadRequest, "Malformed notification", "POST", "/webhooks/payment")
	default:
		slog.Error("payment reconciliation failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", "POST", "/webhooks/payment")
	}
}

// respondSubmitResult renders a completed or duplicate submission.
func (h *Handler) respondSubmitResult(w http.ResponseWriter, result *service.SubmitResult, method, endpoint string) {
	if result.Duplicate {
		scansTotal.WithLabelValues("duplicate").Inc()
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"duplicate":     true,
			"existing_scan": result.Scan.Redacted(),
			"message":       result.Message,
		}, method, endpoint)
		return
	}

	scansTotal.WithLabelValues("completed").Inc()
	if result.Scan.OwnerID != nil {
		recordSettlement(result.Settled)
	}
	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"scan_id":     result.Scan.ID,
		"status":      "complete",
		"trust_label": result.Scan.TrustLabel,
		"skill_name":  result.Scan.SkillName,
	}, method, endpoint)
}

// respondSubmitError maps orchestrator failures onto the error taxonomy:
// validation 400, stale session 401, ineligible 402, fetcher failures
// 404/429/502, analyzer unavailable 503, analyzer timeout 504.
func (h *Handler) respondSubmitError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, service.ErrFileTooLarge):
		respondWithError(w, http.StatusBadRequest, "This file exceeds the 25MB upload limit.", method, endpoint)
	case errors.Is(err, service.ErrBadExtension):
		respondWithError(w, http.StatusBadRequest, "Please upload a .zip or .skill file.", method, endpoint)
	case errors.Is(err, service.ErrEmptyPayload):
		respondWithError(w, http.StatusBadRequest, "No file provided", method, endpoint)
	case errors.Is(err, fetcher.ErrInvalidURL):
		respondWithError(w, http.StatusBadRequest, "We couldn't access this repository. Make sure the URL is correct and the repository is public.", method, endpoint)
	case errors.Is(err, service.ErrIneligible):
		scansTotal.WithLabelValues("ineligible").Inc()
		respondWithError(w, http.StatusPaymentRequired, "You're out of scans. Buy credits or wait for your free monthly scan.", method, endpoint)
	case errors.Is(err, ledger.ErrAccountNotFound):
		// Valid token, vanished account: the session is stale, not the server.
		respondWithError(w, http.StatusUnauthorized, "Your account could not be found. Please sign in again.", method, endpoint)
	case errors.Is(err, fetcher.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "We couldn't access this repository. Make sure the URL is correct and the repository is public.", method, endpoint)
	case errors.Is(err, fetcher.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "We're temporarily unable to fetch GitHub repositories. Please try uploading the skill as a ZIP file instead.", method, endpoint)
	case errors.Is(err, fetcher.ErrUnavailable):
		respondWithError(w, http.StatusBadGateway, "Failed to fetch repository.", method, endpoint)
	case errors.Is(err, scanner.ErrTimeout):
		scansTotal.WithLabelValues("timeout").Inc()
		respondWithError(w, http.StatusGatewayTimeout, "The scan timed out. This can happen with very large skills. Please try again.", method, endpoint)
	case errors.Is(err, scanner.ErrUnavailable):
		scansTotal.WithLabelValues("failed").Inc()
		respondWithError(w, http.StatusServiceUnavailable, "Our scanning engine is temporarily unavailable. Please try again in a few minutes.", method, endpoint)
	default:
		scansTotal.WithLabelValues("failed").Inc()
		slog.Error("scan submission failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "An unexpected error occurred. Please try again.", method, endpoint)
	}
}

func recordSettlement(settled bool) {
	if settled {
		settlementsTotal.WithLabelValues("settled").Inc()
	} else {
		settlementsTotal.WithLabelValues("skipped").Inc()
	}
}

func viewerPtr(r *http.Request) *uuid.UUID {
	if id, ok := auth.ViewerFrom(r.Context()); ok {
		return &id
	}
	return nil
}

func respondWithError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondWithJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
