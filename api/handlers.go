/*
handlers.go - HTTP API handlers for the welfare benefit ledger

PURPOSE:
  Exposes purchase recording, balance queries and the background jobs via
  REST. Handles HTTP request/response and JSON, and delegates to the ledger.

ENDPOINTS:
  Consumptions:
    POST   /api/consumptions           Record a purchase (JSON or multipart)
    GET    /api/consumptions           List (familyId, storeId, from, to,
                                       includeDeleted, limit)
    GET    /api/consumptions/{id}      Get one
    DELETE /api/consumptions/{id}      Soft delete (deletedBy + reason)

  Families:
    GET    /api/families/{id}/balance  Remaining balance, shape per model

  Jobs:
    GET    /api/jobs                   Registered jobs and next run
    POST   /api/jobs/{name}/run        Run a job now (same single-flight guard)
    GET    /api/jobs/runs              Run history (job, limit)

MULTIPART PURCHASES:
  Form fields familyId, storeId, value, receiptId, createdBy and products
  (a JSON array of {productId, amount}), plus an optional "image" file.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Family, consumption, product or job not found
  - 409: Family deactivated, already deleted, job already running
  - 415: Unsupported receipt image type
  - 422: Overdraft (body carries available and requested)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/welfare-ledger/jobs"
	"github.com/warp/welfare-ledger/ledger"
	"github.com/warp/welfare-ledger/upload"
)

const (
	defaultMaxUpload = 10 << 20
	defaultRunLimit  = 50
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Ledger
	Recorder  *ledger.Recorder
	Scheduler *jobs.Scheduler // optional
	Logger    logrus.FieldLogger

	// MaxUploadBytes caps multipart request bodies.
	MaxUploadBytes int64

	// Health reports store reachability for /healthz. Optional.
	Health func(ctx context.Context) error
}

// NewHandler creates a handler around the recorder's ledger.
func NewHandler(rec *ledger.Recorder, scheduler *jobs.Scheduler, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Ledger:         rec.Ledger,
		Recorder:       rec,
		Scheduler:      scheduler,
		Logger:         logger,
		MaxUploadBytes: defaultMaxUpload,
	}
}

// =============================================================================
// CONSUMPTION HANDLERS
// =============================================================================

// CreateConsumption records a purchase: 201 when created, 200 when the
// receipt was already recorded.
func (h *Handler) CreateConsumption(w http.ResponseWriter, r *http.Request) {
	var (
		req ledger.RecordRequest
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var cleanup func()
		req, cleanup, err = h.parseMultipart(w, r)
		if cleanup != nil {
			defer cleanup()
		}
	} else {
		var body CreateConsumptionRequest
		if err = json.NewDecoder(r.Body).Decode(&body); err == nil {
			req.SpendRequest = body.toSpend()
		}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.FamilyID <= 0 {
		writeError(w, http.StatusBadRequest, "familyId is required", nil)
		return
	}

	c, created, err := h.Recorder.Record(r.Context(), req)
	if err != nil {
		h.writeLedgerError(w, "Failed to record consumption", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toConsumptionDTO(c))
}

func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request) (ledger.RecordRequest, func(), error) {
	var req ledger.RecordRequest

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload())
	if err := r.ParseMultipartForm(h.maxUpload()); err != nil {
		return req, nil, err
	}
	cleanup := func() { r.MultipartForm.RemoveAll() }

	familyID, err := strconv.ParseInt(r.FormValue("familyId"), 10, 64)
	if err != nil {
		return req, cleanup, fmt.Errorf("familyId: %w", err)
	}
	req.FamilyID = ledger.FamilyID(familyID)

	if s := r.FormValue("storeId"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return req, cleanup, fmt.Errorf("storeId: %w", err)
		}
		storeID := ledger.StoreID(id)
		req.StoreID = &storeID
	}
	if s := r.FormValue("value"); s != "" {
		v, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1))
		if err != nil {
			return req, cleanup, fmt.Errorf("value: %w", err)
		}
		req.Value = v
	}
	if s := r.FormValue("products"); s != "" {
		if err := json.Unmarshal([]byte(s), &req.Products); err != nil {
			return req, cleanup, fmt.Errorf("products: %w", err)
		}
	}
	req.ReceiptID = r.FormValue("receiptId")
	req.CreatedBy = r.FormValue("createdBy")

	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return req, cleanup, fmt.Errorf("image: %w", err)
	default:
		req.Image = &ledger.Image{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Body:        file,
		}
		cleanup = func() {
			file.Close()
			r.MultipartForm.RemoveAll()
		}
	}
	return req, cleanup, nil
}

// ListConsumptions returns consumptions matching the query filters.
func (h *Handler) ListConsumptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ledger.ConsumptionFilter

	if s := q.Get("familyId"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid familyId", err)
			return
		}
		filter.FamilyID = ledger.FamilyID(id)
	}
	if s := q.Get("storeId"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid storeId", err)
			return
		}
		filter.StoreID = ledger.StoreID(id)
	}

	var err error
	if filter.From, err = h.parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from (use YYYY-MM-DD or RFC 3339)", err)
		return
	}
	if filter.To, err = h.parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to (use YYYY-MM-DD or RFC 3339)", err)
		return
	}
	filter.IncludeDeleted = q.Get("includeDeleted") == "true"
	if s := q.Get("limit"); s != "" {
		if filter.Limit, err = strconv.Atoi(s); err != nil || filter.Limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
	}

	consumptions, err := h.Ledger.Store.ListConsumptions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list consumptions", err)
		return
	}

	dtos := make([]ConsumptionDTO, len(consumptions))
	for i, c := range consumptions {
		dtos[i] = toConsumptionDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetConsumption returns one consumption, deleted ones included.
func (h *Handler) GetConsumption(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Ledger.Store.GetConsumption(r.Context(), ledger.ConsumptionID(id))
	if err != nil {
		h.writeLedgerError(w, "Failed to get consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumptionDTO(c))
}

// DeleteConsumption voids a consumption. It stays readable for audit.
func (h *Handler) DeleteConsumption(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req DeleteConsumptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cid := ledger.ConsumptionID(id)
	if err := h.Ledger.Void(r.Context(), cid, req.DeletedBy, req.Reason); err != nil {
		h.writeLedgerError(w, "Failed to delete consumption", err)
		return
	}
	h.Logger.WithFields(logrus.Fields{
		"consumption_id": cid,
		"deleted_by":     req.DeletedBy,
	}).Info("consumption voided")

	c, err := h.Ledger.Store.GetConsumption(r.Context(), cid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumptionDTO(c))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance returns the family's remaining balance for the current month.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	b, err := h.Ledger.Balance(r.Context(), ledger.FamilyID(id))
	if err != nil {
		h.writeLedgerError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// ListJobs returns the registered jobs with their next scheduled run.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, []JobDTO{})
		return
	}
	names := h.Scheduler.Jobs()
	dtos := make([]JobDTO, len(names))
	for i, name := range names {
		dtos[i] = JobDTO{Name: name}
		if next, err := h.Scheduler.NextRun(name); err == nil && !next.IsZero() {
			dtos[i].NextRun = formatTimePtr(&next)
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerJob runs a job now. A run that executed is returned with 200 even
// when it failed; its status says so.
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Jobs are disabled", nil)
		return
	}
	name := chi.URLParam(r, "name")

	run, err := h.Scheduler.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, jobs.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "Job not found", err)
		return
	case errors.Is(err, jobs.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "Job is already running", err)
		return
	case err != nil && run.ID == "":
		writeError(w, http.StatusInternalServerError, "Failed to run job", err)
		return
	}
	writeJSON(w, http.StatusOK, toJobRunDTO(run))
}

// ListJobRuns returns run history, newest first.
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeJSON(w, http.StatusOK, []JobRunDTO{})
		return
	}
	limit := defaultRunLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Scheduler.History(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list job runs", err)
		return
	}
	dtos := make([]JobRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toJobRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps ledger errors to HTTP status codes.
func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	var overdraft *ledger.OverdraftError
	switch {
	case errors.As(err, &overdraft):
		writeJSON(w, http.StatusUnprocessableEntity, OverdraftResponse{
			ErrorResponse: ErrorResponse{Error: "Insufficient balance", Details: err.Error()},
			Available:     overdraft.Available.StringFixed(2),
			Requested:     overdraft.Requested.StringFixed(2),
			ProductID:     int64(overdraft.ProductID),
		})
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrFamilyInactive), errors.Is(err, ledger.ErrAlreadyDeleted):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, upload.ErrUnsupportedContent):
		writeError(w, http.StatusUnsupportedMediaType, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Logger.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid "+param, err)
		return 0, false
	}
	return id, true
}

// parseTime accepts a date (midnight in the ledger's location) or RFC 3339.
func (h *Handler) parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, h.Ledger.Location); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (h *Handler) maxUpload() int64 {
	if h.MaxUploadBytes <= 0 {
		return defaultMaxUpload
	}
	return h.MaxUploadBytes
}
