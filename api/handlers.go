/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Service.

ENDPOINTS:
  Agreements:
    GET    /api/agreements                     List agreements (?customer_id=)
    POST   /api/agreements                     Create agreement from JSON
    GET    /api/agreements/{id}                Get agreement
    GET    /api/agreements/{id}/timebank       Timebank status (?date=)
    GET    /api/agreements/{id}/period         Current period (?date=)
    POST   /api/agreements/{id}/entries        Log work (split + persist)
    GET    /api/agreements/{id}/entries        Entries (?from=&to=, default current period)

  Split:
    POST   /api/split                          Preview a billing split

  Batches:
    GET    /api/batches                        List batches (?customer_id=)
    POST   /api/batches                        Create (optionally generate) a draft
    GET    /api/batches/{id}                   Get batch
    POST   /api/batches/{id}/entries           Add entry
    DELETE /api/batches/{id}/entries/{entryID} Remove entry
    POST   /api/batches/{id}/submit            draft -> review
    POST   /api/batches/{id}/reopen            review -> draft
    POST   /api/batches/{id}/export            review -> exported (records outcome)
    POST   /api/batches/{id}/lock              exported -> locked

  Indexation:
    GET    /api/indexation/alerts              Due and overdue price reviews (?window=&date=)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (validator tags)
  3. Call billing.Service
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Agreement, entry or batch not found
  - 409: Batch lifecycle conflicts (immutable, under review, concurrent change)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears all stored data. Only demo scenarios use it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service          *billing.Service
	Store            Resetter
	AgreementFactory *factory.AgreementFactory
	Logger           zerolog.Logger

	// Default window for /api/indexation/alerts
	IndexationWarningDays int

	validate *validator.Validate

	mu              sync.Mutex
	currentScenario string

	// Collapses concurrent status reads of the same agreement and date.
	statusGroup singleflight.Group
}

// NewHandler creates a new handler around the billing service.
func NewHandler(svc *billing.Service, store Resetter, logger zerolog.Logger) *Handler {
	return &Handler{
		Service:               svc,
		Store:                 store,
		AgreementFactory:      factory.NewAgreementFactory(),
		Logger:                logger,
		IndexationWarningDays: 30,
		validate:              validator.New(),
	}
}

// =============================================================================
// AGREEMENT HANDLERS
// =============================================================================

// ListAgreements returns agreements, optionally filtered by customer.
func (h *Handler) ListAgreements(w http.ResponseWriter, r *http.Request) {
	customerID := billing.CustomerID(r.URL.Query().Get("customer_id"))
	agreements, err := h.Service.ListAgreements(r.Context(), customerID)
	if err != nil {
		h.writeServiceError(w, "Failed to list agreements", err)
		return
	}

	dtos := make([]AgreementDTO, len(agreements))
	for i, a := range agreements {
		dtos[i] = toAgreementDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAgreement creates an agreement from its JSON definition.
func (h *Handler) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req CreateAgreementRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, err := h.AgreementFactory.FromJSON(req.AgreementJSON)
	if err != nil {
		h.writeServiceError(w, "Invalid agreement", err)
		return
	}
	saved, err := h.Service.SaveAgreement(r.Context(), *a)
	if err != nil {
		h.writeServiceError(w, "Failed to save agreement", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAgreementDTO(saved))
}

// GetAgreement returns a single agreement.
func (h *Handler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.GetAgreement(r.Context(), agreementID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get agreement", err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(*a))
}

// GetTimebankStatus returns the current-period pool consumption.
func (h *Handler) GetTimebankStatus(w http.ResponseWriter, r *http.Request) {
	date, ok := queryDate(w, r, "date")
	if !ok {
		return
	}
	status, err := h.timebankStatus(r.Context(), agreementID(r), date)
	if err != nil {
		h.writeServiceError(w, "Failed to compute timebank status", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimebankStatusDTO(status))
}

func (h *Handler) timebankStatus(ctx context.Context, id billing.AgreementID, date billing.Date) (billing.TimebankStatus, error) {
	key := string(id) + "@" + date.String()
	ch := h.statusGroup.DoChan(key, func() (any, error) {
		// Detached so one caller hanging up does not fail the others.
		return h.Service.TimebankStatus(context.WithoutCancel(ctx), id, date)
	})
	select {
	case <-ctx.Done():
		return billing.TimebankStatus{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return billing.TimebankStatus{}, res.Err
		}
		return res.Val.(billing.TimebankStatus), nil
	}
}

// GetPeriod returns the agreement period containing ?date= (default today).
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	date, ok := queryDate(w, r, "date")
	if !ok {
		return
	}
	period, err := h.Service.AgreementPeriod(r.Context(), agreementID(r), date)
	if err != nil {
		h.writeServiceError(w, "Failed to compute period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(period))
}

// =============================================================================
// TIME ENTRY HANDLERS
// =============================================================================

// LogEntry logs work against an agreement.
func (h *Handler) LogEntry(w http.ResponseWriter, r *http.Request) {
	var req LogEntryRequest
	if !h.decode(w, r, &req) {
		return
	}

	e := billing.TimeEntry{
		AgreementID: agreementID(r),
		IsBillable:  true,
		IsEvening:   req.IsEvening,
		Description: req.Description,
	}
	if req.Date != "" {
		d, err := billing.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
		e.Date = d
	}
	switch {
	case req.Minutes != nil:
		e.Hours = decimal.NewNullDecimal(billing.HoursFromMinutes(*req.Minutes))
	case req.Hours != nil:
		e.Hours = decimal.NewNullDecimal(*req.Hours)
	}
	if req.IsBillable != nil {
		e.IsBillable = *req.IsBillable
	}
	if req.Internal {
		e.BillingType = billing.BillingInternal
	}

	saved, err := h.Service.LogEntry(r.Context(), e)
	if err != nil {
		h.writeServiceError(w, "Failed to log entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTimeEntryDTO(saved))
}

// ListEntries returns an agreement's entries, by default for the current period.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := agreementID(r)

	from, ok := queryDate(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryDate(w, r, "to")
	if !ok {
		return
	}
	if from.IsZero() || to.IsZero() {
		period, err := h.Service.AgreementPeriod(ctx, id, billing.Date{})
		if err != nil {
			h.writeServiceError(w, "Failed to compute period", err)
			return
		}
		if from.IsZero() {
			from = period.Start
		}
		if to.IsZero() {
			to = period.End
		}
	}

	entries, err := h.Service.ListEntries(ctx, id, from, to)
	if err != nil {
		h.writeServiceError(w, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimeEntryDTOs(entries))
}

// PreviewSplit computes a billing split without persisting anything.
func (h *Handler) PreviewSplit(w http.ResponseWriter, r *http.Request) {
	var req SplitRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.LoggedHours.IsNegative() {
		writeError(w, http.StatusBadRequest, "logged_hours must not be negative", nil)
		return
	}
	split := billing.CalculateBillingWithSplit(*req.LoggedHours, *req.RemainingHours)
	writeJSON(w, http.StatusOK, toSplitDTO(split))
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches returns batches, optionally filtered by customer.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	customerID := billing.CustomerID(r.URL.Query().Get("customer_id"))
	batches, err := h.Service.ListBatches(r.Context(), customerID)
	if err != nil {
		h.writeServiceError(w, "Failed to list batches", err)
		return
	}
	dtos := make([]BatchDTO, len(batches))
	for i, b := range batches {
		dtos[i] = toBatchDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBatch creates a draft batch, optionally filled with the period's entries.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := billing.ParseDate(req.PeriodStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_start", err)
		return
	}
	end, err := billing.ParseDate(req.PeriodEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_end", err)
		return
	}

	period := billing.Period{Start: start, End: end}
	customerID := billing.CustomerID(req.CustomerID)

	var b *billing.Batch
	if req.Generate {
		b, err = h.Service.GenerateBatch(r.Context(), customerID, req.Name, period)
	} else {
		b, err = h.Service.CreateBatch(r.Context(), customerID, req.Name, period)
	}
	if err != nil {
		h.writeServiceError(w, "Failed to create batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchDTO(*b))
}

// GetBatch returns a batch with its entries and totals.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.GetBatch(r.Context(), batchID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(*b))
}

// AddBatchEntry adds a stored entry to a draft batch.
func (h *Handler) AddBatchEntry(w http.ResponseWriter, r *http.Request) {
	var req AddBatchEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.Service.AddEntryToBatch(r.Context(), batchID(r), billing.EntryID(req.EntryID))
	h.writeBatch(w, "Failed to add entry", b, err)
}

// RemoveBatchEntry removes an entry from a draft batch.
func (h *Handler) RemoveBatchEntry(w http.ResponseWriter, r *http.Request) {
	entryID := billing.EntryID(chi.URLParam(r, "entryID"))
	b, err := h.Service.RemoveEntryFromBatch(r.Context(), batchID(r), entryID)
	h.writeBatch(w, "Failed to remove entry", b, err)
}

// SubmitBatch moves a draft batch to review.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.SubmitBatch(r.Context(), batchID(r))
	h.writeBatch(w, "Failed to submit batch", b, err)
}

// ReopenBatch moves a batch under review back to draft.
func (h *Handler) ReopenBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.ReopenBatch(r.Context(), batchID(r))
	h.writeBatch(w, "Failed to reopen batch", b, err)
}

// ExportBatch records the outcome of the external export action.
func (h *Handler) ExportBatch(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if !h.decode(w, r, &req) {
		return
	}
	result := billing.ExportResult{Success: req.Success, Reference: req.Reference, Reason: req.Reason}
	b, err := h.Service.RecordExport(r.Context(), batchID(r), result)
	h.writeBatch(w, "Failed to record export", b, err)
}

// LockBatch finalizes an exported batch.
func (h *Handler) LockBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.LockBatch(r.Context(), batchID(r))
	h.writeBatch(w, "Failed to lock batch", b, err)
}

func (h *Handler) writeBatch(w http.ResponseWriter, message string, b *billing.Batch, err error) {
	if err != nil {
		h.writeServiceError(w, message, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(*b))
}

// =============================================================================
// INDEXATION
// =============================================================================

// ListIndexationAlerts returns agreements due or overdue for price indexation.
func (h *Handler) ListIndexationAlerts(w http.ResponseWriter, r *http.Request) {
	window := h.IndexationWarningDays
	if s := r.URL.Query().Get("window"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "window must be a non-negative number of days", err)
			return
		}
		window = n
	}
	date, ok := queryDate(w, r, "date")
	if !ok {
		return
	}

	notices, err := h.Service.IndexationNotices(r.Context(), date, window)
	if err != nil {
		h.writeServiceError(w, "Failed to scan indexation", err)
		return
	}
	dtos := make([]IndexationAlertDTO, len(notices))
	for i, n := range notices {
		dtos[i] = toIndexationAlertDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
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

// writeServiceError maps billing errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error().Err(err).Msg(message)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func statusFor(err error) (int, string) {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case billing.IsStateError(err):
		return http.StatusConflict, "conflict"
	case billing.IsValidationError(err):
		return http.StatusBadRequest, "validation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]string, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "validation", Details: details})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// queryDate parses an optional YYYY-MM-DD query parameter.
func queryDate(w http.ResponseWriter, r *http.Request, name string) (billing.Date, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return billing.Date{}, true
	}
	d, err := billing.ParseDate(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name+", expected YYYY-MM-DD", err)
		return billing.Date{}, false
	}
	return d, true
}

func agreementID(r *http.Request) billing.AgreementID {
	return billing.AgreementID(chi.URLParam(r, "id"))
}

func batchID(r *http.Request) billing.BatchID {
	return billing.BatchID(chi.URLParam(r, "id"))
}
