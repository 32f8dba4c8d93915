/*
handlers.go - HTTP API handlers for the household electricity ledger

PURPOSE:
  Exposes the billing engine via a REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to the billing package.
  Every request is scoped to the caller's household (see identity.go).

ENDPOINTS:
  People:
    GET    /api/people                      List people
    POST   /api/people                      Add a person
    DELETE /api/people/{id}                 Remove a person (readings stay)
    GET    /api/people/{id}/latest-reading  Most recent reading

  Readings:
    GET    /api/readings?period=&person_id= List readings
    POST   /api/readings                    Add or update a reading
    DELETE /api/readings/{id}               Delete a reading

  Periods:
    GET    /api/periods                     Current, recent and recorded periods
    GET    /api/periods/{period}            Bill-entry status of one period

  Bills:
    GET    /api/bills                       List bills
    POST   /api/bills                       Submit (upsert) a bill
    GET    /api/bills/{period}              Bill governing a period

  History:
    GET    /api/history?period=&person_id=  Priced reading lines
    GET    /api/history/months              Month summaries
    GET    /api/history/people              Person summaries
    GET    /api/export/{format}             xlsx or pdf download

REQUEST FLOW:
  1. Resolve household scope
  2. Decode and validate input
  3. Call ledger/engine
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  - 400: ValidationError, malformed input
  - 404: NotFoundError
  - 409: LockedPeriodError
  - 502: StoreError (backing store unavailable)
  - 500: anything else

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
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/factory"
	"github.com/warp/power-ledger/logging"
	"github.com/warp/power-ledger/metrics"
	"github.com/warp/power-ledger/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears one household. Both stores implement it.
type Resetter interface {
	Reset(ctx context.Context, scope billing.Scope) error
}

// Options configures a Handler. Engine is required.
type Options struct {
	Engine    *billing.Engine
	Identity  billing.Identity
	Resetter  Resetter
	Scenarios []factory.Scenario
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Lookback  int
	Now       func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	engine    *billing.Engine
	ledger    *billing.Ledger
	identity  billing.Identity
	resetter  Resetter
	scenarios []factory.Scenario
	metrics   *metrics.Metrics
	log       *logging.Logger
	lookback  int
	now       func() time.Time
	validate  *validator.Validate

	// Track currently loaded scenario per household
	mu              sync.Mutex
	currentScenario map[billing.Scope]string
}

// NewHandler creates a new handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		engine:          opts.Engine,
		ledger:          opts.Engine.Ledger(),
		identity:        opts.Identity,
		resetter:        opts.Resetter,
		scenarios:       opts.Scenarios,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		lookback:        opts.Lookback,
		now:             opts.Now,
		validate:        validator.New(),
		currentScenario: make(map[billing.Scope]string),
	}
	if h.log == nil {
		h.log = logging.Discard()
	}
	h.log = h.log.WithComponent("api")
	if h.lookback <= 0 {
		h.lookback = billing.DefaultUnbilledLookback
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Handler) scope(r *http.Request) billing.Scope {
	return ScopeFor(r.Context(), h.identity)
}

// =============================================================================
// PEOPLE HANDLERS
// =============================================================================

// ListPeople returns the household's people.
func (h *Handler) ListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := h.ledger.ListPeople(r.Context(), h.scope(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]PersonDTO, len(people))
	for i, p := range people {
		dtos[i] = toPersonDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePerson adds a person.
func (h *Handler) CreatePerson(w http.ResponseWriter, r *http.Request) {
	var req CreatePersonRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.ledger.AddPerson(r.Context(), h.scope(r), req.Name)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPersonDTO(p))
}

// DeletePerson removes a person. Their readings stay in history.
func (h *Handler) DeletePerson(w http.ResponseWriter, r *http.Request) {
	id := billing.PersonID(chi.URLParam(r, "id"))
	if err := h.ledger.DeletePerson(r.Context(), h.scope(r), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLatestReading returns the person's most recent reading, used to show
// the old index before entering a new one.
func (h *Handler) GetLatestReading(w http.ResponseWriter, r *http.Request) {
	id := billing.PersonID(chi.URLParam(r, "id"))
	latest, err := h.ledger.LatestReading(r.Context(), h.scope(r), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if latest == nil {
		writeError(w, http.StatusNotFound, "No reading for person", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTO(*latest))
}

// =============================================================================
// READING HANDLERS
// =============================================================================

// ListReadings returns readings, optionally filtered by period and person.
func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	snap, err := h.ledger.Snapshot(r.Context(), h.scope(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := []ReadingDTO{}
	for _, rd := range snap.Readings {
		if filter.Period != "" && rd.Period != filter.Period {
			continue
		}
		if filter.PersonID != "" && rd.PersonID != filter.PersonID {
			continue
		}
		dtos = append(dtos, toReadingDTO(rd))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveReading adds or updates the reading of a person for a period.
func (h *Handler) SaveReading(w http.ResponseWriter, r *http.Request) {
	var req SaveReadingRequest
	if !h.decode(w, r, &req) {
		return
	}
	saved, err := h.ledger.AddOrUpdateReading(r.Context(), h.scope(r), req.input())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReadingDTO(saved))
}

// DeleteReading deletes a reading of an unlocked period.
func (h *Handler) DeleteReading(w http.ResponseWriter, r *http.Request) {
	id := billing.ReadingID(chi.URLParam(r, "id"))
	if err := h.ledger.DeleteReading(r.Context(), h.scope(r), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// ListPeriods returns the current period, the recent periods offered for
// entry (?count=, default 12) and the periods that have readings.
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	count := 12
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 120 {
			writeError(w, http.StatusBadRequest, "count must be between 1 and 120", err)
			return
		}
		count = n
	}
	recorded, err := h.ledger.PeriodsWithReadings(r.Context(), h.scope(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, PeriodsDTO{
		Current:      string(billing.CurrentPeriod(now)),
		Recent:       periodStrings(billing.RecentPeriods(now, count)),
		WithReadings: periodStrings(recorded),
	})
}

// GetPeriodStatus returns what the bill-entry flow needs for one period.
func (h *Handler) GetPeriodStatus(w http.ResponseWriter, r *http.Request) {
	period, ok := periodParam(w, r)
	if !ok {
		return
	}
	snap, err := h.ledger.Snapshot(r.Context(), h.scope(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodStatusDTO(billing.StatusOf(snap, period, h.lookback)))
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// ListBills returns every bill of the household.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	bills, err := h.engine.ListBills(r.Context(), h.scope(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]BillDTO, len(bills))
	for i, b := range bills {
		dtos[i] = toBillDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitBill files (or replaces) the bill anchored at the request's period.
func (h *Handler) SubmitBill(w http.ResponseWriter, r *http.Request) {
	var req SubmitBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	bill, err := h.engine.SubmitBill(r.Context(), h.scope(r), req.submission())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDTO(bill))
}

// GetBill returns the bill governing a period, enclosed bills included.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	period, ok := periodParam(w, r)
	if !ok {
		return
	}
	view, err := h.engine.ResolveBill(r.Context(), h.scope(r), period)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if view == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No bill covers %s", period), nil)
		return
	}
	writeJSON(w, http.StatusOK, toBillViewDTO(view))
}

// =============================================================================
// HISTORY HANDLERS
// =============================================================================

// GetHistory returns priced reading lines with totals.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	snap, err := h.ledger.Snapshot(r.Context(), h.scope(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTO(report.Build(snap, filter)))
}

// GetMonthSummaries returns one summary per period with readings.
func (h *Handler) GetMonthSummaries(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ledger.Snapshot(r.Context(), h.scope(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	months := report.Months(snap)
	dtos := make([]MonthDTO, len(months))
	for i, m := range months {
		dtos[i] = MonthDTO{
			Period:    string(m.Period),
			Readings:  m.Readings,
			Complete:  m.Complete,
			Locked:    m.Locked,
			Bill:      toBillViewDTO(m.Bill),
			TotalsDTO: toTotalsDTO(m.Totals),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPersonSummaries returns one summary per person, deleted people last.
func (h *Handler) GetPersonSummaries(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ledger.Snapshot(r.Context(), h.scope(r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	people := report.People(snap)
	dtos := make([]PersonSummaryDTO, len(people))
	for i, p := range people {
		dtos[i] = PersonSummaryDTO{
			PersonID:  string(p.PersonID),
			Name:      p.Name,
			Missing:   p.Missing,
			Months:    p.Months,
			TotalsDTO: toTotalsDTO(p.Totals),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Export streams the history as a spreadsheet or PDF.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	if format != "xlsx" && format != "pdf" {
		writeError(w, http.StatusBadRequest, "format must be xlsx or pdf", nil)
		return
	}
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	scope := h.scope(r)
	snap, err := h.ledger.Snapshot(r.Context(), scope)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	history := report.Build(snap, filter)

	filename := fmt.Sprintf("power-ledger-%s.%s", h.now().Format("20060102"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	switch format {
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		err = report.WriteXLSX(w, history, report.Months(snap), report.People(snap))
	case "pdf":
		w.Header().Set("Content-Type", "application/pdf")
		err = report.WritePDF(w, history)
	}
	if h.metrics != nil {
		h.metrics.Export(format, err)
	}
	if err != nil {
		// Headers are already sent; the client sees a truncated file.
		h.log.WithError(err).WithField("scope", scope).Errorf("export %s failed", format)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body into dst and validates its tags. It writes the
// error response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:  "Validation failed",
				Fields: validationFields(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func validationFields(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		out[ve.Field()] = ve.Tag()
	}
	return out
}

// writeDomainError maps billing errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var locked *billing.LockedPeriodError
	switch {
	case errors.As(err, &locked):
		writeError(w, http.StatusConflict, "Period is locked", err)
	case errors.Is(err, billing.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, billing.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, billing.ErrStore):
		h.log.WithError(err).Error("store failure")
		writeError(w, http.StatusBadGateway, "Storage unavailable", err)
	default:
		h.log.WithError(err).Error("unexpected error")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func parseFilter(w http.ResponseWriter, r *http.Request) (report.Filter, bool) {
	var f report.Filter
	if raw := r.URL.Query().Get("period"); raw != "" {
		p, err := billing.ParsePeriod(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return f, false
		}
		f.Period = p
	}
	f.PersonID = billing.PersonID(r.URL.Query().Get("person_id"))
	return f, true
}

func periodParam(w http.ResponseWriter, r *http.Request) (billing.Period, bool) {
	p, err := billing.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return "", false
	}
	return p, true
}

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
