/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	agreements and time entries. Each scenario goes through billing.Service,
	so entries are split against the pool exactly as live traffic would be.

AVAILABLE SCENARIOS:

	timebank-within-pool: 40h monthly pool, 25h used (15h remaining)
	timebank-overtime:    40h monthly pool, 55h used (last entry split 10h/15h)
	mixed-billing:        Hourly + fixed + timebank for one customer, batch in review
	indexation-due:       Agreements with upcoming and overdue price indexation

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create agreements via factory presets
 3. Log entries through the service (current month, relative to today)
 4. Optionally build and submit a billing batch

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "timebank-overtime"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - factory/agreement.go: Agreement presets
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "timebank-within-pool",
		Name:        "Timebank Within Pool",
		Description: "40h monthly pool with 25h logged: 15h remaining, 62.5% used",
	},
	{
		ID:          "timebank-overtime",
		Name:        "Timebank Overtime",
		Description: "40h monthly pool with 55h logged: the entry crossing the limit is split",
	},
	{
		ID:          "mixed-billing",
		Name:        "Mixed Billing",
		Description: "Hourly, fixed and timebank agreements for one customer with a batch in review",
	},
	{
		ID:          "indexation-due",
		Name:        "Indexation Due",
		Description: "Agreements whose price indexation is upcoming or overdue",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "timebank-within-pool":
		loader = h.loadTimebankWithinPoolScenario
	case "timebank-overtime":
		loader = h.loadTimebankOvertimeScenario
	case "mixed-billing":
		loader = h.loadMixedBillingScenario
	case "indexation-due":
		loader = h.loadIndexationDueScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := loader(ctx); err != nil {
		h.Logger.Error().Err(err).Str("scenario", req.ScenarioID).Msg("scenario load failed")
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadTimebankWithinPoolScenario(ctx context.Context) error {
	if _, err := h.createAgreement(ctx, factory.TimebankAgreementJSON("agr-acme-tb", "acme", 40, 1200), nil); err != nil {
		return err
	}
	start := h.monthStart()
	return h.logEntries(ctx, "agr-acme-tb", []seedEntry{
		{day: 0, hours: "10", description: "Server migration"},
		{day: 1, hours: "8", description: "Monitoring setup"},
		{day: 2, hours: "7", description: "Incident follow-up"},
	}, start)
}

func (h *Handler) loadTimebankOvertimeScenario(ctx context.Context) error {
	if _, err := h.createAgreement(ctx, factory.TimebankAgreementJSON("agr-globex-tb", "globex", 40, 1200), nil); err != nil {
		return err
	}
	start := h.monthStart()
	return h.logEntries(ctx, "agr-globex-tb", []seedEntry{
		{day: 0, hours: "30", description: "Release preparation"},
		{day: 1, hours: "25", description: "Release week support"},
	}, start)
}

func (h *Handler) loadMixedBillingScenario(ctx context.Context) error {
	presets := []string{
		factory.HourlyAgreementJSON("agr-initech-hourly", "initech", 1000, 1500),
		factory.FixedAgreementJSON("agr-initech-fixed", "initech", 5000),
		factory.TimebankAgreementJSON("agr-initech-tb", "initech", 20, 1100),
	}
	for _, p := range presets {
		if _, err := h.createAgreement(ctx, p, nil); err != nil {
			return err
		}
	}

	start := h.monthStart()
	if err := h.logEntries(ctx, "agr-initech-hourly", []seedEntry{
		{day: 0, hours: "3", description: "Consulting"},
		{day: 1, hours: "2", evening: true, description: "Evening deployment"},
	}, start); err != nil {
		return err
	}
	if err := h.logEntries(ctx, "agr-initech-fixed", []seedEntry{
		{day: 0, hours: "1", description: "Monthly maintenance"},
	}, start); err != nil {
		return err
	}
	if err := h.logEntries(ctx, "agr-initech-tb", []seedEntry{
		{day: 0, hours: "12", description: "Support"},
		{day: 2, hours: "12", description: "Support"},
	}, start); err != nil {
		return err
	}

	period := billing.Period{Start: start, End: billing.EndOfMonth(start.Year(), start.Month())}
	b, err := h.Service.GenerateBatch(ctx, "initech", "Initech "+start.Month().String(), period)
	if err != nil {
		return err
	}
	_, err = h.Service.SubmitBatch(ctx, b.ID)
	return err
}

func (h *Handler) loadIndexationDueScenario(ctx context.Context) error {
	today := billing.DateOf(h.Service.Now().UTC())
	seeds := []struct {
		json   string
		inDays int
	}{
		{factory.TimebankAgreementJSON("agr-umbrella-tb", "umbrella", 30, 1000), 10},
		{factory.HourlyAgreementJSON("agr-umbrella-hourly", "umbrella", 950, 1400), -5},
		{factory.FixedAgreementJSON("agr-hooli-fixed", "hooli", 3000), 120},
	}
	for _, s := range seeds {
		next := today.AddDays(s.inDays)
		_, err := h.createAgreement(ctx, s.json, func(a *billing.Agreement) {
			a.NextIndexation = &next
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type seedEntry struct {
	day         int // offset from the first day of the month
	hours       string
	evening     bool
	description string
}

func (h *Handler) monthStart() billing.Date {
	today := billing.DateOf(h.Service.Now().UTC())
	return billing.StartOfMonth(today.Year(), today.Month())
}

func (h *Handler) createAgreement(ctx context.Context, jsonStr string, adjust func(*billing.Agreement)) (billing.Agreement, error) {
	a, err := h.AgreementFactory.ParseAgreement(jsonStr)
	if err != nil {
		return billing.Agreement{}, fmt.Errorf("preset agreement: %w", err)
	}
	if adjust != nil {
		adjust(a)
	}
	return h.Service.SaveAgreement(ctx, *a)
}

func (h *Handler) logEntries(ctx context.Context, id billing.AgreementID, seeds []seedEntry, start billing.Date) error {
	for _, s := range seeds {
		hours, err := decimal.NewFromString(s.hours)
		if err != nil {
			return err
		}
		_, err = h.Service.LogEntry(ctx, billing.TimeEntry{
			AgreementID: id,
			Date:        start.AddDays(s.day),
			Hours:       decimal.NewNullDecimal(hours),
			IsBillable:  true,
			IsEvening:   s.evening,
			Description: s.description,
		})
		if err != nil {
			return fmt.Errorf("seed entry for %s: %w", id, err)
		}
	}
	return nil
}
