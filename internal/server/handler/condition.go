package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// ConditionService defines the market operations exposed over HTTP.
// *market.Ledger satisfies it.
type ConditionService interface {
	PrepareCondition(ctx context.Context, oracleRef string, settlementTime time.Time, triggerValue decimal.Decimal, marketLabel string) (uint64, error)
	ConditionInfo(ctx context.Context, conditionID uint64) (domain.Condition, error)
	Conditions() []domain.Condition
	LatestConditionIndex() uint64
	Resolve(ctx context.Context, conditionID uint64) (domain.Condition, error)
}

// ResolvedHandler is told about conditions resolved through the API.
type ResolvedHandler interface {
	OnResolved(ctx context.Context, cond domain.Condition)
}

// ConditionHandler serves condition endpoints.
type ConditionHandler struct {
	conditions ConditionService
	onResolved ResolvedHandler
	logger     *slog.Logger
}

// NewConditionHandler creates a ConditionHandler. onResolved may be nil.
func NewConditionHandler(conditions ConditionService, onResolved ResolvedHandler, logger *slog.Logger) *ConditionHandler {
	return &ConditionHandler{
		conditions: conditions,
		onResolved: onResolved,
		logger:     logHandler(logger, "condition"),
	}
}

type prepareConditionRequest struct {
	OracleRef      string          `json:"oracle_ref"`
	SettlementTime time.Time       `json:"settlement_time"`
	TriggerValue   decimal.Decimal `json:"trigger_value"`
	MarketLabel    string          `json:"market_label"`
}

// PrepareCondition registers a new binary condition.
// POST /api/conditions
func (h *ConditionHandler) PrepareCondition(w http.ResponseWriter, r *http.Request) {
	var req prepareConditionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OracleRef) == "" || req.SettlementTime.IsZero() {
		writeError(w, http.StatusBadRequest, "oracle_ref and settlement_time are required")
		return
	}
	id, err := h.conditions.PrepareCondition(r.Context(), req.OracleRef, req.SettlementTime.UTC(), req.TriggerValue, req.MarketLabel)
	if err != nil {
		writeDomainError(w, r, h.logger, "prepare condition", err)
		return
	}
	cond, err := h.conditions.ConditionInfo(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "prepare condition", err)
		return
	}
	writeJSON(w, http.StatusCreated, newConditionView(cond))
}

type listConditionsResponse struct {
	Conditions []conditionView `json:"conditions"`
	// LatestID is the id of the most recently prepared condition, zero if
	// none, regardless of the resolved filter.
	LatestID uint64 `json:"latest_id"`
}

// ListConditions returns every condition, optionally only ?resolved=false.
// GET /api/conditions
func (h *ConditionHandler) ListConditions(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("resolved")
	out := listConditionsResponse{
		Conditions: []conditionView{},
		LatestID:   h.conditions.LatestConditionIndex(),
	}
	for _, c := range h.conditions.Conditions() {
		if (filter == "true" && !c.Resolved) || (filter == "false" && c.Resolved) {
			continue
		}
		out.Conditions = append(out.Conditions, newConditionView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCondition returns one condition.
// GET /api/conditions/{id}
func (h *ConditionHandler) GetCondition(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cond, err := h.conditions.ConditionInfo(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get condition", err)
		return
	}
	writeJSON(w, http.StatusOK, newConditionView(cond))
}

// ResolveCondition resolves a condition past its settlement time against
// the oracle. Anyone may trigger it; the outcome comes from the oracle.
// POST /api/conditions/{id}/resolve
func (h *ConditionHandler) ResolveCondition(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	before, err := h.conditions.ConditionInfo(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve condition", err)
		return
	}
	cond, err := h.conditions.Resolve(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve condition", err)
		return
	}
	if !before.Resolved && h.onResolved != nil {
		h.onResolved.OnResolved(r.Context(), cond)
	}
	writeJSON(w, http.StatusOK, newConditionView(cond))
}
