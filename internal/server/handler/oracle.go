package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
)

// OraclePublisher posts reference values. Both oracle.Fixed and
// oracle.Cached satisfy it.
type OraclePublisher interface {
	Publish(ctx context.Context, ref string, value decimal.Decimal) error
}

// OracleHandler lets an operator post reference values.
type OracleHandler struct {
	oracle OraclePublisher
	logger *slog.Logger
}

// NewOracleHandler creates an OracleHandler.
func NewOracleHandler(oracle OraclePublisher, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{oracle: oracle, logger: logHandler(logger, "oracle")}
}

type publishValueRequest struct {
	Value decimal.Decimal `json:"value"`
}

// PublishValue sets the current value of an oracle ref.
// PUT /api/oracle/{ref}
func (h *OracleHandler) PublishValue(w http.ResponseWriter, r *http.Request) {
	ref := pathParam(r, "ref")
	var req publishValueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.oracle.Publish(r.Context(), ref, req.Value); err != nil {
		writeDomainError(w, r, h.logger, "publish oracle value", err)
		return
	}
	h.logger.InfoContext(r.Context(), "oracle value published",
		slog.String("ref", ref),
		slog.String("value", req.Value.String()),
	)
	writeJSON(w, http.StatusOK, map[string]string{"ref": ref, "value": req.Value.String()})
}
