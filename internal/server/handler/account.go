package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
)

// CreditReader reads treasury balances. *treasury.Book satisfies it.
type CreditReader interface {
	Balance(ctx context.Context, addr common.Address) (uint256.Int, error)
	Credits(ctx context.Context, addr common.Address, opts domain.ListOpts) ([]domain.Credit, error)
}

// AccountHandler serves treasury balances.
type AccountHandler struct {
	credits CreditReader
	logger  *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(credits CreditReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{credits: credits, logger: logHandler(logger, "account")}
}

type accountView struct {
	Address string       `json:"address"`
	Balance string       `json:"balance"`
	Credits []creditView `json:"credits"`
}

// GetAccount returns the payouts credited to an address and their total.
// GET /api/accounts/{address}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.credits.Balance(r.Context(), addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "get account", err)
		return
	}
	credits, err := h.credits.Credits(r.Context(), addr, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "get account", err)
		return
	}
	out := accountView{
		Address: addr.Hex(),
		Balance: bal.Dec(),
		Credits: make([]creditView, 0, len(credits)),
	}
	for _, c := range credits {
		out.Credits = append(out.Credits, newCreditView(c))
	}
	writeJSON(w, http.StatusOK, out)
}
