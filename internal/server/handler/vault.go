package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/service"
	"github.com/alanyoungcy/copyvault/internal/vault"
)

// VaultService defines the methods that the vault handler requires from the
// service layer.
type VaultService interface {
	Open(ctx context.Context, req service.OpenVaultRequest) (vault.Snapshot, error)
	Get(ctx context.Context, id string) (*vault.Vault, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.VaultInfo, error)
	Events(ctx context.Context, id string, afterSeq uint64) ([]domain.Event, error)
	AddFunds(ctx context.Context, id string, caller common.Address, amount uint256.Int, asTrader bool) (domain.Checkpoint, error)
	PlaceWager(ctx context.Context, id string, caller common.Address, conditionID uint64, outcome domain.Outcome, amount uint256.Int) (domain.Wager, error)
	Claim(ctx context.Context, id string, account common.Address, index int, relayer common.Address) (domain.Settlement, error)
}

// ConditionReader looks up the condition a wager was placed on and the
// claim instrument it holds.
type ConditionReader interface {
	ConditionInfo(ctx context.Context, conditionID uint64) (domain.Condition, error)
	Instrument(ref string) (domain.Instrument, error)
}

// VaultHandler serves vault endpoints.
type VaultHandler struct {
	vaults     VaultService
	conditions ConditionReader
	grace      time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewVaultHandler creates a VaultHandler. grace is the window after a
// condition's settlement time before an unresolved wager reports as expired.
func NewVaultHandler(vaults VaultService, conditions ConditionReader, grace time.Duration, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		vaults:     vaults,
		conditions: conditions,
		grace:      grace,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logHandler(logger, "vault"),
	}
}

type openVaultRequest struct {
	Name        string `json:"name"`
	StrategyID  string `json:"strategy_id"`
	OpeningFund string `json:"opening_fund"`
	Policy      string `json:"policy"`
}

// OpenVault creates a vault traded by the caller.
// POST /api/vaults
func (h *VaultHandler) OpenVault(w http.ResponseWriter, r *http.Request) {
	trader, ok := caller(w, r)
	if !ok {
		return
	}
	var req openVaultRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fund, err := domain.ParseAmount(req.OpeningFund)
	if err != nil {
		writeDomainError(w, r, h.logger, "open vault", err)
		return
	}
	snap, err := h.vaults.Open(r.Context(), service.OpenVaultRequest{
		Name:        req.Name,
		StrategyID:  req.StrategyID,
		Trader:      trader,
		OpeningFund: fund,
		Policy:      domain.StakePolicy(req.Policy),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "open vault", err)
		return
	}
	writeJSON(w, http.StatusCreated, newVaultView(snap))
}

type listVaultsResponse struct {
	Vaults []vaultSummary `json:"vaults"`
}

type vaultSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StrategyID string    `json:"strategy_id"`
	Trader     string    `json:"trader"`
	Policy     string    `json:"policy"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListVaults returns registered vault identities.
// GET /api/vaults?limit=50&offset=0
func (h *VaultHandler) ListVaults(w http.ResponseWriter, r *http.Request) {
	infos, err := h.vaults.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list vaults", err)
		return
	}
	out := listVaultsResponse{Vaults: make([]vaultSummary, 0, len(infos))}
	for _, info := range infos {
		out.Vaults = append(out.Vaults, vaultSummary{
			ID:         info.ID,
			Name:       info.Name,
			StrategyID: info.StrategyID,
			Trader:     info.Trader.Hex(),
			Policy:     string(info.Policy),
			CreatedAt:  info.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetVault returns a vault's headline figures.
// GET /api/vaults/{id}
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := h.vaults.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get vault", err)
		return
	}
	writeJSON(w, http.StatusOK, newVaultView(v.Snapshot()))
}

type addFundsRequest struct {
	Amount string `json:"amount"`
	// Role is "trader" or "follower". Empty means trader when the caller is
	// the vault's trader.
	Role string `json:"role"`
}

// AddFunds credits the caller's contribution to a vault.
// POST /api/vaults/{id}/funds
func (h *VaultHandler) AddFunds(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}
	var req addFundsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "add funds", err)
		return
	}

	id := pathParam(r, "id")
	var asTrader bool
	switch req.Role {
	case "trader":
		asTrader = true
	case "follower":
	case "":
		v, err := h.vaults.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, h.logger, "add funds", err)
			return
		}
		asTrader = v.Info().Trader == account
	default:
		writeError(w, http.StatusBadRequest, "role must be trader or follower")
		return
	}

	cp, err := h.vaults.AddFunds(r.Context(), id, account, amount, asTrader)
	if err != nil {
		writeDomainError(w, r, h.logger, "add funds", err)
		return
	}
	writeJSON(w, http.StatusCreated, newCheckpointView(cp))
}

type placeWagerRequest struct {
	ConditionID uint64         `json:"condition_id"`
	Outcome     domain.Outcome `json:"outcome"`
	Amount      string         `json:"amount"`
}

// PlaceWager stakes vault funds on a condition outcome. Only the trader may
// call it.
// POST /api/vaults/{id}/wagers
func (h *VaultHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	trader, ok := caller(w, r)
	if !ok {
		return
	}
	var req placeWagerRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "place wager", err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "place wager", err)
		return
	}
	wager, err := h.vaults.PlaceWager(r.Context(), pathParam(r, "id"), trader, req.ConditionID, req.Outcome, amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "place wager", err)
		return
	}
	writeJSON(w, http.StatusCreated, newWagerView(wager))
}

type claimRequest struct {
	// Account defaults to the caller. Claiming for another account records
	// the caller as relayer.
	Account string `json:"account"`
}

// Claim settles a wager for one participant.
// POST /api/vaults/{id}/wagers/{index}/claims
func (h *VaultHandler) Claim(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req claimRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	account, relayer := from, common.Address{}
	if req.Account != "" {
		a, err := parseAddress(req.Account)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if a != from {
			account, relayer = a, from
		}
	}

	st, err := h.vaults.Claim(r.Context(), pathParam(r, "id"), account, index, relayer)
	if err != nil && st.Account == (common.Address{}) {
		writeDomainError(w, r, h.logger, "claim", err)
		return
	}
	if err != nil {
		// Settled in the journal; the payout reconciler repeats the transfer.
		h.logger.WarnContext(r.Context(), "handler: claim settled with transfer error",
			slog.String("account", account.Hex()),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusAccepted, newSettlementView(st))
		return
	}
	writeJSON(w, http.StatusOK, newSettlementView(st))
}

// GetCheckpoint returns one checkpoint of a vault.
// GET /api/vaults/{id}/checkpoints/{cp}
func (h *VaultHandler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "cp")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.vaults.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get checkpoint", err)
		return
	}
	cp, err := v.Checkpoint(id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get checkpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, newCheckpointView(cp))
}

// GetWager returns a wager with its lifecycle status. With ?account= the
// response also carries that account's pinned share and entitlement.
// GET /api/vaults/{id}/wagers/{index}
func (h *VaultHandler) GetWager(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.vaults.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get wager", err)
		return
	}
	wager, err := v.Wager(index)
	if err != nil {
		writeDomainError(w, r, h.logger, "get wager", err)
		return
	}
	view := newWagerView(wager)
	if h.conditions != nil {
		cond, err := h.conditions.ConditionInfo(r.Context(), wager.ConditionID)
		if err != nil {
			writeDomainError(w, r, h.logger, "get wager", err)
			return
		}
		status, err := v.WagerStatus(index, cond, h.now(), h.grace)
		if err != nil {
			writeDomainError(w, r, h.logger, "get wager", err)
			return
		}
		view.Status = string(status)

		// The market may have paid out before the vault journaled it.
		in, err := h.conditions.Instrument(wager.InstrumentRef)
		if err != nil {
			writeDomainError(w, r, h.logger, "get wager", err)
			return
		}
		view.Instrument = &instrumentView{
			Redeemed: in.Redeemed,
			Payout:   in.Payout.Dec(),
		}
	}

	acct := r.URL.Query().Get("account")
	if acct == "" {
		writeJSON(w, http.StatusOK, view)
		return
	}
	addr, err := parseAddress(acct)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	share, err := v.Share(addr, index)
	if err != nil {
		writeDomainError(w, r, h.logger, "get wager", err)
		return
	}
	entitled, redeemed, err := v.Entitlement(addr, index)
	if err != nil {
		writeDomainError(w, r, h.logger, "get wager", err)
		return
	}
	resp := struct {
		wagerView
		Account     string `json:"account"`
		Share       string `json:"share"`
		Entitlement string `json:"entitlement,omitempty"`
	}{
		wagerView: view,
		Account:   addr.Hex(),
		Share:     share.Decimal().String(),
	}
	if redeemed {
		resp.Entitlement = entitled.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetFollower returns a follower's contribution and its cumulative history.
// GET /api/vaults/{id}/followers/{address}
func (h *VaultHandler) GetFollower(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.vaults.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get follower", err)
		return
	}
	f, err := v.Follower(addr)
	if err != nil {
		writeDomainError(w, r, h.logger, "get follower", err)
		return
	}
	writeJSON(w, http.StatusOK, newFollowerView(f, v.ContributionHistory(addr)))
}

type listEventsResponse struct {
	Events []domain.Event `json:"events"`
}

// ListEvents returns a vault's journal entries after ?after=seq.
// GET /api/vaults/{id}/events?after=0
func (h *VaultHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if s := r.URL.Query().Get("after"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after sequence")
			return
		}
		after = n
	}
	events, err := h.vaults.Events(r.Context(), pathParam(r, "id"), after)
	if err != nil {
		writeDomainError(w, r, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}
