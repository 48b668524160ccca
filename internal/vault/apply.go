package vault

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/copyvault/internal/domain"
	"github.com/alanyoungcy/copyvault/internal/ledger"
)

// apply folds one journal entry into the vault state. It is the only code
// path that mutates ledgers, used both for live commits and for replay.
func (v *Vault) apply(ev domain.Event) error {
	if ev.Seq != v.seq+1 {
		return fmt.Errorf("event seq %d does not follow %d: %w", ev.Seq, v.seq, domain.ErrConflict)
	}
	if v.checkpoints == nil && ev.Type != domain.EventVaultOpened {
		return fmt.Errorf("event %s before vault_opened", ev.Type)
	}

	switch ev.Type {
	case domain.EventVaultOpened:
		var p domain.VaultOpenedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		if v.checkpoints != nil {
			return fmt.Errorf("vault %s opened twice: %w", v.info.ID, domain.ErrAlreadyExists)
		}
		fund, err := domain.ParseAmount(p.OpeningFund)
		if err != nil {
			return err
		}
		if !common.IsHexAddress(p.Trader) {
			return fmt.Errorf("invalid trader address %q", p.Trader)
		}
		v.info = domain.VaultInfo{
			ID:         ev.VaultID,
			Name:       p.Name,
			StrategyID: p.StrategyID,
			Trader:     common.HexToAddress(p.Trader),
			Policy:     p.Policy,
			CreatedAt:  ev.CreatedAt,
		}
		v.checkpoints = ledger.NewCheckpointLedger(fund, ev.CreatedAt)
		v.traderFund = fund
		v.trader.Append(0, fund)

	case domain.EventFundsAdded:
		var p domain.FundsAddedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		amount, err := domain.ParseAmount(p.Amount)
		if err != nil {
			return err
		}
		account := common.HexToAddress(p.Account)
		kind := domain.CheckpointFollowerFund
		if p.Trader {
			kind = domain.CheckpointTraderFund
		}
		next, err := v.checkpoints.Next(kind, account, amount, ev.CreatedAt)
		if err != nil {
			return err
		}
		if next.ID != p.CheckpointID {
			return fmt.Errorf("funds_added expects checkpoint %d, ledger is at %d: %w", p.CheckpointID, next.ID, domain.ErrConflict)
		}
		if p.Trader {
			fund, overflow := new(uint256.Int).AddOverflow(&v.traderFund, &amount)
			if overflow {
				return fmt.Errorf("trader fund overflow: %w", domain.ErrInvalidAmount)
			}
			if _, err := v.checkpoints.Append(kind, account, amount, ev.CreatedAt); err != nil {
				return err
			}
			v.traderFund = *fund
			v.trader.Append(next.ID, *fund)
		} else {
			if _, err := v.registry.Contribute(account, amount, next.ID, ev.CreatedAt); err != nil {
				return err
			}
			if _, err := v.checkpoints.Append(kind, account, amount, ev.CreatedAt); err != nil {
				return err
			}
		}

	case domain.EventWagerPlaced:
		var p domain.WagerPlacedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		amount, err := domain.ParseAmount(p.Amount)
		if err != nil {
			return err
		}
		if p.Index != v.wagers.Len() {
			return fmt.Errorf("wager_placed expects index %d, log has %d: %w", p.Index, v.wagers.Len(), domain.ErrConflict)
		}
		next, err := v.checkpoints.Next(domain.CheckpointWager, common.Address{}, uint256.Int{}, ev.CreatedAt)
		if err != nil {
			return err
		}
		if next.ID != p.CheckpointID {
			return fmt.Errorf("wager_placed expects checkpoint %d, ledger is at %d: %w", p.CheckpointID, next.ID, domain.ErrConflict)
		}
		var unstaked uint256.Int
		if !amount.Gt(&next.TotalPool) {
			unstaked.Sub(&next.TotalPool, &amount)
		}
		if _, err := v.wagers.Append(domain.Wager{
			ConditionID:   p.ConditionID,
			Outcome:       p.Outcome,
			StakeAmount:   amount,
			Unstaked:      unstaked,
			CheckpointID:  next.ID,
			InstrumentRef: p.InstrumentRef,
			PlacedAt:      ev.CreatedAt,
		}); err != nil {
			return err
		}
		if _, err := v.checkpoints.Append(domain.CheckpointWager, common.Address{}, uint256.Int{}, ev.CreatedAt); err != nil {
			return err
		}

	case domain.EventWagerRedeemed:
		var p domain.WagerRedeemedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		payout, err := domain.ParseAmount(p.Payout)
		if err != nil {
			return err
		}
		if err := v.wagers.MarkRedeemed(p.Index, payout); err != nil {
			return err
		}

	case domain.EventClaimSettled:
		var p domain.ClaimSettledPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		amount, err := domain.ParseAmount(p.Amount)
		if err != nil {
			return err
		}
		s := domain.Settlement{
			Account:   common.HexToAddress(p.Account),
			Amount:    amount,
			SettledAt: ev.CreatedAt,
		}
		if p.RelayedBy != "" {
			s.RelayedBy = common.HexToAddress(p.RelayedBy)
		}
		if err := v.wagers.MarkSettled(p.Index, s); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}

	v.seq = ev.Seq
	return nil
}
