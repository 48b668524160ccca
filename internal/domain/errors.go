package domain

import "errors"

// Vault error kinds. Every rejected vault operation returns one of these
// (possibly wrapped) and leaves vault state unchanged.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrConditionNotReady   = errors.New("condition not ready")
	ErrConditionUnresolved = errors.New("condition unresolved")
	ErrAlreadySettled      = errors.New("already settled")
	ErrOverStake           = errors.New("stake exceeds pool")
	ErrInvalidOutcome      = errors.New("invalid outcome")
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrConflict          = errors.New("journal sequence conflict")
	ErrSettlementPending = errors.New("settlement time not reached")
	ErrConditionClosed   = errors.New("condition closed for staking")
	ErrAlreadyRedeemed   = errors.New("instrument already redeemed")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
)
