package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrLedgerIntegrity   = errors.New("ledger integrity violation")
	ErrInvalidAmount     = errors.New("invalid amount: must be positive")
	ErrInvalidRating     = errors.New("invalid rating: must be between 1 and 5")
	ErrInvalidInput      = errors.New("invalid input")
)

// InvalidTransitionError is returned when a status or role guard rejects a transition.
// Callers should re-fetch the mission.
type InvalidTransitionError struct {
	MissionID string
	From      MissionStatus
	Action    string
	Reason    string
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: cannot %s mission %s in status %s", e.Action, e.MissionID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type InsufficientFundsError struct {
	UserID    string
	Balance   int64
	Requested int64
}

func (e InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: wallet %s has %d, needs %d", e.UserID, e.Balance, e.Requested)
}

func (e InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// LedgerIntegrityError means a wallet balance no longer equals the sum of its entries.
// It is never caused by correct external use.
type LedgerIntegrityError struct {
	WalletID string
	Balance  int64
	Sum      int64
}

func (e LedgerIntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation: wallet %s balance %d != entries sum %d", e.WalletID, e.Balance, e.Sum)
}

func (e LedgerIntegrityError) Is(target error) bool { return target == ErrLedgerIntegrity }
