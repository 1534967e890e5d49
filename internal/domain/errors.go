package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrInvalidEscrowStatus  = errors.New("invalid escrow status")
	ErrInvalidStakeStatus   = errors.New("invalid stake status")
	ErrEscrowNotFound       = errors.New("escrow not found")
	ErrStakeNotFound        = errors.New("stake not found")
	ErrOperatorUnavailable  = errors.New("chain operator not configured")
	ErrInvalidPercentage    = errors.New("invalid percentage")
	ErrInsufficientAmount   = errors.New("insufficient amount")
	ErrDuplicateEvent       = errors.New("duplicate chain event")
	ErrDecodeFailure        = errors.New("chain event decode failure")
	ErrClaimConflict        = errors.New("task already claimed")
	ErrAlreadyFinalised     = errors.New("submission already finalised")
	ErrSubmissionSealed     = errors.New("submission sealed")
	ErrSettlementPending    = errors.New("settlement pending confirmation")
	ErrTransactionReverted  = errors.New("settlement transaction reverted")
	ErrReleaseLocked        = errors.New("stake release not yet allowed")
	ErrDisputeWindowClosed  = errors.New("dispute window closed")
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidConfig        = errors.New("invalid config")
	ErrMissingWorkerAddress = errors.New("worker wallet address required")
)
