package server

import (
	"time"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ID            string              `json:"id,omitempty"`
	Title         string              `json:"title" minLength:"1"`
	Location      domain.GeoPoint     `json:"location"`
	RadiusM       float64             `json:"radius_m" exclusiveMinimum:"0"`
	TimeStart     time.Time           `json:"time_start"`
	TimeEnd       time.Time           `json:"time_end"`
	Requirements  domain.Requirements `json:"requirements,omitempty"`
	Bounty        domain.Bounty       `json:"bounty"`
	AssuranceMode string              `json:"assurance_mode,omitempty" enum:"single,quorum"`
}

type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ArtefactRequest struct {
	Kind           string           `json:"kind,omitempty" enum:"photo,video"`
	StorageKey     string           `json:"storage_key" minLength:"1"`
	ContentHash    string           `json:"content_hash" minLength:"1"`
	DeclaredWidth  int              `json:"declared_width,omitempty" minimum:"0"`
	DeclaredHeight int              `json:"declared_height,omitempty" minimum:"0"`
	MeasuredWidth  *int             `json:"measured_width,omitempty"`
	MeasuredHeight *int             `json:"measured_height,omitempty"`
	Location       *domain.GeoPoint `json:"location,omitempty"`
	Bearing        *float64         `json:"bearing,omitempty"`
	CapturedAt     *time.Time       `json:"captured_at,omitempty"`
}

func (r ArtefactRequest) input() engine.ArtefactInput {
	return engine.ArtefactInput{
		Kind:           r.Kind,
		StorageKey:     r.StorageKey,
		ContentHash:    r.ContentHash,
		DeclaredWidth:  r.DeclaredWidth,
		DeclaredHeight: r.DeclaredHeight,
		MeasuredWidth:  r.MeasuredWidth,
		MeasuredHeight: r.MeasuredHeight,
		Location:       r.Location,
		Bearing:        r.Bearing,
		CapturedAt:     r.CapturedAt,
	}
}

type ReviewRequest struct {
	Comment string `json:"comment,omitempty"`
}

type RejectRequest struct {
	ReasonCode string `json:"reason_code" minLength:"1"`
	Comment    string `json:"comment,omitempty"`
}

type OpenDisputeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AdvanceDisputeRequest struct {
	To string `json:"to" enum:"evidence_pending,under_review"`
}

type ResolveDisputeRequest struct {
	Outcome           string `json:"outcome" enum:"worker,requester,split"`
	WorkerReturnBps   int64  `json:"worker_return_bps,omitempty" minimum:"0" maximum:"10000"`
	RequesterShareBps *int64 `json:"requester_share_bps,omitempty" minimum:"0" maximum:"10000"`
	Comment           string `json:"comment,omitempty"`
}

type WorkerProfileRequest struct {
	ReputationBps int64  `json:"reputation_bps" minimum:"0" maximum:"10000"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// Responses

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type SubmissionResponse struct {
	Submission domain.Submission `json:"submission"`
	Dispute    *domain.Dispute   `json:"dispute,omitempty"`
}

type TaskDetail struct {
	Task   domain.Task          `json:"task"`
	Escrow *domain.EscrowStatus `json:"escrow,omitempty"`
	Claims []domain.Claim       `json:"claims"`
	Stakes []domain.Stake       `json:"stakes"`
}

type LedgerResponse struct {
	Entries []domain.LedgerEntry `json:"entries"`
	Balance int64                `json:"balance"`
}

type ChainStatus struct {
	Provider string              `json:"provider"`
	ChainID  int64               `json:"chain_id,omitempty"`
	Cursor   *uint64             `json:"cursor,omitempty"`
	Events   []domain.ChainEvent `json:"events"`
}
