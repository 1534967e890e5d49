package domain

import "time"

// Task statuses.
const (
	TaskDraft     = "draft"
	TaskPosted    = "posted"
	TaskClaimed   = "claimed"
	TaskSubmitted = "submitted"
	TaskAccepted  = "accepted"
	TaskDisputed  = "disputed"
	TaskCancelled = "cancelled"
	TaskExpired   = "expired"
)

// Claim statuses.
const (
	ClaimActive    = "active"
	ClaimReleased  = "released"
	ClaimExpired   = "expired"
	ClaimConverted = "converted"
)

// Submission statuses.
const (
	SubmissionCreated   = "created"
	SubmissionUploading = "uploading"
	SubmissionFinalised = "finalised"
	SubmissionAccepted  = "accepted"
	SubmissionRejected  = "rejected"
	SubmissionDisputed  = "disputed"
	SubmissionResolved  = "resolved"
)

// Dispute statuses.
const (
	DisputeOpened          = "opened"
	DisputeEvidencePending = "evidence_pending"
	DisputeUnderReview     = "under_review"
	DisputeResolved        = "resolved"
)

// Escrow statuses.
const (
	EscrowPending  = "pending"
	EscrowFunded   = "funded"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

// Stake statuses.
const (
	StakeActive         = "active"
	StakeReleased       = "released"
	StakeSlashedPartial = "slashed_partial"
	StakeSlashedFull    = "slashed_full"
)

// Escrow provider tags.
const (
	ProviderLedger = "ledger"
	ProviderChain  = "chain"
)

// Ledger entry kinds.
const (
	EntryFund              = "fund"
	EntryRelease           = "release"
	EntryFee               = "fee"
	EntryRefund            = "refund"
	EntryDisputeResolution = "dispute_resolution"
	EntryStakeLock         = "stake_lock"
	EntryStakeRelease      = "stake_release"
	EntryStakeSlash        = "stake_slash"
)

// Ledger entry directions, relative to the escrow or stake account.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Well-known ledger parties.
const (
	PartyPlatform = "platform"
	PartyEscrow   = "escrow"
)

// Decision actions.
const (
	DecisionAccept  = "accept"
	DecisionReject  = "reject"
	DecisionResolve = "resolve"
)

// Artefact kinds and task assurance modes.
const (
	ArtefactPhoto   = "photo"
	ArtefactVideo   = "video"
	AssuranceSingle = "single"
	AssuranceQuorum = "quorum"
)

// Dispute outcomes.
const (
	OutcomeWorker    = "worker"
	OutcomeRequester = "requester"
	OutcomeSplit     = "split"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type BearingRequirement struct {
	Required  bool    `json:"required"`
	Target    float64 `json:"target"`
	Tolerance float64 `json:"tolerance,omitempty"`
}

type PhotoRequirement struct {
	Count int `json:"count"`
}

// Requirements describes what a valid proof bundle must contain.
type Requirements struct {
	Photos           PhotoRequirement   `json:"photos"`
	MinWidthPx       int                `json:"min_width_px,omitempty"`
	MinHeightPx      int                `json:"min_height_px,omitempty"`
	Bearing          BearingRequirement `json:"bearing"`
	FreshnessMinutes int                `json:"freshness_minutes,omitempty"`
}

type Bounty struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Task struct {
	ID            string       `json:"id"`
	RequesterID   string       `json:"requester_id"`
	Title         string       `json:"title"`
	Location      GeoPoint     `json:"location"`
	RadiusM       float64      `json:"radius_m"`
	TimeStart     time.Time    `json:"time_start"`
	TimeEnd       time.Time    `json:"time_end"`
	Requirements  Requirements `json:"requirements"`
	Bounty        Bounty       `json:"bounty"`
	AssuranceMode string       `json:"assurance_mode" enum:"single,quorum"`
	Status        string       `json:"status" enum:"draft,posted,claimed,submitted,accepted,disputed,cancelled,expired"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type Claim struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status" enum:"active,released,expired,converted"`
}

type Artefact struct {
	ID             string     `json:"id"`
	SubmissionID   string     `json:"submission_id"`
	Position       int        `json:"position"`
	Kind           string     `json:"kind"`
	StorageKey     string     `json:"storage_key"`
	ContentHash    string     `json:"content_hash"`
	DeclaredWidth  int        `json:"declared_width"`
	DeclaredHeight int        `json:"declared_height"`
	MeasuredWidth  *int       `json:"measured_width,omitempty"`
	MeasuredHeight *int       `json:"measured_height,omitempty"`
	Location       *GeoPoint  `json:"location,omitempty"`
	Bearing        *float64   `json:"bearing,omitempty"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Width returns the measured width when known, else the declared one.
func (a Artefact) Width() int {
	if a.MeasuredWidth != nil {
		return *a.MeasuredWidth
	}
	return a.DeclaredWidth
}

func (a Artefact) Height() int {
	if a.MeasuredHeight != nil {
		return *a.MeasuredHeight
	}
	return a.DeclaredHeight
}

type VerificationResult struct {
	Passed     []string  `json:"passed"`
	Failed     []string  `json:"failed"`
	Flags      []string  `json:"flags"`
	Score      int       `json:"score"`
	VerifiedAt time.Time `json:"verified_at"`
}

type Submission struct {
	ID              string              `json:"id"`
	TaskID          string              `json:"task_id"`
	ClaimID         string              `json:"claim_id"`
	WorkerID        string              `json:"worker_id"`
	Status          string              `json:"status" enum:"created,uploading,finalised,accepted,rejected,disputed,resolved"`
	ProofBundleHash string              `json:"proof_bundle_hash,omitempty"`
	Verification    *VerificationResult `json:"verification,omitempty"`
	Artefacts       []Artefact          `json:"artefacts,omitempty"`
	Decisions       []Decision          `json:"decisions,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	FinalisedAt     *time.Time          `json:"finalised_at,omitempty"`
}

type Decision struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action" enum:"accept,reject,resolve"`
	ReasonCode   string    `json:"reason_code,omitempty"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Dispute struct {
	ID           string     `json:"id"`
	SubmissionID string     `json:"submission_id"`
	TaskID       string     `json:"task_id"`
	OpenedBy     string     `json:"opened_by"`
	Reason       string     `json:"reason,omitempty"`
	Status       string     `json:"status" enum:"opened,evidence_pending,under_review,resolved"`
	Outcome      string     `json:"outcome,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

type Escrow struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Provider      string     `json:"provider" enum:"ledger,chain"`
	SettlementID  string     `json:"settlement_id"`
	ProviderRef   string     `json:"provider_ref"`
	RequesterID   string     `json:"requester_id"`
	WorkerAddress string     `json:"worker_address,omitempty"`
	PendingTx     string     `json:"pending_tx,omitempty"`
	Status        string     `json:"status" enum:"pending,funded,released,refunded"`
	FundedAt      *time.Time `json:"funded_at,omitempty"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EscrowStatus is the provider-neutral view returned by GetStatus.
type EscrowStatus struct {
	EscrowID    string `json:"escrow_id"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	PendingTx   string `json:"pending_tx,omitempty"`
}

// IsTerminalEscrow reports whether no further fund movement may happen.
func IsTerminalEscrow(status string) bool {
	return status == EscrowReleased || status == EscrowRefunded
}

type LedgerEntry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	EscrowID   string    `json:"escrow_id,omitempty"`
	Kind       string    `json:"kind"`
	Direction  string    `json:"direction" enum:"in,out"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	FromParty  string    `json:"from_party"`
	ToParty    string    `json:"to_party"`
	ExternalTx string    `json:"external_tx,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Signed returns the amount as seen by the escrow account.
func (e LedgerEntry) Signed() int64 {
	if e.Direction == DirectionOut {
		return -e.Amount
	}
	return e.Amount
}

type ChainCursor struct {
	ChainID   int64     `json:"chain_id"`
	LastBlock uint64    `json:"last_block"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChainEvent struct {
	ID           int64      `json:"id"`
	ChainID      int64      `json:"chain_id"`
	TxHash       string     `json:"tx_hash"`
	LogIndex     uint       `json:"log_index"`
	BlockNumber  uint64     `json:"block_number"`
	Name         string     `json:"name"`
	SettlementID string     `json:"settlement_id"`
	PayloadJSON  string     `json:"payload_json"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Stake struct {
	TaskID          string     `json:"task_id"`
	WorkerID        string     `json:"worker_id"`
	BountyAmount    int64      `json:"bounty_amount"`
	StakeBps        int64      `json:"stake_bps"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status" enum:"active,released,slashed_partial,slashed_full"`
	WorkerReturn    int64      `json:"worker_return"`
	RequesterAmount int64      `json:"requester_amount"`
	PlatformAmount  int64      `json:"platform_amount"`
	Converted       bool       `json:"converted"`
	CreatedAt       time.Time  `json:"created_at"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	SlashedAt       *time.Time `json:"slashed_at,omitempty"`
}

type Worker struct {
	ID            string    `json:"id"`
	ReputationBps int64     `json:"reputation_bps"`
	Strikes       int64     `json:"strikes"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
