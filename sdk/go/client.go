package fieldproofsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal fieldproof HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set; servers
	// only honour it with allow_actor_header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Bounty struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Task represents the API task model (partial).
type Task struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	Title       string    `json:"title"`
	Location    GeoPoint  `json:"location"`
	RadiusM     float64   `json:"radius_m"`
	TimeStart   time.Time `json:"time_start"`
	TimeEnd     time.Time `json:"time_end"`
	Bounty      Bounty    `json:"bounty"`
	Status      string    `json:"status"`
}

type CreateTask struct {
	Title     string    `json:"title"`
	Location  GeoPoint  `json:"location"`
	RadiusM   float64   `json:"radius_m"`
	TimeStart time.Time `json:"time_start"`
	TimeEnd   time.Time `json:"time_end"`
	Bounty    Bounty    `json:"bounty"`
}

type Claim struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

type Stake struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Amount   int64  `json:"amount"`
	StakeBps int64  `json:"stake_bps"`
	Status   string `json:"status"`
}

type ClaimResult struct {
	Claim Claim `json:"claim"`
	Stake Stake `json:"stake"`
	Task  Task  `json:"task"`
}

type Artefact struct {
	Kind           string     `json:"kind,omitempty"`
	StorageKey     string     `json:"storage_key"`
	ContentHash    string     `json:"content_hash"`
	DeclaredWidth  int        `json:"declared_width,omitempty"`
	DeclaredHeight int        `json:"declared_height,omitempty"`
	Location       *GeoPoint  `json:"location,omitempty"`
	Bearing        *float64   `json:"bearing,omitempty"`
	CapturedAt     *time.Time `json:"captured_at,omitempty"`
}

type Verification struct {
	Passed []string `json:"passed"`
	Failed []string `json:"failed"`
	Flags  []string `json:"flags"`
	Score  int      `json:"score"`
}

type Submission struct {
	ID              string        `json:"id"`
	TaskID          string        `json:"task_id"`
	WorkerID        string        `json:"worker_id"`
	Status          string        `json:"status"`
	ProofBundleHash string        `json:"proof_bundle_hash,omitempty"`
	Verification    *Verification `json:"verification,omitempty"`
}

type Dispute struct {
	ID           string `json:"id"`
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Outcome      string `json:"outcome,omitempty"`
}

type Settlement struct {
	Action string `json:"action"`
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Outcome is a task after an operation plus any settlement it triggered.
type Outcome struct {
	Task       Task        `json:"task"`
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps error responses. Code is the stable error code from the
// envelope, e.g. claim_conflict.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateTask(ctx context.Context, in CreateTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

func (c *Client) PublishTask(ctx context.Context, taskID string) (Outcome, error) {
	return c.outcome(ctx, "tasks/%s/publish", taskID, nil)
}

func (c *Client) CancelTask(ctx context.Context, taskID, reason string) (Outcome, error) {
	return c.outcome(ctx, "tasks/%s/cancel", taskID, map[string]string{"reason": reason})
}

func (c *Client) ClaimTask(ctx context.Context, taskID string) (ClaimResult, error) {
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/claim", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

func (c *Client) StartSubmission(ctx context.Context, claimID string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("claims/%s/submission", url.PathEscape(claimID)), nil, &resp)
	return resp, err
}

func (c *Client) AddArtefact(ctx context.Context, submissionID string, a Artefact) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("submissions/%s/artefacts", url.PathEscape(submissionID)), a, nil)
}

// Finalise seals the bundle; the returned submission carries the
// verification result.
func (c *Client) Finalise(ctx context.Context, submissionID string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("submissions/%s/finalise", url.PathEscape(submissionID)), nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, submissionID, comment string) (Outcome, error) {
	return c.outcome(ctx, "submissions/%s/accept", submissionID, map[string]string{"comment": comment})
}

func (c *Client) Reject(ctx context.Context, submissionID, reasonCode, comment string) (Submission, error) {
	var resp Submission
	body := map[string]string{"reason_code": reasonCode, "comment": comment}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("submissions/%s/reject", url.PathEscape(submissionID)), body, &resp)
	return resp, err
}

func (c *Client) OpenDispute(ctx context.Context, submissionID, reason string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("submissions/%s/dispute", url.PathEscape(submissionID)), map[string]string{"reason": reason}, &resp)
	return resp, err
}

// ResolveDispute rules on a dispute. workerReturnBps only applies to the
// split outcome.
func (c *Client) ResolveDispute(ctx context.Context, disputeID, outcome string, workerReturnBps int64) (Outcome, error) {
	body := map[string]any{"outcome": outcome}
	if workerReturnBps > 0 {
		body["worker_return_bps"] = workerReturnBps
	}
	return c.outcome(ctx, "disputes/%s/resolve", disputeID, body)
}

// Settle retries a pending or failed settlement.
func (c *Client) Settle(ctx context.Context, taskID string) (Outcome, error) {
	return c.outcome(ctx, "tasks/%s/settle", taskID, nil)
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) outcome(ctx context.Context, format, id string, body any) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, fmt.Sprintf(format, url.PathEscape(id)), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	// settlement_pending comes back as 202 with the error envelope.
	if apiErr := parseError(resp.StatusCode, b); apiErr != nil {
		return apiErr
	}
	if out != nil && len(b) > 0 {
		return json.Unmarshal(b, out)
	}
	return nil
}

func parseError(status int, body []byte) *APIError {
	var env struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &env)
	if status < 300 && (env.Error == nil || env.Error.Code == "") {
		return nil
	}
	e := &APIError{StatusCode: status, Body: string(body)}
	if env.Error != nil {
		e.Code, e.Message = env.Error.Code, env.Error.Message
	}
	return e
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
