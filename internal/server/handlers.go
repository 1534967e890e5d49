package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/indexer"
	"fieldproof/internal/repo"
	"fieldproof/internal/staking"
)

type out[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *out[T] { return &out[T]{Body: v} }

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

type claimPath struct {
	ClaimID string `path:"claim_id"`
}

type submissionPath struct {
	SubmissionID string `path:"submission_id"`
}

type disputePath struct {
	DisputeID string `path:"dispute_id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a draft task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*out[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID: b.ID, RequesterID: actorID, Title: b.Title, Location: b.Location, RadiusM: b.RadiusM,
			TimeStart: b.TimeStart, TimeEnd: b.TimeEnd, Requirements: b.Requirements, Bounty: b.Bounty,
			AssuranceMode: b.AssuranceMode,
		})
		if err != nil {
			return nil, badRequest(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status"`
		RequesterID string `query:"requester_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*out[[]domain.Task], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Status: input.Status, RequesterID: input.RequesterID, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task with its escrow, claims and stakes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*out[TaskDetail], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		d := TaskDetail{Task: t, Claims: []domain.Claim{}, Stakes: []domain.Stake{}}
		if e.Escrow != nil {
			st, err := e.Escrow.GetStatus(ctx, t.ID)
			if err != nil && !errors.Is(err, domain.ErrEscrowNotFound) {
				return nil, handleError(err)
			}
			d.Escrow = st
		}
		claims, err := e.Repo.ListClaims(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		d.Claims = append(d.Claims, claims...)
		stakes, err := e.Repo.ListStakes(ctx, repo.StakeFilters{TaskID: t.ID})
		if err != nil {
			return nil, handleError(err)
		}
		d.Stakes = append(d.Stakes, stakes...)
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/publish",
		Summary:     "Fund the escrow and post the task",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*out[engine.Outcome], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.PublishTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task and refund its escrow",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   *CancelTaskRequest `json:"body"`
	}) (*out[engine.Outcome], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		o, err := e.CancelTask(ctx, input.TaskID, actorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim a posted task and lock the stake",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*out[engine.ClaimResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ClaimTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/settle",
		Summary:     "Retry the escrow movement a finished task is owed",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *taskPath) (*out[engine.Outcome], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.Settle(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-ledger",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/ledger",
		Summary:     "Ledger entries booked for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*out[LedgerResponse], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListLedgerEntries(ctx, repo.LedgerFilters{TaskID: input.TaskID})
		if err != nil {
			return nil, handleError(err)
		}
		resp := LedgerResponse{Entries: []domain.LedgerEntry{}}
		resp.Entries = append(resp.Entries, entries...)
		if esc, err := e.Repo.EscrowForTask(ctx, input.TaskID); err == nil {
			if resp.Balance, err = e.Repo.EscrowBalance(ctx, esc.ID); err != nil {
				return nil, handleError(err)
			}
		}
		return reply(resp), nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "release-claim",
		Method:      http.MethodPost,
		Path:        "/claims/{claim_id}/release",
		Summary:     "Give up a claim before submitting",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *claimPath) (*out[engine.Outcome], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.ReleaseClaim(ctx, input.ClaimID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-submission",
		Method:        http.MethodPost,
		Path:          "/claims/{claim_id}/submission",
		Summary:       "Convert a claim into an empty submission",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *claimPath) (*out[domain.Submission], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartSubmission(ctx, input.ClaimID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{submission_id}",
		Summary:     "Get a submission with artefacts, decisions and any dispute",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *submissionPath) (*out[SubmissionResponse], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		s, err := e.Repo.GetSubmission(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SubmissionResponse{Submission: s}
		d, err := e.Repo.DisputeForSubmission(ctx, s.ID)
		switch {
		case err == nil:
			resp.Dispute = &d
		case !errors.Is(err, repo.ErrNotFound):
			return nil, handleError(err)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-artefact",
		Method:        http.MethodPost,
		Path:          "/submissions/{submission_id}/artefacts",
		Summary:       "Attach an uploaded artefact",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		SubmissionID string          `path:"submission_id"`
		Body         ArtefactRequest `json:"body"`
	}) (*out[domain.Artefact], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AddArtefact(ctx, input.SubmissionID, actorID, input.Body.input())
		if err != nil {
			return nil, badRequest(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalise-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/finalise",
		Summary:     "Seal the bundle and run verification",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *submissionPath) (*out[domain.Submission], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.FinaliseSubmission(ctx, input.SubmissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/accept",
		Summary:     "Accept and release the bounty",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SubmissionID string         `path:"submission_id"`
		Body         *ReviewRequest `json:"body"`
	}) (*out[engine.Outcome], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var comment string
		if input.Body != nil {
			comment = input.Body.Comment
		}
		o, err := e.AcceptSubmission(ctx, input.SubmissionID, actorID, comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/reject",
		Summary:     "Reject a finalised submission",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SubmissionID string        `path:"submission_id"`
		Body         RejectRequest `json:"body"`
	}) (*out[domain.Submission], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.RejectSubmission(ctx, input.SubmissionID, actorID, input.Body.ReasonCode, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "open-dispute",
		Method:        http.MethodPost,
		Path:          "/submissions/{submission_id}/dispute",
		Summary:       "Dispute a rejection",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		SubmissionID string              `path:"submission_id"`
		Body         *OpenDisputeRequest `json:"body"`
	}) (*out[domain.Dispute], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		d, err := e.OpenDispute(ctx, input.SubmissionID, actorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-rejected",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/close",
		Summary:     "Close an undisputed rejection and refund",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *submissionPath) (*out[engine.Outcome], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CloseRejected(ctx, input.SubmissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{dispute_id}",
		Summary:     "Get a dispute",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *disputePath) (*out[domain.Dispute], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		d, err := e.Repo.GetDispute(ctx, input.DisputeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/advance",
		Summary:     "Move a dispute toward review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		DisputeID string                `path:"dispute_id"`
		Body      AdvanceDisputeRequest `json:"body"`
	}) (*out[domain.Dispute], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.AdvanceDispute(ctx, input.DisputeID, input.Body.To, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/resolve",
		Summary:     "Rule on a dispute and settle the task",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		DisputeID string                `path:"dispute_id"`
		Body      ResolveDisputeRequest `json:"body"`
	}) (*out[engine.Outcome], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.ResolveDispute(ctx, input.DisputeID, engine.ResolveOptions{
			Outcome:           input.Body.Outcome,
			WorkerReturnBps:   input.Body.WorkerReturnBps,
			RequesterShareBps: input.Body.RequesterShareBps,
			ActorID:           actorID,
			Comment:           input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(o), nil
	})
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-worker",
		Method:      http.MethodPut,
		Path:        "/workers/{worker_id}",
		Summary:     "Record a worker's reputation and payout wallet",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkerID string               `path:"worker_id"`
		Body     WorkerProfileRequest `json:"body"`
	}) (*out[domain.Worker], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.UpsertWorker(ctx, engine.WorkerProfile{
			ID: input.WorkerID, ReputationBps: input.Body.ReputationBps, WalletAddress: input.Body.WalletAddress,
		}, actorID)
		if err != nil {
			return nil, badRequest(err)
		}
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stake-quote",
		Method:      http.MethodGet,
		Path:        "/workers/{worker_id}/stake-quote",
		Summary:     "Stake the worker would lock for a bounty",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
		Bounty   int64  `query:"bounty" required:"true"`
	}) (*out[staking.Quote], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		q, err := e.StakeQuote(ctx, input.Bounty, input.WorkerID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(q), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reset-strikes",
		Method:        http.MethodPost,
		Path:          "/workers/{worker_id}/strikes/reset",
		Summary:       "Reset a worker's strike counter",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResetStrikes(ctx, input.WorkerID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOps(api huma.API, e engine.Engine, ix *indexer.Indexer) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Expire overdue claims and tasks and close stale rejections",
	}, func(ctx context.Context, _ *struct{}) (*out[engine.SweepResult], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		res, err := e.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "chain-status",
		Method:      http.MethodGet,
		Path:        "/chain",
		Summary:     "Indexer cursor and recent chain events",
	}, func(ctx context.Context, input *struct {
		SettlementID string `query:"settlement_id"`
		Unprocessed  bool   `query:"unprocessed"`
		Limit        int    `query:"limit" default:"50"`
	}) (*out[ChainStatus], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		resp := ChainStatus{Events: []domain.ChainEvent{}}
		if e.Escrow != nil {
			resp.Provider = e.Escrow.Name()
		}
		f := repo.ChainEventFilters{SettlementID: input.SettlementID, Unprocessed: input.Unprocessed, Limit: normalizeLimit(input.Limit)}
		if ix != nil {
			resp.ChainID = ix.Config.ChainID
			f.ChainID = ix.Config.ChainID
			block, ok, err := ix.Cursor(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			if ok {
				resp.Cursor = &block
			}
		}
		evs, err := e.Repo.ListChainEvents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Events = append(resp.Events, evs...)
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "chain-poll",
		Method:      http.MethodPost,
		Path:        "/chain/poll",
		Summary:     "Run one indexer pass now",
		Errors:      []int{http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*out[indexer.PollResult], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		if ix == nil {
			return nil, newAPIError(http.StatusConflict, "indexer_disabled", "escrow provider is not chain", nil)
		}
		res, err := ix.PollOnce(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusBadGateway, "poll_failed", err.Error(), nil)
		}
		return reply(res), nil
	})
}
