// Package engine drives a task from publish to settlement. Every operation
// checks the lifecycle tables, commits its state change with an audit event in
// one transaction, and only then asks the escrow provider to move funds.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fieldproof/internal/config"
	"fieldproof/internal/domain"
	"fieldproof/internal/escrow"
	"fieldproof/internal/events"
	"fieldproof/internal/metrics"
	"fieldproof/internal/repo"
	"fieldproof/internal/staking"
	"fieldproof/internal/statemachine"
)

var errNotBuilt = errors.New("engine: not built with New")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Escrow  escrow.Provider
	Stakes  staking.Service
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
	Now     func() time.Time

	finalise *keyedMutex
}

func New(db *sql.DB, cfg *config.Config, provider escrow.Provider, m *metrics.Metrics, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Escrow:   provider,
		Stakes:   staking.NewService(db, staking.ParamsFrom(cfg.Staking), log),
		Metrics:  m,
		Log:      log,
		Now:      time.Now,
		finalise: newKeyedMutex(),
	}
}

// WithClock returns a copy of e whose engine, audit and stake clocks all read now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Stakes.Now = now
	e.Stakes.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Settlement actions and the pending/failed markers reported alongside
// escrow statuses.
const (
	SettleRelease = "release"
	SettleRefund  = "refund"

	SettlementPending = "pending"
	SettlementFailed  = "failed"
)

// Settlement reports what the escrow provider did after a committed
// transition. A pending or failed settlement is retried with Settle.
type Settlement struct {
	Action string `json:"action" enum:"release,refund"`
	Status string `json:"status"`
	TxHash string `json:"tx_hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Outcome is a task after an operation plus any settlement it triggered.
type Outcome struct {
	Task       domain.Task `json:"task"`
	Settlement *Settlement `json:"settlement,omitempty"`
}

func (e Engine) settle(ctx context.Context, task domain.Task, action, workerID, workerAddress string) *Settlement {
	if e.Escrow == nil {
		return nil
	}
	var (
		rc  escrow.Receipt
		err error
	)
	if action == SettleRelease {
		rc, err = e.Escrow.ReleaseToWorker(ctx, task, workerID, workerAddress)
	} else {
		rc, err = e.Escrow.RefundToRequester(ctx, task)
	}
	s := &Settlement{Action: action, Status: rc.Status, TxHash: rc.TxHash}
	log := e.Log.WithFields(logrus.Fields{"task_id": task.ID, "action": action, "provider": e.Escrow.Name()})
	switch {
	case err == nil:
		log.WithField("status", rc.Status).Info("escrow settled")
	case errors.Is(err, domain.ErrSettlementPending):
		s.Status = SettlementPending
		log.WithField("tx_hash", rc.TxHash).Warn("settlement awaiting confirmation")
	case errors.Is(err, domain.ErrEscrowNotFound) && action == SettleRefund:
		return nil
	default:
		s.Status = SettlementFailed
		s.Error = err.Error()
		log.WithError(err).Error("settlement failed")
	}
	return s
}

func (e Engine) moveTask(ctx context.Context, tx *sql.Tx, t *domain.Task, to string) error {
	if err := statemachine.Ensure(statemachine.Task, t.Status, to); err != nil {
		return err
	}
	now := e.now()
	ok, err := e.Repo.TransitionTask(ctx, tx, t.ID, t.Status, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return &statemachine.TransitionError{Kind: statemachine.Task, From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

func (e Engine) moveClaim(ctx context.Context, tx *sql.Tx, c *domain.Claim, to string) error {
	if err := statemachine.Ensure(statemachine.Claim, c.Status, to); err != nil {
		return err
	}
	ok, err := e.Repo.TransitionClaim(ctx, tx, c.ID, c.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		return &statemachine.TransitionError{Kind: statemachine.Claim, From: c.Status, To: to}
	}
	c.Status = to
	return nil
}

func (e Engine) moveSubmission(ctx context.Context, tx *sql.Tx, s *domain.Submission, to string) error {
	if err := statemachine.Ensure(statemachine.Submission, s.Status, to); err != nil {
		return err
	}
	now := e.now()
	ok, err := e.Repo.TransitionSubmission(ctx, tx, s.ID, s.Status, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return &statemachine.TransitionError{Kind: statemachine.Submission, From: s.Status, To: to}
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

func (e Engine) moveDispute(ctx context.Context, tx *sql.Tx, d *domain.Dispute, to string) error {
	if err := statemachine.Ensure(statemachine.Dispute, d.Status, to); err != nil {
		return err
	}
	now := e.now()
	ok, err := e.Repo.TransitionDispute(ctx, tx, d.ID, d.Status, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return &statemachine.TransitionError{Kind: statemachine.Dispute, From: d.Status, To: to}
	}
	d.Status = to
	d.UpdatedAt = now
	return nil
}

// releaseActiveClaim expires or releases the task's active claim and frees
// its stake. It is a no-op when no claim is active.
func (e Engine) releaseActiveClaim(ctx context.Context, tx *sql.Tx, taskID, to, actorID string) (*domain.Claim, error) {
	c, err := e.Repo.ActiveClaimTx(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := e.moveClaim(ctx, tx, &c, to); err != nil {
		return nil, err
	}
	if err := e.releaseStake(ctx, tx, taskID, c.WorkerID, actorID, false); err != nil {
		return nil, err
	}
	return &c, nil
}

// releaseStake returns an active stake to the worker. A missing or already
// settled stake is left alone.
func (e Engine) releaseStake(ctx context.Context, tx *sql.Tx, taskID, workerID, actorID string, accepted bool) error {
	_, err := e.Stakes.ReleaseTx(ctx, tx, staking.ReleaseRequest{
		TaskID:             taskID,
		WorkerID:           workerID,
		Caller:             actorID,
		AcceptedUndisputed: accepted,
		Force:              true,
	})
	if errors.Is(err, domain.ErrStakeNotFound) || errors.Is(err, domain.ErrInvalidStakeStatus) {
		return nil
	}
	return err
}

func (e Engine) workerAddress(ctx context.Context, tx *sql.Tx, workerID string) (string, error) {
	w, err := e.Repo.WorkerTx(ctx, tx, workerID)
	if err != nil {
		return "", err
	}
	return w.WalletAddress, nil
}

func (e Engine) observeScore(score int) {
	if e.Metrics != nil {
		e.Metrics.VerificationScore.Observe(float64(score))
	}
}

// keyedMutex serialises work per key, dropping a key's lock once no one
// holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
