package indexer_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/chain"
	"fieldproof/internal/chain/chaintest"
	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/escrow"
	"fieldproof/internal/indexer"
	"fieldproof/internal/logging"
	"fieldproof/internal/metrics"
	"fieldproof/internal/migrate"
	"fieldproof/internal/repo"
)

var (
	requester = common.HexToAddress("0x1111111111111111111111111111111111111111")
	worker    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type env struct {
	ctx      context.Context
	repo     repo.Repo
	contract *chain.Contract
	fake     *chaintest.Chain
	ix       *indexer.Indexer
	provider *escrow.ChainProvider
	metrics  *metrics.Metrics
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	contract, err := chain.NewContract("0x00000000000000000000000000000000000000aa", 1337)
	require.NoError(t, err)

	e := &env{
		ctx:      context.Background(),
		repo:     repo.Repo{DB: conn},
		contract: contract,
		fake:     chaintest.New(contract, 250),
		metrics:  metrics.New(nil),
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }

	cfg := config.Default().Chain
	cfg.ChainID = 1337
	cfg.RPCRatePerSecond = 0
	e.ix = indexer.New(conn, e.fake, contract, cfg, e.metrics, logging.Discard())
	e.ix.Now = clock
	e.ix.Events.Now = clock

	deps := escrow.NewDeps(conn, e.metrics, logging.Discard())
	deps.Now = clock
	deps.Events.Now = clock
	e.provider = escrow.NewChain(deps, contract, e.fake, e.ix, time.Second)
	e.provider.PollEvery = time.Millisecond

	tx, err := conn.BeginTx(e.ctx, nil)
	require.NoError(t, err)
	require.NoError(t, e.repo.InsertTask(e.ctx, tx, e.task("task-1")))
	require.NoError(t, e.repo.InsertTask(e.ctx, tx, e.task("task-2")))
	require.NoError(t, tx.Commit())
	return e
}

func (e *env) task(id string) domain.Task {
	return domain.Task{
		ID: id, RequesterID: "req-1", Title: "kiosk photo", RadiusM: 100,
		TimeStart: e.now, TimeEnd: e.now.Add(24 * time.Hour),
		Bounty: domain.Bounty{Amount: 10_000, Currency: "USDC"}, AssuranceMode: "single",
		Status: domain.TaskPosted, CreatedAt: e.now, UpdatedAt: e.now,
	}
}

func (e *env) open(t *testing.T, taskID string) (escrow.Created, common.Hash) {
	t.Helper()
	created, err := e.provider.CreateEscrow(e.ctx, e.task(taskID), 10_000, "USDC", "req-1")
	require.NoError(t, err)
	return created, common.HexToHash(created.SettlementID)
}

func (e *env) ledger(t *testing.T, escrowID string) []domain.LedgerEntry {
	t.Helper()
	entries, err := e.repo.ListLedgerEntries(e.ctx, repo.LedgerFilters{EscrowID: escrowID})
	require.NoError(t, err)
	return entries
}

func TestCursorInitialisesBehindHead(t *testing.T) {
	e := newEnv(t)
	e.fake.SetHead(5000)

	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4001), res.From)
	assert.Equal(t, uint64(5000), res.To)

	block, ok, err := e.ix.Cursor(e.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5000), block)
	assert.Equal(t, float64(5000), testutil.ToFloat64(e.metrics.Cursor.WithLabelValues("1337")))
}

func TestCursorStartsAtZeroOnYoungChain(t *testing.T) {
	e := newEnv(t)
	e.fake.SetHead(10)
	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.From)
}

func TestCaughtUpPollIsNoop(t *testing.T) {
	e := newEnv(t)
	e.fake.SetHead(100)
	_, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	calls := e.fake.FilterCalls()

	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Logs)
	assert.Equal(t, calls, e.fake.FilterCalls())
}

func TestPollChunksByMaxBlockRange(t *testing.T) {
	e := newEnv(t)
	e.ix.Config.MaxBlockRange = 10
	e.fake.SetHead(35)
	_, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, e.fake.FilterCalls())
	assert.Equal(t, float64(35), testutil.ToFloat64(e.metrics.BlocksScanned))
}

func TestDepositAndReleaseFromEvents(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-1")
	assert.Equal(t, domain.EscrowPending, created.Status)

	e.fake.Deposit(id, requester, 10_000)
	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	esc, err := e.repo.GetEscrow(e.ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, esc.Status)

	rc, err := e.provider.ReleaseToWorker(e.ctx, e.task("task-1"), "w1", worker.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, rc.Status)

	entries := e.ledger(t, created.EscrowID)
	require.Len(t, entries, 3)
	assert.Equal(t, domain.EntryFund, entries[0].Kind)
	assert.Equal(t, domain.EntryRelease, entries[1].Kind)
	assert.Equal(t, int64(9750), entries[1].Amount)
	assert.Equal(t, worker.Hex(), entries[1].ToParty)
	assert.Equal(t, domain.EntryFee, entries[2].Kind)
	assert.Equal(t, int64(250), entries[2].Amount)

	bal, err := e.repo.EscrowBalance(e.ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Zero(t, bal)

	// the poller sees the Released log the receipt already applied
	res, err = e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Applied)
	assert.Len(t, e.ledger(t, created.EscrowID), 3)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.EventsSkipped.WithLabelValues(indexer.SkipDuplicate)))
}

func TestReleasedOnPendingEscrowSettles(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-1")
	rel := e.fake.Emit(chaintest.Log(e.contract, chain.EventReleased, id, &worker, big.NewInt(9750), big.NewInt(250)))

	n, err := e.ix.Apply(e.ctx, []types.Log{rel})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	esc, err := e.repo.GetEscrow(e.ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, esc.Status)
	assert.Equal(t, worker.Hex(), esc.WorkerAddress)
	require.NotNil(t, esc.ReleasedAt)

	entries := e.ledger(t, created.EscrowID)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryRelease, entries[0].Kind)
	assert.Equal(t, int64(9750), entries[0].Amount)
	assert.Equal(t, domain.EntryFee, entries[1].Kind)
	assert.Equal(t, int64(250), entries[1].Amount)

	n, err = e.ix.Apply(e.ctx, []types.Log{rel})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, e.ledger(t, created.EscrowID), 2)
}

func TestRefundedAfterLocalReleaseFollowsChain(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-1")
	e.fake.Deposit(id, requester, 10_000)
	_, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	_, err = e.provider.ReleaseToWorker(e.ctx, e.task("task-1"), "w1", worker.Hex())
	require.NoError(t, err)

	e.fake.Emit(chaintest.Log(e.contract, chain.EventRefunded, id, &requester, big.NewInt(10_000)))
	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	esc, err := e.repo.GetEscrow(e.ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowRefunded, esc.Status)
	require.NotNil(t, esc.RefundedAt)

	entries := e.ledger(t, created.EscrowID)
	require.Len(t, entries, 4)
	assert.Equal(t, domain.EntryRefund, entries[3].Kind)
	assert.Equal(t, int64(10_000), entries[3].Amount)
}

func TestRepeatedTransitionFromAnotherLogWritesNoRows(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-1")
	first := e.fake.Emit(chaintest.Log(e.contract, chain.EventReleased, id, &worker, big.NewInt(9750), big.NewInt(250)))
	second := e.fake.Emit(chaintest.Log(e.contract, chain.EventReleased, id, &worker, big.NewInt(9750), big.NewInt(250)))

	n, err := e.ix.Apply(e.ctx, []types.Log{first, second})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, e.ledger(t, created.EscrowID), 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.EventsIngested.WithLabelValues(chain.EventReleased)))

	evs, err := e.repo.ListChainEvents(e.ctx, repo.ChainEventFilters{ChainID: 1337})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.True(t, ev.Processed)
	}
}

func TestNoopEventIsNotCountedAsApplied(t *testing.T) {
	e := newEnv(t)
	_, id := e.open(t, "task-1")
	acc := e.fake.Emit(chaintest.Log(e.contract, chain.EventAccepted, id, nil))

	n, err := e.ix.Apply(e.ctx, []types.Log{acc})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, testutil.ToFloat64(e.metrics.EventsIngested.WithLabelValues(chain.EventAccepted)))
}

func TestZeroFeeReleaseKeepsFeeRow(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-1")
	rel := e.fake.Emit(chaintest.Log(e.contract, chain.EventReleased, id, &worker, big.NewInt(10_000), big.NewInt(0)))

	_, err := e.ix.Apply(e.ctx, []types.Log{rel})
	require.NoError(t, err)

	entries := e.ledger(t, created.EscrowID)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryFee, entries[1].Kind)
	assert.Zero(t, entries[1].Amount)
}

func TestApplyIsIdempotent(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-1")
	dep := e.fake.Deposit(id, requester, 10_000)

	n, err := e.ix.Apply(e.ctx, []types.Log{dep})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = e.ix.Apply(e.ctx, []types.Log{dep, dep})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, e.ledger(t, created.EscrowID), 1)

	evs, err := e.repo.ListChainEvents(e.ctx, repo.ChainEventFilters{ChainID: 1337})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Processed)
}

func TestDecodeFailureIsSkipped(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-1")
	e.fake.Emit(types.Log{Address: e.contract.Address, Topics: []common.Hash{common.HexToHash("0xbad"), id}})
	e.fake.Deposit(id, requester, 10_000)

	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Logs)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.EventsSkipped.WithLabelValues(indexer.SkipDecode)))

	esc, err := e.repo.GetEscrow(e.ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, esc.Status)
}

func TestUnmatchedEventIsRecordedNotApplied(t *testing.T) {
	e := newEnv(t)
	stray := chain.SettlementID("elsewhere", e.now)
	e.fake.Deposit(stray, requester, 500)

	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)

	evs, err := e.repo.ListChainEvents(e.ctx, repo.ChainEventFilters{Unprocessed: true})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, stray.Hex(), evs[0].SettlementID)

	all, err := e.repo.ListEscrows(e.ctx, repo.EscrowFilters{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDisputeResolvedSplitsEntries(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-2")
	e.fake.Deposit(id, requester, 10_000)
	e.fake.Emit(chaintest.Log(e.contract, chain.EventWorkerAssigned, id, &worker))
	e.fake.Emit(chaintest.Log(e.contract, chain.EventDisputeResolved, id, nil,
		chain.OutcomeSplit, big.NewInt(4000), big.NewInt(5750), big.NewInt(250)))

	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)

	esc, err := e.repo.GetEscrow(e.ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, esc.Status)
	assert.Equal(t, worker.Hex(), esc.WorkerAddress)

	entries := e.ledger(t, created.EscrowID)
	require.Len(t, entries, 4)
	for _, en := range entries[1:] {
		assert.Equal(t, domain.EntryDisputeResolution, en.Kind)
	}
	bal, err := e.repo.EscrowBalance(e.ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestFilterErrorKeepsCursor(t *testing.T) {
	e := newEnv(t)
	e.fake.SetHead(50)
	_, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)

	e.fake.SetHead(60)
	e.fake.FilterErr = errors.New("rpc down")
	_, err = e.ix.PollOnce(e.ctx)
	require.Error(t, err)
	block, _, err := e.ix.Cursor(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), block)

	e.fake.FilterErr = nil
	_, err = e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	block, _, err = e.ix.Cursor(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), block)
}

type denyLock struct{}

func (denyLock) TryAcquire(context.Context) (func(), bool, error) { return nil, false, nil }

func TestHeldLockSkipsPoll(t *testing.T) {
	e := newEnv(t)
	e.ix.Locker = denyLock{}
	e.fake.SetHead(10)
	res, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	_, ok, err := e.ix.Cursor(e.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	e.ix.Config.PollInterval = 5 * time.Millisecond
	e.fake.SetHead(20)
	e.ix.Start(e.ctx)
	e.ix.Start(e.ctx)
	require.Eventually(t, func() bool {
		_, ok, err := e.ix.Cursor(e.ctx)
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)
	e.ix.Stop()
	e.ix.Stop()
}

func TestReleaseNeedsOperator(t *testing.T) {
	e := newEnv(t)
	created, id := e.open(t, "task-1")
	e.fake.Deposit(id, requester, 10_000)
	_, err := e.ix.PollOnce(e.ctx)
	require.NoError(t, err)

	e.provider.Operator = nil
	_, err = e.provider.ReleaseToWorker(e.ctx, e.task("task-1"), "w1", worker.Hex())
	assert.ErrorIs(t, err, domain.ErrOperatorUnavailable)
	esc, err := e.repo.GetEscrow(e.ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, esc.Status)
}
