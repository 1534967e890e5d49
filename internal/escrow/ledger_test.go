package escrow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/escrow"
	"fieldproof/internal/logging"
	"fieldproof/internal/metrics"
	"fieldproof/internal/migrate"
	"fieldproof/internal/repo"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newDeps(t *testing.T) escrow.Deps {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	deps := escrow.NewDeps(conn, metrics.New(nil), logging.Discard())
	deps.Now = func() time.Time { return testNow }
	deps.Events.Now = deps.Now

	tx, err := conn.Begin()
	require.NoError(t, err)
	for _, id := range []string{"task-1", "task-2"} {
		require.NoError(t, deps.Repo.InsertTask(context.Background(), tx, testTask(id)))
	}
	require.NoError(t, tx.Commit())
	return deps
}

func testTask(id string) domain.Task {
	return domain.Task{
		ID: id, RequesterID: "req-1", Title: "shelf audit", RadiusM: 50,
		TimeStart: testNow, TimeEnd: testNow.Add(24 * time.Hour),
		Bounty: domain.Bounty{Amount: 10_000, Currency: "USDC"}, AssuranceMode: "single",
		Status: domain.TaskPosted, CreatedAt: testNow, UpdatedAt: testNow,
	}
}

func entries(t *testing.T, r repo.Repo, escrowID string) []domain.LedgerEntry {
	t.Helper()
	out, err := r.ListLedgerEntries(context.Background(), repo.LedgerFilters{EscrowID: escrowID})
	require.NoError(t, err)
	return out
}

func TestLedgerReleaseNetsToZero(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)
	p := escrow.NewLedger(deps, 500)

	created, err := p.CreateEscrow(ctx, testTask("task-1"), 10_000, "USDC", "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, created.Status)
	assert.Equal(t, created.EscrowID, created.SettlementID)

	again, err := p.CreateEscrow(ctx, testTask("task-1"), 10_000, "USDC", "req-1")
	require.NoError(t, err)
	assert.Equal(t, created.EscrowID, again.EscrowID)

	_, err = p.CreateEscrow(ctx, testTask("task-1"), 20_000, "USDC", "req-1")
	assert.ErrorIs(t, err, domain.ErrInvalidEscrowStatus)

	rc, err := p.ReleaseToWorker(ctx, testTask("task-1"), "w1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, rc.Status)

	got := entries(t, deps.Repo, created.EscrowID)
	require.Len(t, got, 3)
	assert.Equal(t, domain.EntryFund, got[0].Kind)
	assert.Equal(t, domain.DirectionIn, got[0].Direction)
	assert.Equal(t, domain.EntryRelease, got[1].Kind)
	assert.Equal(t, int64(9500), got[1].Amount)
	assert.Equal(t, "w1", got[1].ToParty)
	assert.Equal(t, domain.EntryFee, got[2].Kind)
	assert.Equal(t, int64(500), got[2].Amount)
	assert.Equal(t, domain.PartyPlatform, got[2].ToParty)

	bal, err := deps.Repo.EscrowBalance(ctx, created.EscrowID)
	require.NoError(t, err)
	assert.Zero(t, bal)

	_, err = p.ReleaseToWorker(ctx, testTask("task-1"), "w1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidEscrowStatus)
	_, err = p.RefundToRequester(ctx, testTask("task-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidEscrowStatus)

	assert.Equal(t, float64(1), testutil.ToFloat64(deps.Metrics.EscrowOps.WithLabelValues("ledger", "release", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(deps.Metrics.EscrowOps.WithLabelValues("ledger", "release", "error")))
}

func TestLedgerRefund(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)
	p := escrow.NewLedger(deps, 500)

	created, err := p.CreateEscrow(ctx, testTask("task-2"), 7_000, "USDC", "req-1")
	require.NoError(t, err)
	rc, err := p.RefundToRequester(ctx, testTask("task-2"))
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowRefunded, rc.Status)

	got := entries(t, deps.Repo, created.EscrowID)
	require.Len(t, got, 2)
	assert.Equal(t, domain.EntryRefund, got[1].Kind)
	assert.Equal(t, "req-1", got[1].ToParty)

	st, err := p.GetStatus(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowRefunded, st.Status)
	assert.Equal(t, int64(7_000), st.Amount)
	assert.Equal(t, "ledger", st.Provider)
}

func TestLedgerErrors(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)
	p := escrow.NewLedger(deps, 500)

	_, err := p.CreateEscrow(ctx, testTask("task-1"), 0, "USDC", "req-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientAmount)
	_, err = p.ReleaseToWorker(ctx, testTask("task-1"), "w1", "")
	assert.ErrorIs(t, err, domain.ErrEscrowNotFound)
	_, err = p.GetStatus(ctx, "task-1")
	assert.ErrorIs(t, err, domain.ErrEscrowNotFound)
}

func TestLedgerReleaseRollsBackOnEntryFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	ts := "2024-03-01T12:00:00.000000000Z"
	cols := []string{"id", "task_id", "amount", "currency", "provider", "settlement_id", "provider_ref", "requester_id",
		"worker_address", "pending_tx", "status", "funded_at", "released_at", "refunded_at", "created_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM escrows WHERE task_id").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("e1", "task-1", 10_000, "USDC", "ledger", "e1", "ledger:e1", "req-1",
			"", "", "funded", ts, nil, nil, ts, ts))
	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	deps := escrow.Deps{DB: conn, Repo: repo.Repo{DB: conn}, Log: logging.Discard(), Now: func() time.Time { return testNow }}
	deps.Events.DB = conn
	p := escrow.NewLedger(deps, 500)

	_, err = p.ReleaseToWorker(context.Background(), testTask("task-1"), "w1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}
