package chain_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/chain"
	"fieldproof/internal/chain/chaintest"
	"fieldproof/internal/domain"
)

const (
	contractAddr = "0x00000000000000000000000000000000000000aa"
	testKey      = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
)

var (
	requester = common.HexToAddress("0x1111111111111111111111111111111111111111")
	worker    = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newContract(t *testing.T) *chain.Contract {
	t.Helper()
	c, err := chain.NewContract(contractAddr, 1337)
	require.NoError(t, err)
	return c
}

func TestDecodeEvents(t *testing.T) {
	c := newContract(t)
	id := chain.SettlementID("task-1", time.Unix(1700000000, 0))

	dep := chaintest.Log(c, chain.EventDeposited, id, &requester, big.NewInt(1000))
	dep.BlockNumber = 7
	dep.Index = 2
	ev, err := c.Decode(dep)
	require.NoError(t, err)
	assert.Equal(t, chain.EventDeposited, ev.Name)
	assert.Equal(t, id.Hex(), ev.SettlementID)
	assert.Equal(t, requester.Hex(), ev.Requester)
	assert.Equal(t, int64(1000), ev.Amount)
	assert.Equal(t, uint64(7), ev.BlockNumber)
	assert.Equal(t, uint(2), ev.LogIndex)

	rel := chaintest.Log(c, chain.EventReleased, id, &worker, big.NewInt(975), big.NewInt(25))
	ev, err = c.Decode(rel)
	require.NoError(t, err)
	assert.Equal(t, worker.Hex(), ev.Worker)
	assert.Equal(t, int64(975), ev.WorkerAmount)
	assert.Equal(t, int64(25), ev.Fee)

	res := chaintest.Log(c, chain.EventDisputeResolved, id, nil,
		chain.OutcomeSplit, big.NewInt(400), big.NewInt(575), big.NewInt(25))
	ev, err = c.Decode(res)
	require.NoError(t, err)
	assert.Equal(t, chain.OutcomeSplit, ev.Outcome)
	assert.Equal(t, int64(400), ev.WorkerAmount)
	assert.Equal(t, int64(575), ev.RequesterAmount)

	acc := chaintest.Log(c, chain.EventAccepted, id, nil)
	ev, err = c.Decode(acc)
	require.NoError(t, err)
	assert.Equal(t, chain.EventAccepted, ev.Name)
	assert.Contains(t, ev.PayloadJSON(), `"name":"Accepted"`)
}

func TestDecodeFailures(t *testing.T) {
	c := newContract(t)
	id := chain.SettlementID("task-1", time.Unix(1, 0))

	_, err := c.Decode(types.Log{})
	assert.ErrorIs(t, err, domain.ErrDecodeFailure)

	_, err = c.Decode(types.Log{Topics: []common.Hash{common.HexToHash("0xdead"), id}})
	assert.ErrorIs(t, err, domain.ErrDecodeFailure)

	short := chaintest.Log(c, chain.EventDeposited, id, &requester, big.NewInt(1))
	short.Topics = short.Topics[:2]
	_, err = c.Decode(short)
	assert.ErrorIs(t, err, domain.ErrDecodeFailure)

	huge := new(big.Int).Lsh(big.NewInt(1), 80)
	overflow := chaintest.Log(c, chain.EventRefunded, id, &requester, huge)
	_, err = c.Decode(overflow)
	assert.ErrorIs(t, err, domain.ErrDecodeFailure)

	truncated := chaintest.Log(c, chain.EventReleased, id, &worker, big.NewInt(1), big.NewInt(1))
	truncated.Data = truncated.Data[:10]
	_, err = c.Decode(truncated)
	assert.ErrorIs(t, err, domain.ErrDecodeFailure)
}

func TestSettlementID(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := chain.SettlementID("task-1", at)
	assert.Equal(t, a, chain.SettlementID("task-1", at))
	assert.NotEqual(t, a, chain.SettlementID("task-2", at))
	assert.NotEqual(t, a, chain.SettlementID("task-1", at.Add(time.Second)))

	parsed, err := chain.ParseSettlementID(a.Hex())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
	_, err = chain.ParseSettlementID("0x1234")
	assert.Error(t, err)
}

func TestNewContractRejectsBadAddress(t *testing.T) {
	_, err := chain.NewContract("not-an-address", 1)
	assert.Error(t, err)
	c, err := chain.NewContract("", 1)
	require.NoError(t, err)
	assert.Len(t, c.Topics(), 7)
}

type fakeBackend struct {
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	if r, ok := b.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func TestOperatorSignsCalls(t *testing.T) {
	c := newContract(t)
	backend := &fakeBackend{nonce: 4, receipts: map[common.Hash]*types.Receipt{}}

	_, err := chain.NewOperator(backend, c, "", 200000)
	assert.ErrorIs(t, err, domain.ErrOperatorUnavailable)

	op, err := chain.NewOperator(backend, c, "0x"+testKey, 200000)
	require.NoError(t, err)

	id := chain.SettlementID("task-1", time.Unix(1, 0))
	hash, err := op.Release(context.Background(), id, worker)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, c.Address, *tx.To())
	assert.Equal(t, uint64(200000), tx.Gas())
	assert.Equal(t, c.ABI.Methods["release"].ID, tx.Data()[:4])

	signer := types.NewEIP155Signer(big.NewInt(1337))
	from, err := types.Sender(signer, tx)
	require.NoError(t, err)
	assert.Equal(t, op.Address(), from)

	_, err = op.Refund(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), backend.sent[1].Nonce())
	assert.Equal(t, c.ABI.Methods["refund"].ID, backend.sent[1].Data()[:4])
}

func TestWaitReceipt(t *testing.T) {
	c := newContract(t)
	fake := chaintest.New(c, 250)
	id := chain.SettlementID("task-1", time.Unix(1, 0))
	fake.Deposit(id, requester, 1000)

	hash, err := fake.Release(context.Background(), id, worker)
	require.NoError(t, err)
	receipt, err := chain.WaitReceipt(context.Background(), fake, hash, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, receipt.Logs, 1)
	ev, err := c.Decode(*receipt.Logs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(975), ev.WorkerAmount)
	assert.Equal(t, int64(25), ev.Fee)

	fake.Revert = true
	hash, err = fake.Refund(context.Background(), id)
	require.NoError(t, err)
	_, err = chain.WaitReceipt(context.Background(), fake, hash, time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTransactionReverted)

	fake.Hold = true
	hash, err = fake.Refund(context.Background(), id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = chain.WaitReceipt(ctx, fake, hash, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fake.Mine()
	_, err = chain.WaitReceipt(context.Background(), fake, hash, time.Millisecond)
	assert.NoError(t, err)
}
