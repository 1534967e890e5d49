// Package chaintest provides an in-memory settlement contract for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"fieldproof/internal/chain"
)

type deposit struct {
	requester common.Address
	amount    int64
	worker    common.Address
}

// Chain fakes both the RPC log source and the operator transactor. Every
// emitted log is also kept in the block history so the indexer later sees the
// same events a receipt carried.
type Chain struct {
	Contract *chain.Contract
	FeeBps   int64

	// Hold keeps receipts unmined until Mine is called.
	Hold bool
	// Revert makes the next operator call fail on chain.
	Revert bool
	// FilterErr fails FilterLogs calls while set.
	FilterErr error

	mu          sync.Mutex
	head        uint64
	logs        []types.Log
	receipts    map[common.Hash]*types.Receipt
	held        map[common.Hash]*types.Receipt
	deposits    map[common.Hash]*deposit
	txCount     int
	filterCalls int
	Sent        []string
}

func New(c *chain.Contract, feeBps int64) *Chain {
	return &Chain{
		Contract: c,
		FeeBps:   feeBps,
		receipts: map[common.Hash]*types.Receipt{},
		held:     map[common.Hash]*types.Receipt{},
		deposits: map[common.Hash]*deposit{},
	}
}

// SetHead moves the chain tip without emitting logs.
func (c *Chain) SetHead(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = n
}

func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *Chain) FilterCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filterCalls
}

// Deposit emits Deposited in a new block, as a requester funding the contract.
func (c *Chain) Deposit(id common.Hash, requester common.Address, amount int64) types.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposits[id] = &deposit{requester: requester, amount: amount}
	txHash := c.nextTx()
	c.head++
	l := Log(c.Contract, chain.EventDeposited, id, &requester, big.NewInt(amount))
	c.place(&l, txHash, 0)
	return l
}

// Emit appends an arbitrary log in a new block.
func (c *Chain) Emit(l types.Log) types.Log {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head++
	c.place(&l, c.nextTx(), 0)
	return l
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterCalls++
	if c.FilterErr != nil {
		return nil, c.FilterErr
	}
	var out []types.Log
	for _, l := range c.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddr(q.Addresses, l.Address) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *Chain) Release(ctx context.Context, id common.Hash, worker common.Address) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deposits[id]
	if !ok {
		return common.Hash{}, fmt.Errorf("no deposit for %s", id.Hex())
	}
	fee := d.amount * c.FeeBps / 10000
	l := Log(c.Contract, chain.EventReleased, id, &worker, big.NewInt(d.amount-fee), big.NewInt(fee))
	c.Sent = append(c.Sent, "release:"+id.Hex())
	return c.mine(l), nil
}

func (c *Chain) Refund(ctx context.Context, id common.Hash) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deposits[id]
	if !ok {
		return common.Hash{}, fmt.Errorf("no deposit for %s", id.Hex())
	}
	l := Log(c.Contract, chain.EventRefunded, id, &d.requester, big.NewInt(d.amount))
	c.Sent = append(c.Sent, "refund:"+id.Hex())
	return c.mine(l), nil
}

func (c *Chain) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// Mine publishes every held receipt.
func (c *Chain) Mine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for h, r := range c.held {
		c.publish(h, r)
		delete(c.held, h)
	}
}

func (c *Chain) mine(l types.Log) common.Hash {
	txHash := c.nextTx()
	r := &types.Receipt{TxHash: txHash, Status: types.ReceiptStatusSuccessful}
	if c.Revert {
		c.Revert = false
		r.Status = types.ReceiptStatusFailed
	} else {
		r.Logs = []*types.Log{&l}
	}
	if c.Hold {
		c.held[txHash] = r
		return txHash
	}
	c.publish(txHash, r)
	return txHash
}

func (c *Chain) publish(txHash common.Hash, r *types.Receipt) {
	c.head++
	r.BlockNumber = new(big.Int).SetUint64(c.head)
	for i, l := range r.Logs {
		c.place(l, txHash, uint(i))
	}
	c.receipts[txHash] = r
}

func (c *Chain) place(l *types.Log, txHash common.Hash, index uint) {
	l.BlockNumber = c.head
	l.TxHash = txHash
	l.Index = index
	c.logs = append(c.logs, *l)
}

func (c *Chain) nextTx() common.Hash {
	c.txCount++
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", c.txCount)))
}

// Log builds a contract log for event name. addr fills the second indexed
// topic when the event has one; args are the non-indexed values in order.
func Log(c *chain.Contract, name string, id common.Hash, addr *common.Address, args ...any) types.Log {
	ev, ok := c.ABI.Events[name]
	if !ok {
		panic("chaintest: unknown event " + name)
	}
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		panic(fmt.Sprintf("chaintest: pack %s: %v", name, err))
	}
	topics := []common.Hash{ev.ID, id}
	if addr != nil {
		topics = append(topics, common.BytesToHash(addr.Bytes()))
	}
	return types.Log{Address: c.Address, Topics: topics, Data: data}
}

func containsAddr(list []common.Address, a common.Address) bool {
	for _, v := range list {
		if v == a {
			return true
		}
	}
	return false
}
