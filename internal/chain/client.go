package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"fieldproof/internal/domain"
)

// LogSource is the read side of an RPC node. *ethclient.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Transactor submits operator calls to the settlement contract. Receipt
// returns ethereum.NotFound while a transaction is still pending.
type Transactor interface {
	Release(ctx context.Context, settlementID common.Hash, worker common.Address) (common.Hash, error)
	Refund(ctx context.Context, settlementID common.Hash) (common.Hash, error)
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Backend is the subset of ethclient the operator needs to sign and send.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial opens an RPC connection.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return client, nil
}

// Operator signs release and refund calls with the platform operator key.
type Operator struct {
	backend  Backend
	contract *Contract
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
}

// NewOperator returns domain.ErrOperatorUnavailable when no key is configured.
func NewOperator(backend Backend, contract *Contract, hexKey string, gasLimit uint64) (*Operator, error) {
	if backend == nil || strings.TrimSpace(hexKey) == "" {
		return nil, domain.ErrOperatorUnavailable
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("operator key has no ECDSA public key")
	}
	return &Operator{
		backend:  backend,
		contract: contract,
		key:      key,
		from:     crypto.PubkeyToAddress(*pub),
		chainID:  big.NewInt(contract.ChainID),
		gasLimit: gasLimit,
	}, nil
}

// Address is the operator account.
func (o *Operator) Address() common.Address {
	return o.from
}

func (o *Operator) Release(ctx context.Context, settlementID common.Hash, worker common.Address) (common.Hash, error) {
	return o.send(ctx, "release", settlementID, worker)
}

func (o *Operator) Refund(ctx context.Context, settlementID common.Hash) (common.Hash, error) {
	return o.send(ctx, "refund", settlementID)
}

func (o *Operator) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return o.backend.TransactionReceipt(ctx, txHash)
}

func (o *Operator) send(ctx context.Context, method string, args ...any) (common.Hash, error) {
	data, err := o.contract.ABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	nonce, err := o.backend.PendingNonceAt(ctx, o.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get nonce: %w", err)
	}
	gasPrice, err := o.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	tx := types.NewTransaction(nonce, o.contract.Address, big.NewInt(0), o.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(o.chainID), o.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := o.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls until the transaction is mined or ctx ends. A reverted
// receipt is returned alongside domain.ErrTransactionReverted.
func WaitReceipt(ctx context.Context, t Transactor, txHash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := t.Receipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s", domain.ErrTransactionReverted, txHash.Hex())
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
