// Package chain talks to the escrow settlement contract: its ABI, log
// decoding, and the operator that signs release and refund calls.
package chain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event names emitted by the settlement contract.
const (
	EventDeposited       = "Deposited"
	EventWorkerAssigned  = "WorkerAssigned"
	EventAccepted        = "Accepted"
	EventReleased        = "Released"
	EventRefunded        = "Refunded"
	EventDisputeOpened   = "DisputeOpened"
	EventDisputeResolved = "DisputeResolved"
)

// SettlementABI is the subset of the escrow contract this service uses.
const SettlementABI = `[
  {"type":"event","name":"Deposited","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true},
    {"name":"requester","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"WorkerAssigned","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true},
    {"name":"worker","type":"address","indexed":true}]},
  {"type":"event","name":"Accepted","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true}]},
  {"type":"event","name":"Released","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true},
    {"name":"worker","type":"address","indexed":true},
    {"name":"workerAmount","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"Refunded","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true},
    {"name":"requester","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"DisputeOpened","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true},
    {"name":"opener","type":"address","indexed":true}]},
  {"type":"event","name":"DisputeResolved","anonymous":false,"inputs":[
    {"name":"escrowId","type":"bytes32","indexed":true},
    {"name":"outcome","type":"uint8","indexed":false},
    {"name":"workerAmount","type":"uint256","indexed":false},
    {"name":"requesterAmount","type":"uint256","indexed":false},
    {"name":"fee","type":"uint256","indexed":false}]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
    {"name":"escrowId","type":"bytes32"},
    {"name":"worker","type":"address"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"escrowId","type":"bytes32"}],"outputs":[]}
]`

// Contract is the parsed ABI bound to a deployed address.
type Contract struct {
	ABI     abi.ABI
	Address common.Address
	ChainID int64
	topics  []common.Hash
}

func NewContract(address string, chainID int64) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(SettlementABI))
	if err != nil {
		return nil, fmt.Errorf("parse settlement ABI: %w", err)
	}
	c := &Contract{ABI: parsed, ChainID: chainID}
	if address != "" {
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("invalid contract address %q", address)
		}
		c.Address = common.HexToAddress(address)
	}
	for _, ev := range parsed.Events {
		c.topics = append(c.topics, ev.ID)
	}
	return c, nil
}

// Topics returns the topic0 hashes of every known event, used to narrow log
// queries.
func (c *Contract) Topics() []common.Hash {
	out := make([]common.Hash, len(c.topics))
	copy(out, c.topics)
	return out
}

// SettlementID derives the deterministic escrow identifier used on chain:
// keccak256("<taskID>:<unix seconds>").
func SettlementID(taskID string, at time.Time) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%d", taskID, at.Unix())))
}

// ParseSettlementID accepts the 0x-prefixed hex form stored on escrows.
func ParseSettlementID(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("settlement id %q is not 32 bytes", s)
	}
	return common.BytesToHash(b), nil
}
