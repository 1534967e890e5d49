package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"fieldproof/internal/domain"
)

// Dispute outcomes as encoded by the contract.
const (
	OutcomeWorker    uint8 = 0
	OutcomeRequester uint8 = 1
	OutcomeSplit     uint8 = 2
)

// Event is a decoded settlement contract log. Amounts are in the token's
// minor units.
type Event struct {
	Name         string `json:"name"`
	SettlementID string `json:"settlement_id"`
	TxHash       string `json:"tx_hash"`
	LogIndex     uint   `json:"log_index"`
	BlockNumber  uint64 `json:"block_number"`

	Requester       string `json:"requester,omitempty"`
	Worker          string `json:"worker,omitempty"`
	Opener          string `json:"opener,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	WorkerAmount    int64  `json:"worker_amount,omitempty"`
	RequesterAmount int64  `json:"requester_amount,omitempty"`
	Fee             int64  `json:"fee,omitempty"`
	Outcome         uint8  `json:"outcome,omitempty"`
}

func (e Event) PayloadJSON() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Decode turns a raw log into an Event. Any mismatch with the known schema
// wraps domain.ErrDecodeFailure.
func (c *Contract) Decode(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return Event{}, decodeErr("log has no topics")
	}
	ev, err := c.ABI.EventByID(l.Topics[0])
	if err != nil {
		return Event{}, decodeErr("unknown event topic %s", l.Topics[0].Hex())
	}
	var indexed int
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed++
		}
	}
	if len(l.Topics) != indexed+1 {
		return Event{}, decodeErr("%s: expected %d topics, got %d", ev.Name, indexed+1, len(l.Topics))
	}
	values := map[string]any{}
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(values, l.Data); err != nil {
		return Event{}, decodeErr("%s: unpack data: %v", ev.Name, err)
	}

	out := Event{
		Name:         ev.Name,
		SettlementID: l.Topics[1].Hex(),
		TxHash:       l.TxHash.Hex(),
		LogIndex:     l.Index,
		BlockNumber:  l.BlockNumber,
	}
	topicAddr := func(i int) string {
		return common.BytesToAddress(l.Topics[i].Bytes()).Hex()
	}
	switch ev.Name {
	case EventDeposited:
		out.Requester = topicAddr(2)
		out.Amount, err = amount(values, "amount")
	case EventWorkerAssigned:
		out.Worker = topicAddr(2)
	case EventAccepted:
	case EventReleased:
		out.Worker = topicAddr(2)
		if out.WorkerAmount, err = amount(values, "workerAmount"); err == nil {
			out.Fee, err = amount(values, "fee")
		}
	case EventRefunded:
		out.Requester = topicAddr(2)
		out.Amount, err = amount(values, "amount")
	case EventDisputeOpened:
		out.Opener = topicAddr(2)
	case EventDisputeResolved:
		o, ok := values["outcome"].(uint8)
		if !ok || o > OutcomeSplit {
			return Event{}, decodeErr("%s: bad outcome %v", ev.Name, values["outcome"])
		}
		out.Outcome = o
		if out.WorkerAmount, err = amount(values, "workerAmount"); err == nil {
			if out.RequesterAmount, err = amount(values, "requesterAmount"); err == nil {
				out.Fee, err = amount(values, "fee")
			}
		}
	default:
		return Event{}, decodeErr("unhandled event %s", ev.Name)
	}
	if err != nil {
		return Event{}, err
	}
	return out, nil
}

func amount(values map[string]any, key string) (int64, error) {
	v, ok := values[key].(*big.Int)
	if !ok || v == nil {
		return 0, decodeErr("missing %s", key)
	}
	if v.Sign() < 0 || !v.IsInt64() {
		return 0, decodeErr("%s %s does not fit in int64", key, v.String())
	}
	return v.Int64(), nil
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrDecodeFailure, fmt.Sprintf(format, args...))
}
