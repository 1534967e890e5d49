// Package staking computes worker collateral and slash splits. Everything in
// this file is pure integer basis-point arithmetic so figures match the
// staking contract exactly.
package staking

import (
	"fmt"
	"time"

	"fieldproof/internal/config"
	"fieldproof/internal/domain"
)

const bpsDenominator = 10000

type Params struct {
	BaseBps                int64
	MinBps                 int64
	MaxBps                 int64
	StrikeIncrementBps     int64
	ReputationThresholdBps int64
	ReputationDiscountBps  int64
	ReleaseDelay           time.Duration
}

func ParamsFrom(c config.Staking) Params {
	return Params{
		BaseBps:                c.BaseBps,
		MinBps:                 c.MinBps,
		MaxBps:                 c.MaxBps,
		StrikeIncrementBps:     c.StrikeIncrementBps,
		ReputationThresholdBps: c.ReputationThresholdBps,
		ReputationDiscountBps:  c.ReputationDiscountBps,
		ReleaseDelay:           c.ReleaseDelay,
	}
}

func (p Params) Validate() error {
	for _, v := range []int64{p.BaseBps, p.MinBps, p.MaxBps, p.StrikeIncrementBps, p.ReputationThresholdBps, p.ReputationDiscountBps} {
		if v < 0 || v > bpsDenominator {
			return fmt.Errorf("%w: staking bps %d out of range", domain.ErrInvalidConfig, v)
		}
	}
	if !(p.MinBps <= p.BaseBps && p.BaseBps <= p.MaxBps && p.MaxBps <= config.MaxStakeBps) {
		return fmt.Errorf("%w: staking requires min <= base <= max <= %d", domain.ErrInvalidConfig, config.MaxStakeBps)
	}
	return nil
}

// RequiredStakeBps is clamp(base + strikes*increment - discount, min, max),
// the discount applying only at or above the reputation threshold.
func (p Params) RequiredStakeBps(strikes, reputationBps int64) int64 {
	if strikes < 0 {
		strikes = 0
	}
	bps := p.BaseBps + strikes*p.StrikeIncrementBps
	if reputationBps >= p.ReputationThresholdBps {
		bps -= p.ReputationDiscountBps
	}
	if bps < p.MinBps {
		return p.MinBps
	}
	if bps > p.MaxBps {
		return p.MaxBps
	}
	return bps
}

// RequiredStake returns the stake amount and the bps it was computed from.
func (p Params) RequiredStake(bounty, strikes, reputationBps int64) (amount, bps int64) {
	bps = p.RequiredStakeBps(strikes, reputationBps)
	return bounty * bps / bpsDenominator, bps
}

// Split is how a stake is paid out. The three parts always sum to the stake.
type Split struct {
	Worker    int64 `json:"worker"`
	Requester int64 `json:"requester"`
	Platform  int64 `json:"platform"`
}

func (s Split) Total() int64 {
	return s.Worker + s.Requester + s.Platform
}

// FullSlash sends requesterShareBps of the stake to the requester and the
// rest to the platform.
func FullSlash(stake, requesterShareBps int64) (Split, error) {
	if requesterShareBps < 0 || requesterShareBps > bpsDenominator {
		return Split{}, fmt.Errorf("%w: requester share %d bps", domain.ErrInvalidPercentage, requesterShareBps)
	}
	requester := stake * requesterShareBps / bpsDenominator
	return Split{Requester: requester, Platform: stake - requester}, nil
}

// PartialSlash returns workerReturnBps to the worker, requesterShareBps to the
// requester and the remainder to the platform.
func PartialSlash(stake, workerReturnBps, requesterShareBps int64) (Split, error) {
	if workerReturnBps < 0 || requesterShareBps < 0 || workerReturnBps+requesterShareBps > bpsDenominator {
		return Split{}, fmt.Errorf("%w: worker %d + requester %d bps exceeds %d", domain.ErrInvalidPercentage, workerReturnBps, requesterShareBps, bpsDenominator)
	}
	worker := stake * workerReturnBps / bpsDenominator
	requester := stake * requesterShareBps / bpsDenominator
	return Split{Worker: worker, Requester: requester, Platform: stake - worker - requester}, nil
}

// CanRelease reports whether caller may release the stake now. The worker may
// release right after an accepted, undisputed outcome; anyone may once the
// delay since stake creation has passed.
func CanRelease(s domain.Stake, caller string, acceptedUndisputed bool, now time.Time, delay time.Duration) bool {
	if caller == s.WorkerID && acceptedUndisputed {
		return true
	}
	return !now.Before(s.CreatedAt.Add(delay))
}
