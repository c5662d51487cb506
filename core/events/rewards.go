package events

import (
	"math/big"

	"stablecore/crypto"
)

const (
	// TypeRewardNotified marks reward tokens arriving at a stream.
	TypeRewardNotified = "rewards.notified"
	// TypeRewardClaimed marks a holder claiming accumulated rewards.
	TypeRewardClaimed = "rewards.claimed"
	// TypeBadDebtCovered marks the insurance pool absorbing bad debt.
	TypeBadDebtCovered = "insurance.baddebt.covered"
	// TypeStaked marks stablecoin staked into the insurance pool.
	TypeStaked = "insurance.staked"
	// TypeUnstaked marks stablecoin withdrawn from the insurance pool.
	TypeUnstaked = "insurance.unstaked"
)

// RewardNotified records a reward notification against a stream.
type RewardNotified struct {
	Pool   string
	Token  string
	Amount *big.Int
}

func (RewardNotified) EventType() string { return TypeRewardNotified }

// RewardClaimed records a claim payout for a single token.
type RewardClaimed struct {
	Pool   string
	Holder crypto.Address
	Token  string
	Amount *big.Int
}

func (RewardClaimed) EventType() string { return TypeRewardClaimed }

// BadDebtCovered records the split between burned reserve and uncovered loss
// for one bad-debt forwarding.
type BadDebtCovered struct {
	Requested *big.Int
	Covered   *big.Int
	Uncovered *big.Int
}

func (BadDebtCovered) EventType() string { return TypeBadDebtCovered }

// Staked records a deposit into the insurance pool.
type Staked struct {
	Staker crypto.Address
	Amount *big.Int
	Shares *big.Int
}

func (Staked) EventType() string { return TypeStaked }

// Unstaked records a withdrawal from the insurance pool.
type Unstaked struct {
	Staker crypto.Address
	Amount *big.Int
	Shares *big.Int
}

func (Unstaked) EventType() string { return TypeUnstaked }
