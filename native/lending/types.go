package lending

import (
	"math/big"

	"stablecore/crypto"
)

// Position tracks one borrower's collateral and debt within a pair. A
// position with zero shares and zero collateral is logically deleted; it
// decays to zero and is never destroyed independently.
type Position struct {
	// Address is the borrower's account identifier.
	Address crypto.Address
	// CollateralBalance is the locked collateral in collateral-token units.
	CollateralBalance *big.Int
	// BorrowShares is the borrower's claim on the pair's debt pool.
	BorrowShares *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{
		Address:           p.Address,
		CollateralBalance: copyBigInt(p.CollateralBalance),
		BorrowShares:      copyBigInt(p.BorrowShares),
	}
}

// PairState captures the aggregate accounting for one collateral/stable pair.
// The invariant TotalBorrowAmount == 0 ⇔ TotalBorrowShares == 0 is restored
// after every mutation.
type PairState struct {
	// CollateralToken is the symbol of the collateral asset held by the pair.
	CollateralToken string
	// TotalCollateral is the sum of all position collateral balances.
	TotalCollateral *big.Int
	// TotalBorrowShares is the sum of all position borrow shares.
	TotalBorrowShares *big.Int
	// TotalBorrowAmount is the outstanding debt, principal plus accrued
	// interest, in stable units.
	TotalBorrowAmount *big.Int
	// RatePerSecond is the current per-second borrow rate at 1e18 scale.
	RatePerSecond *big.Int
	// LastAccrueTime is the unix timestamp of the last accrual step.
	LastAccrueTime uint64
	// BorrowLimit caps TotalBorrowAmount; configuration enforces a positive
	// value so utilization is always well defined.
	BorrowLimit *big.Int
	// MaxLTVBps is the maximum loan-to-value ratio against LTVPrecision.
	MaxLTVBps uint64
	// LiquidationFeeBps is the liquidator bonus in basis points.
	LiquidationFeeBps uint64
}

// Clone returns a deep copy of the pair state.
func (p *PairState) Clone() *PairState {
	if p == nil {
		return nil
	}
	return &PairState{
		CollateralToken:   p.CollateralToken,
		TotalCollateral:   copyBigInt(p.TotalCollateral),
		TotalBorrowShares: copyBigInt(p.TotalBorrowShares),
		TotalBorrowAmount: copyBigInt(p.TotalBorrowAmount),
		RatePerSecond:     copyBigInt(p.RatePerSecond),
		LastAccrueTime:    p.LastAccrueTime,
		BorrowLimit:       copyBigInt(p.BorrowLimit),
		MaxLTVBps:         p.MaxLTVBps,
		LiquidationFeeBps: p.LiquidationFeeBps,
	}
}

// RedemptionUsage tracks redeemed stable volume within one epoch window. It
// only feeds the dynamic fee and the per-epoch cap; it carries no long-term
// identity.
type RedemptionUsage struct {
	Epoch  uint64
	Amount *big.Int
}

// Clone returns a deep copy of the usage counters.
func (u *RedemptionUsage) Clone() *RedemptionUsage {
	if u == nil {
		return nil
	}
	return &RedemptionUsage{Epoch: u.Epoch, Amount: copyBigInt(u.Amount)}
}
