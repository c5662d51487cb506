package events

import (
	"math/big"

	"stablecore/crypto"
)

const (
	// TypeCollateralDeposited marks collateral being locked into a pair.
	TypeCollateralDeposited = "lending.collateral.deposited"
	// TypeCollateralWithdrawn marks collateral leaving a pair.
	TypeCollateralWithdrawn = "lending.collateral.withdrawn"
	// TypeBorrowed marks new debt being opened against a position.
	TypeBorrowed = "lending.borrowed"
	// TypeRepaid marks debt shares being retired.
	TypeRepaid = "lending.repaid"
	// TypeLiquidated marks a full-position liquidation.
	TypeLiquidated = "lending.liquidated"
	// TypeRedeemed marks a stable-for-collateral redemption.
	TypeRedeemed = "lending.redeemed"
	// TypeInterestAccrued marks an interest accrual step on a pair.
	TypeInterestAccrued = "lending.interest.accrued"
)

// CollateralDeposited records collateral locked by a borrower.
type CollateralDeposited struct {
	PairID   string
	Borrower crypto.Address
	Amount   *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

// CollateralWithdrawn records collateral released back to a borrower.
type CollateralWithdrawn struct {
	PairID   string
	Borrower crypto.Address
	Receiver crypto.Address
	Amount   *big.Int
}

func (CollateralWithdrawn) EventType() string { return TypeCollateralWithdrawn }

// Borrowed records a borrow along with the shares minted for it.
type Borrowed struct {
	PairID   string
	Borrower crypto.Address
	Receiver crypto.Address
	Amount   *big.Int
	Shares   *big.Int
}

func (Borrowed) EventType() string { return TypeBorrowed }

// Repaid records a repayment along with the shares retired by it.
type Repaid struct {
	PairID   string
	Borrower crypto.Address
	Payer    crypto.Address
	Amount   *big.Int
	Shares   *big.Int
}

func (Repaid) EventType() string { return TypeRepaid }

// Liquidated records a full-position liquidation including any shortfall that
// was routed to bad-debt coverage.
type Liquidated struct {
	PairID     string
	Borrower   crypto.Address
	Liquidator crypto.Address
	Debt       *big.Int
	Seized     *big.Int
	Shortfall  *big.Int
}

func (Liquidated) EventType() string { return TypeLiquidated }

// Redeemed records a redemption with its fee breakdown.
type Redeemed struct {
	PairID        string
	Redeemer      crypto.Address
	Target        crypto.Address
	Amount        *big.Int
	CollateralOut *big.Int
	Fee           *big.Int
	ProtocolFee   *big.Int
	StakerFee     *big.Int
}

func (Redeemed) EventType() string { return TypeRedeemed }

// InterestAccrued records the interest added to a pair during accrual.
type InterestAccrued struct {
	PairID   string
	Interest *big.Int
	NewRate  *big.Int
	Elapsed  uint64
}

func (InterestAccrued) EventType() string { return TypeInterestAccrued }
