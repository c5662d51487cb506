package lending

import (
	"math/big"

	"stablecore/core/events"
	"stablecore/crypto"
	nativecommon "stablecore/native/common"
)

// Liquidate clears an undercollateralized position in full. The liquidator
// burns the position's debt and receives the seized collateral including the
// liquidation fee; any shortfall in collateral value is forwarded once to the
// bad-debt sink. Partial liquidation is deliberately unsupported: closing the
// whole position restores the share/amount invariant in one step.
func (e *Engine) Liquidate(liquidator, borrower crypto.Address) (*big.Int, *big.Int, error) {
	if e == nil {
		return nil, nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}
	if err := e.checkWiring(); err != nil {
		return nil, nil, err
	}
	pair, err := e.ensurePair()
	if err != nil {
		return nil, nil, err
	}
	if err := e.accrueInterest(pair); err != nil {
		return nil, nil, err
	}
	pos, err := e.ensurePosition(borrower)
	if err != nil {
		return nil, nil, err
	}

	price, err := e.oracle.Price(pair.CollateralToken)
	if err != nil {
		return nil, nil, err
	}
	debt := amountForShares(pos.BorrowShares, pair.TotalBorrowShares, pair.TotalBorrowAmount)
	if solventAt(pos.CollateralBalance, debt, price, pair.MaxLTVBps) {
		return nil, nil, errPositionHealthy
	}

	// Collateral units owed for the debt plus the liquidation fee:
	// debt/price scaled back to 1e18 units, then the fee on top.
	seized := new(big.Int).Mul(debt, one)
	seized.Mul(seized, new(big.Int).SetUint64(10_000+pair.LiquidationFeeBps))
	seized.Quo(seized, new(big.Int).Mul(price, basisPoints))

	shortfall := big.NewInt(0)
	if seized.Cmp(pos.CollateralBalance) > 0 {
		seized = new(big.Int).Set(pos.CollateralBalance)
		seizedValue := mulDiv(seized, price, one)
		if seizedValue.Cmp(debt) < 0 {
			shortfall = new(big.Int).Sub(debt, seizedValue)
		}
	}

	if debt.Sign() > 0 {
		if err := e.tokens.Burn(e.moduleAddress, e.stableSymbol, liquidator, debt); err != nil {
			return nil, nil, err
		}
	}
	if seized.Sign() > 0 {
		if err := e.tokens.Transfer(pair.CollateralToken, e.moduleAddress, liquidator, seized); err != nil {
			return nil, nil, err
		}
	}

	clearedShares := pos.BorrowShares
	pos.BorrowShares = big.NewInt(0)
	pos.CollateralBalance = new(big.Int).Sub(pos.CollateralBalance, seized)

	pair.TotalBorrowShares = new(big.Int).Sub(pair.TotalBorrowShares, clearedShares)
	pair.TotalBorrowAmount = new(big.Int).Sub(pair.TotalBorrowAmount, debt)
	if pair.TotalBorrowShares.Sign() == 0 {
		pair.TotalBorrowAmount = big.NewInt(0)
	}
	pair.TotalCollateral = new(big.Int).Sub(pair.TotalCollateral, seized)

	if err := e.state.PutPosition(e.pairID, pos); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutPair(e.pairID, pair); err != nil {
		return nil, nil, err
	}

	if shortfall.Sign() > 0 {
		if err := e.handleBadDebt(shortfall); err != nil {
			return nil, nil, err
		}
	}
	if e.rewards != nil {
		e.rewards.SetBalance(borrower, big.NewInt(0))
	}
	e.emitter.Emit(events.Liquidated{
		PairID:     e.pairID,
		Borrower:   borrower,
		Liquidator: liquidator,
		Debt:       copyBigInt(debt),
		Seized:     copyBigInt(seized),
		Shortfall:  copyBigInt(shortfall),
	})
	return debt, seized, nil
}

// handleBadDebt forwards the shortfall to the configured sink exactly once.
// The sink burns up to its available reserve and tracks any uncovered
// remainder as protocol loss.
func (e *Engine) handleBadDebt(amount *big.Int) error {
	if e.badDebt == nil || amount == nil || amount.Sign() <= 0 {
		return nil
	}
	_, err := e.badDebt.CoverBadDebt(amount)
	return err
}
