package lending

import (
	"math/big"
	"time"

	"stablecore/core/events"
	"stablecore/crypto"
	nativecommon "stablecore/native/common"
)

// globalUsagePairID keys the cross-pair redemption counter in state.
const globalUsagePairID = ""

// RedemptionParams shape the dynamic redemption fee and the per-epoch cap.
// Fee components are basis points; thresholds and caps are stable amounts.
type RedemptionParams struct {
	// BaseFeeBps is charged on every redemption.
	BaseFeeBps uint64
	// TargetUtilizationBps is the utilization above which the surcharge
	// applies, against a 10_000 denominator.
	TargetUtilizationBps uint64
	// UtilizationMultiplierBps scales the surcharge per unit of excess
	// utilization.
	UtilizationMultiplierBps uint64
	// OverusageThreshold is the per-epoch redeemed volume beyond which the
	// flat penalty applies. Zero disables the penalty.
	OverusageThreshold *big.Int
	// OverusagePenaltyBps is the flat penalty once the threshold is crossed.
	OverusagePenaltyBps uint64
	// MaxPerEpoch caps redeemed volume per pair per epoch. Zero disables the
	// cap.
	MaxPerEpoch *big.Int
	// ProtocolShareBps is the protocol's cut of the fee; the remainder goes
	// to the staker reward stream.
	ProtocolShareBps uint64
}

// Clone returns a deep copy of the parameters.
func (p RedemptionParams) Clone() RedemptionParams {
	clone := p
	if p.OverusageThreshold != nil {
		clone.OverusageThreshold = new(big.Int).Set(p.OverusageThreshold)
	}
	if p.MaxPerEpoch != nil {
		clone.MaxPerEpoch = new(big.Int).Set(p.MaxPerEpoch)
	}
	return clone
}

// RewardSink receives fee notifications for lazily-distributed rewards.
type RewardSink interface {
	NotifyReward(token string, amount *big.Int)
}

// SetRedemptionParams configures the dynamic fee and epoch cap. Governance
// calls this while the engine serves traffic, so the swap takes the engine
// lock like every other operation.
func (e *Engine) SetRedemptionParams(params RedemptionParams) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.redemption = params.Clone()
	e.mu.Unlock()
}

// SetEpochWindow configures the epoch clock used by the usage counters.
func (e *Engine) SetEpochWindow(genesis time.Time, length time.Duration) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.epochGenesis = genesis
	e.epochLength = length
	e.mu.Unlock()
}

// SetStakerFeeSink wires the address and stream receiving the staker share
// of redemption fees.
func (e *Engine) SetStakerFeeSink(addr crypto.Address, sink RewardSink) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.stakerFeeAddress = addr
	e.stakerSink = sink
	e.mu.Unlock()
}

// SetProtocolFeeCollector wires the address receiving the protocol share of
// redemption fees.
func (e *Engine) SetProtocolFeeCollector(addr crypto.Address) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.protocolFeeAddress = addr
	e.mu.Unlock()
}

// RedemptionFeeBps computes the current fee in basis points: the base fee,
// plus a surcharge when utilization exceeds the target, plus a flat penalty
// when the epoch's redeemed volume crossed the overusage threshold.
func (e *Engine) RedemptionFeeBps() (uint64, error) {
	if e == nil {
		return 0, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pair, err := e.ensurePair()
	if err != nil {
		return 0, err
	}
	usage, err := e.currentUsage(e.pairID)
	if err != nil {
		return 0, err
	}
	return e.redemptionFeeBps(pair, usage), nil
}

func (e *Engine) redemptionFeeBps(pair *PairState, usage *RedemptionUsage) uint64 {
	params := e.redemption
	fee := params.BaseFeeBps

	u := utilization(pair)
	uBps := new(big.Int).Mul(u.Num(), basisPoints)
	uBps.Quo(uBps, u.Denom())
	if target := new(big.Int).SetUint64(params.TargetUtilizationBps); uBps.Cmp(target) > 0 && params.UtilizationMultiplierBps > 0 {
		excess := new(big.Int).Sub(uBps, target)
		excess.Mul(excess, new(big.Int).SetUint64(params.UtilizationMultiplierBps))
		excess.Quo(excess, basisPoints)
		fee += excess.Uint64()
	}

	if params.OverusageThreshold != nil && params.OverusageThreshold.Sign() > 0 &&
		usage != nil && usage.Amount != nil && usage.Amount.Cmp(params.OverusageThreshold) > 0 {
		fee += params.OverusagePenaltyBps
	}

	if fee > 10_000 {
		fee = 10_000
	}
	return fee
}

// Redeem exchanges stable for pair collateral against the borrower position
// with the highest utilization, keeping that borrower's loan-to-value ratio
// unchanged. The redeemed collateral amount is returned.
func (e *Engine) Redeem(caller crypto.Address, amount, minCollateralOut *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(pair); err != nil {
		return nil, err
	}
	usage, err := e.currentUsage(e.pairID)
	if err != nil {
		return nil, err
	}

	feeBps := e.redemptionFeeBps(pair, usage)
	feeAmount := mulDiv(amount, new(big.Int).SetUint64(feeBps), basisPoints)
	net := new(big.Int).Sub(amount, feeAmount)

	price, err := e.oracle.Price(pair.CollateralToken)
	if err != nil {
		return nil, err
	}
	collateralOut := mulDiv(net, one, price)
	if minCollateralOut != nil && collateralOut.Cmp(minCollateralOut) < 0 {
		return nil, errSlippageExceeded
	}

	if e.redemption.MaxPerEpoch != nil && e.redemption.MaxPerEpoch.Sign() > 0 {
		projected := new(big.Int).Add(usage.Amount, amount)
		if projected.Cmp(e.redemption.MaxPerEpoch) > 0 {
			return nil, errEpochLimitExceeded
		}
	}

	target, targetDebt, err := e.selectRedemptionTarget(pair, price)
	if err != nil {
		return nil, err
	}
	if collateralOut.Cmp(target.CollateralBalance) > 0 {
		return nil, errInsufficientLiquidity
	}

	// Keep the target borrower's LTV unchanged: debt retired per unit of
	// collateral value matches the ratio the position already carried.
	targetCollateralValue := mulDiv(target.CollateralBalance, price, one)
	debtReduce := mulDiv(net, targetDebt, targetCollateralValue)
	if debtReduce.Cmp(targetDebt) > 0 {
		debtReduce = new(big.Int).Set(targetDebt)
	}
	sharesReduce := sharesForAmount(debtReduce, pair.TotalBorrowShares, pair.TotalBorrowAmount)
	if sharesReduce.Cmp(target.BorrowShares) > 0 {
		sharesReduce = new(big.Int).Set(target.BorrowShares)
	}

	// Settle the stable leg: the net portion is burned against the ledger,
	// the fee portion is split between the protocol collector and the staker
	// reward stream.
	if net.Sign() > 0 {
		if err := e.tokens.Burn(e.moduleAddress, e.stableSymbol, caller, net); err != nil {
			return nil, err
		}
	}
	protocolFee := mulDiv(feeAmount, new(big.Int).SetUint64(e.redemption.ProtocolShareBps), basisPoints)
	stakerFee := new(big.Int).Sub(feeAmount, protocolFee)
	if protocolFee.Sign() > 0 && !e.protocolFeeAddress.IsZero() {
		if err := e.tokens.Transfer(e.stableSymbol, caller, e.protocolFeeAddress, protocolFee); err != nil {
			return nil, err
		}
	}
	if stakerFee.Sign() > 0 && !e.stakerFeeAddress.IsZero() {
		if err := e.tokens.Transfer(e.stableSymbol, caller, e.stakerFeeAddress, stakerFee); err != nil {
			return nil, err
		}
	}
	if collateralOut.Sign() > 0 {
		if err := e.tokens.Transfer(pair.CollateralToken, e.moduleAddress, caller, collateralOut); err != nil {
			return nil, err
		}
	}

	target.CollateralBalance = new(big.Int).Sub(target.CollateralBalance, collateralOut)
	target.BorrowShares = new(big.Int).Sub(target.BorrowShares, sharesReduce)
	pair.TotalCollateral = new(big.Int).Sub(pair.TotalCollateral, collateralOut)
	pair.TotalBorrowShares = new(big.Int).Sub(pair.TotalBorrowShares, sharesReduce)
	pair.TotalBorrowAmount = new(big.Int).Sub(pair.TotalBorrowAmount, debtReduce)
	if pair.TotalBorrowShares.Sign() == 0 {
		pair.TotalBorrowAmount = big.NewInt(0)
	}

	if err := e.state.PutPosition(e.pairID, target); err != nil {
		return nil, err
	}
	if err := e.state.PutPair(e.pairID, pair); err != nil {
		return nil, err
	}
	if err := e.bumpUsage(usage, amount); err != nil {
		return nil, err
	}

	if e.stakerSink != nil && stakerFee.Sign() > 0 {
		e.stakerSink.NotifyReward(e.stableSymbol, stakerFee)
	}
	if e.rewards != nil {
		e.rewards.SetBalance(target.Address, target.BorrowShares)
	}
	e.emitter.Emit(events.Redeemed{
		PairID:        e.pairID,
		Redeemer:      caller,
		Target:        target.Address,
		Amount:        copyBigInt(amount),
		CollateralOut: copyBigInt(collateralOut),
		Fee:           copyBigInt(feeAmount),
		ProtocolFee:   copyBigInt(protocolFee),
		StakerFee:     copyBigInt(stakerFee),
	})
	return collateralOut, nil
}

// selectRedemptionTarget picks the position with the highest debt-to-
// collateral-value ratio. Ratios are compared by cross-multiplication to
// avoid division; ties break lexicographically on the borrower address so
// selection is reproducible regardless of state iteration order.
func (e *Engine) selectRedemptionTarget(pair *PairState, price *big.Int) (*Position, *big.Int, error) {
	addrs, err := e.state.PositionAddresses(e.pairID)
	if err != nil {
		return nil, nil, err
	}
	var (
		best      *Position
		bestDebt  *big.Int
		bestValue *big.Int
	)
	for _, addr := range addrs {
		pos, err := e.ensurePosition(addr)
		if err != nil {
			return nil, nil, err
		}
		if pos.BorrowShares.Sign() == 0 {
			continue
		}
		debt := amountForShares(pos.BorrowShares, pair.TotalBorrowShares, pair.TotalBorrowAmount)
		value := mulDiv(pos.CollateralBalance, price, one)
		if best == nil {
			best, bestDebt, bestValue = pos, debt, value
			continue
		}
		// debt/value > bestDebt/bestValue  <=>  debt*bestValue > bestDebt*value
		lhs := new(big.Int).Mul(debt, bestValue)
		rhs := new(big.Int).Mul(bestDebt, value)
		switch lhs.Cmp(rhs) {
		case 1:
			best, bestDebt, bestValue = pos, debt, value
		case 0:
			if pos.Address.Compare(best.Address) < 0 {
				best, bestDebt, bestValue = pos, debt, value
			}
		}
	}
	if best == nil {
		return nil, nil, errNoRedeemablePosition
	}
	if bestValue.Sign() == 0 {
		// A debtor with zero collateral value has nothing to redeem against.
		return nil, nil, errInsufficientLiquidity
	}
	return best, bestDebt, nil
}

func (e *Engine) currentEpoch() uint64 {
	return nativecommon.EpochOf(e.clock.Now(), e.epochGenesis, e.epochLength)
}

func (e *Engine) currentUsage(pairID string) (*RedemptionUsage, error) {
	epoch := e.currentEpoch()
	usage, err := e.state.GetRedemptionUsage(pairID, epoch)
	if err != nil {
		return nil, err
	}
	if usage == nil || usage.Epoch != epoch {
		usage = &RedemptionUsage{Epoch: epoch, Amount: big.NewInt(0)}
	}
	if usage.Amount == nil {
		usage.Amount = big.NewInt(0)
	}
	return usage, nil
}

// bumpUsage advances both the pair-local and the global epoch counters.
func (e *Engine) bumpUsage(pairUsage *RedemptionUsage, amount *big.Int) error {
	pairUsage.Amount = new(big.Int).Add(pairUsage.Amount, amount)
	if err := e.state.PutRedemptionUsage(e.pairID, pairUsage.Epoch, pairUsage); err != nil {
		return err
	}
	global, err := e.currentUsage(globalUsagePairID)
	if err != nil {
		return err
	}
	global.Amount = new(big.Int).Add(global.Amount, amount)
	return e.state.PutRedemptionUsage(globalUsagePairID, global.Epoch, global)
}
