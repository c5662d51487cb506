package lending

import (
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"stablecore/core/events"
	"stablecore/crypto"
	nativecommon "stablecore/native/common"
)

var (
	errNilState               = errors.New("lending engine: state not configured")
	errNilPair                = errors.New("lending engine: pair not initialised")
	errNilTokens              = errors.New("lending engine: token ledger not configured")
	errNilOracle              = errors.New("lending engine: oracle not configured")
	errPairNotConfigured      = errors.New("lending engine: pair identifier not configured")
	errInvalidAmount          = errors.New("lending engine: amount must be positive")
	errInsufficientBalance    = errors.New("lending engine: insufficient balance")
	errInsufficientCollateral = errors.New("lending engine: position would become undercollateralized")
	errBorrowLimitExceeded    = errors.New("lending engine: pair borrow limit exceeded")
	errPositionHealthy        = errors.New("lending engine: position not eligible for liquidation")
	errSlippageExceeded       = errors.New("lending engine: collateral out below minimum")
	errEpochLimitExceeded     = errors.New("lending engine: redemption epoch limit exceeded")
	errNoRedeemablePosition   = errors.New("lending engine: no open debt position to redeem against")
	errInsufficientLiquidity  = errors.New("lending engine: insufficient position liquidity")
)

// Exported aliases so callers outside the package can classify failures.
var (
	ErrInvalidAmount          = errInvalidAmount
	ErrInsufficientBalance    = errInsufficientBalance
	ErrInsufficientCollateral = errInsufficientCollateral
	ErrBorrowLimitExceeded    = errBorrowLimitExceeded
	ErrPositionHealthy        = errPositionHealthy
	ErrSlippageExceeded       = errSlippageExceeded
	ErrEpochLimitExceeded     = errEpochLimitExceeded
	ErrNoRedeemablePosition   = errNoRedeemablePosition
	ErrInsufficientLiquidity  = errInsufficientLiquidity
)

const moduleName = "lending"

type engineState interface {
	GetPair(pairID string) (*PairState, error)
	PutPair(pairID string, pair *PairState) error
	GetPosition(pairID string, addr crypto.Address) (*Position, error)
	PutPosition(pairID string, pos *Position) error
	PositionAddresses(pairID string) ([]crypto.Address, error)
	GetRedemptionUsage(pairID string, epoch uint64) (*RedemptionUsage, error)
	PutRedemptionUsage(pairID string, epoch uint64, usage *RedemptionUsage) error
}

// TokenLedger is the balance authority the engine moves collateral through
// and mints/burns the stable token against.
type TokenLedger interface {
	BalanceOf(symbol string, addr crypto.Address) (*big.Int, error)
	Transfer(symbol string, from, to crypto.Address, amount *big.Int) error
	Mint(caller crypto.Address, symbol string, to crypto.Address, amount *big.Int) error
	Burn(caller crypto.Address, symbol string, from crypto.Address, amount *big.Int) error
}

// PriceOracle converts one 1e18 unit of collateral into stable units. The
// engine reads the price at most once per operation.
type PriceOracle interface {
	Price(symbol string) (*big.Int, error)
}

// BorrowerRewards receives borrow-share balance updates so the reward stream
// can checkpoint holders before their balance changes.
type BorrowerRewards interface {
	SetBalance(addr crypto.Address, newBalance *big.Int)
}

// BadDebtSink absorbs liquidation shortfall. It may cover less than
// requested; the uncovered remainder is the sink's loss counter to track.
type BadDebtSink interface {
	CoverBadDebt(amount *big.Int) (*big.Int, error)
}

// Engine orchestrates the state transitions for one collateral/stable pair.
// It is the single authority for the pair's collateral and debt numbers; the
// liquidation and redemption flows mutate positions through the same
// internal helpers the borrower flows use. Exported operations serialize on
// the engine mutex so each read-modify-write cycle against the pair is
// atomic with respect to concurrent callers.
type Engine struct {
	mu sync.Mutex

	state         engineState
	tokens        TokenLedger
	oracle        PriceOracle
	model         InterestModel
	pauses        nativecommon.PauseView
	clock         nativecommon.Clock
	emitter       events.Emitter
	rewards       BorrowerRewards
	badDebt       BadDebtSink
	moduleAddress crypto.Address
	stableSymbol  string
	pairID        string

	redemption         RedemptionParams
	epochGenesis       time.Time
	epochLength        time.Duration
	protocolFeeAddress crypto.Address
	stakerFeeAddress   crypto.Address
	stakerSink         RewardSink
}

// NewEngine constructs a lending engine. The module address is the vault that
// custodies pair collateral and acts as the registered stable minter.
func NewEngine(moduleAddr crypto.Address, stableSymbol string) *Engine {
	return &Engine{
		moduleAddress: moduleAddr,
		stableSymbol:  strings.TrimSpace(stableSymbol),
		clock:         nativecommon.SystemClock{},
		emitter:       events.NoopEmitter{},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// SetTokenLedger wires the balance authority.
func (e *Engine) SetTokenLedger(tokens TokenLedger) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.tokens = tokens
	e.mu.Unlock()
}

// SetOracle wires the collateral price source.
func (e *Engine) SetOracle(oracle PriceOracle) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.oracle = oracle
	e.mu.Unlock()
}

// SetInterestModel configures the interest rate model used during accrual.
func (e *Engine) SetInterestModel(model InterestModel) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.model = model
	e.mu.Unlock()
}

// SetPauses wires the per-module pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pauses = p
	e.mu.Unlock()
}

// SetClock overrides the time source used for accrual and epoch windows.
func (e *Engine) SetClock(clock nativecommon.Clock) {
	if e == nil || clock == nil {
		return
	}
	e.mu.Lock()
	e.clock = clock
	e.mu.Unlock()
}

// SetEmitter wires the audit event sink.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil || emitter == nil {
		return
	}
	e.mu.Lock()
	e.emitter = emitter
	e.mu.Unlock()
}

// SetBorrowerRewards wires the borrower reward stream fed by borrow-share
// balances.
func (e *Engine) SetBorrowerRewards(rewards BorrowerRewards) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.rewards = rewards
	e.mu.Unlock()
}

// SetBadDebtSink wires the loss-absorption sink for liquidation shortfall.
func (e *Engine) SetBadDebtSink(sink BadDebtSink) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.badDebt = sink
	e.mu.Unlock()
}

// SetPairID assigns the pair that subsequent operations act on.
func (e *Engine) SetPairID(pairID string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.pairID = strings.TrimSpace(pairID)
	e.mu.Unlock()
}

// PairID returns the configured pair identifier.
func (e *Engine) PairID() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pairID
}

// ModuleAddress returns the collateral vault address.
func (e *Engine) ModuleAddress() crypto.Address {
	return e.moduleAddress
}

// StableSymbol returns the stable token symbol minted by the engine.
func (e *Engine) StableSymbol() string {
	return e.stableSymbol
}

// Pair returns a copy of the current pair state.
func (e *Engine) Pair() (*PairState, error) {
	if e == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	return pair.Clone(), nil
}

// Position returns a copy of the borrower's position.
func (e *Engine) Position(borrower crypto.Address) (*Position, error) {
	if e == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensurePosition(borrower)
}

// SetPairRiskParams updates the pair's risk knobs after settling pending
// interest at the old parameters. Nil or zero leaves a field unchanged.
func (e *Engine) SetPairRiskParams(borrowLimit *big.Int, maxLTVBps, liquidationFeeBps uint64) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if maxLTVBps > uint64(LTVPrecision) {
		return errInvalidAmount
	}
	if liquidationFeeBps > basisPoints.Uint64() {
		return errInvalidAmount
	}
	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(pair); err != nil {
		return err
	}
	if borrowLimit != nil {
		if borrowLimit.Sign() <= 0 {
			return errInvalidAmount
		}
		pair.BorrowLimit = new(big.Int).Set(borrowLimit)
	}
	if maxLTVBps > 0 {
		pair.MaxLTVBps = maxLTVBps
	}
	if liquidationFeeBps > 0 {
		pair.LiquidationFeeBps = liquidationFeeBps
	}
	return e.state.PutPair(e.pairID, pair)
}

// AccrueInterest applies the pending interest accrual and persists the pair.
// Every other mutating entry point performs the same step before acting.
func (e *Engine) AccrueInterest() error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(pair); err != nil {
		return err
	}
	return e.state.PutPair(e.pairID, pair)
}

// Deposit locks collateral for the borrower. Deposits only improve health so
// no solvency check is required.
func (e *Engine) Deposit(borrower crypto.Address, amount *big.Int) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.checkWiring(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(pair); err != nil {
		return err
	}
	pos, err := e.ensurePosition(borrower)
	if err != nil {
		return err
	}

	if err := e.tokens.Transfer(pair.CollateralToken, borrower, e.moduleAddress, amount); err != nil {
		return err
	}

	pos.CollateralBalance = new(big.Int).Add(pos.CollateralBalance, amount)
	pair.TotalCollateral = new(big.Int).Add(pair.TotalCollateral, amount)

	if err := e.state.PutPosition(e.pairID, pos); err != nil {
		return err
	}
	if err := e.state.PutPair(e.pairID, pair); err != nil {
		return err
	}
	e.emitter.Emit(events.CollateralDeposited{PairID: e.pairID, Borrower: borrower, Amount: copyBigInt(amount)})
	return nil
}

// Withdraw releases collateral to the receiver as long as the position stays
// solvent. The call fails atomically otherwise.
func (e *Engine) Withdraw(borrower crypto.Address, amount *big.Int, receiver crypto.Address) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.checkWiring(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	pair, err := e.ensurePair()
	if err != nil {
		return err
	}
	if err := e.accrueInterest(pair); err != nil {
		return err
	}
	pos, err := e.ensurePosition(borrower)
	if err != nil {
		return err
	}
	if pos.CollateralBalance.Cmp(amount) < 0 {
		return errInsufficientBalance
	}

	remaining := new(big.Int).Sub(pos.CollateralBalance, amount)
	price, err := e.oracle.Price(pair.CollateralToken)
	if err != nil {
		return err
	}
	debtValue := amountForShares(pos.BorrowShares, pair.TotalBorrowShares, pair.TotalBorrowAmount)
	if !solventAt(remaining, debtValue, price, pair.MaxLTVBps) {
		return errInsufficientCollateral
	}

	if err := e.tokens.Transfer(pair.CollateralToken, e.moduleAddress, receiver, amount); err != nil {
		return err
	}

	pos.CollateralBalance = remaining
	pair.TotalCollateral = new(big.Int).Sub(pair.TotalCollateral, amount)

	if err := e.state.PutPosition(e.pairID, pos); err != nil {
		return err
	}
	if err := e.state.PutPair(e.pairID, pair); err != nil {
		return err
	}
	e.emitter.Emit(events.CollateralWithdrawn{PairID: e.pairID, Borrower: borrower, Receiver: receiver, Amount: copyBigInt(amount)})
	return nil
}

// Borrow mints stable against the borrower's collateral. The minted shares
// are returned for downstream accounting.
func (e *Engine) Borrow(borrower crypto.Address, amount *big.Int, receiver crypto.Address) (*big.Int, error) {
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
	pos, err := e.ensurePosition(borrower)
	if err != nil {
		return nil, err
	}

	shares := sharesForAmount(amount, pair.TotalBorrowShares, pair.TotalBorrowAmount)
	if shares.Sign() == 0 {
		// Floor conversion priced the borrow at zero shares; rounding it up
		// would assign the borrower more debt per share than the pool carries.
		return nil, errInvalidAmount
	}

	projectedShares := new(big.Int).Add(pos.BorrowShares, shares)
	projectedTotalShares := new(big.Int).Add(pair.TotalBorrowShares, shares)
	projectedTotalAmount := new(big.Int).Add(pair.TotalBorrowAmount, amount)

	if pair.BorrowLimit != nil && pair.BorrowLimit.Sign() > 0 && projectedTotalAmount.Cmp(pair.BorrowLimit) > 0 {
		return nil, errBorrowLimitExceeded
	}

	price, err := e.oracle.Price(pair.CollateralToken)
	if err != nil {
		return nil, err
	}
	projectedDebt := amountForShares(projectedShares, projectedTotalShares, projectedTotalAmount)
	if !solventAt(pos.CollateralBalance, projectedDebt, price, pair.MaxLTVBps) {
		return nil, errInsufficientCollateral
	}

	if err := e.tokens.Mint(e.moduleAddress, e.stableSymbol, receiver, amount); err != nil {
		return nil, err
	}

	pos.BorrowShares = projectedShares
	pair.TotalBorrowShares = projectedTotalShares
	pair.TotalBorrowAmount = projectedTotalAmount

	if err := e.state.PutPosition(e.pairID, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutPair(e.pairID, pair); err != nil {
		return nil, err
	}
	if e.rewards != nil {
		e.rewards.SetBalance(borrower, pos.BorrowShares)
	}
	e.emitter.Emit(events.Borrowed{PairID: e.pairID, Borrower: borrower, Receiver: receiver, Amount: copyBigInt(amount), Shares: copyBigInt(shares)})
	return copyBigInt(shares), nil
}

// Repay retires borrow shares by burning the owed stable amount from the
// payer. The burned amount is returned.
func (e *Engine) Repay(borrower crypto.Address, shares *big.Int, payer crypto.Address) (*big.Int, error) {
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
	if shares == nil || shares.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	pair, err := e.ensurePair()
	if err != nil {
		return nil, err
	}
	if err := e.accrueInterest(pair); err != nil {
		return nil, err
	}
	pos, err := e.ensurePosition(borrower)
	if err != nil {
		return nil, err
	}
	if pos.BorrowShares.Cmp(shares) < 0 {
		return nil, errInsufficientBalance
	}

	amountDue := amountForShares(shares, pair.TotalBorrowShares, pair.TotalBorrowAmount)
	if amountDue.Sign() > 0 {
		if err := e.tokens.Burn(e.moduleAddress, e.stableSymbol, payer, amountDue); err != nil {
			return nil, err
		}
	}

	pos.BorrowShares = new(big.Int).Sub(pos.BorrowShares, shares)
	pair.TotalBorrowShares = new(big.Int).Sub(pair.TotalBorrowShares, shares)
	pair.TotalBorrowAmount = new(big.Int).Sub(pair.TotalBorrowAmount, amountDue)
	// Floor rounding on borrow and repay can strand a residual amount once
	// the last share is gone; the ledger invariant forces it to zero.
	if pair.TotalBorrowShares.Sign() == 0 {
		pair.TotalBorrowAmount = big.NewInt(0)
	}

	if err := e.state.PutPosition(e.pairID, pos); err != nil {
		return nil, err
	}
	if err := e.state.PutPair(e.pairID, pair); err != nil {
		return nil, err
	}
	if e.rewards != nil {
		e.rewards.SetBalance(borrower, pos.BorrowShares)
	}
	e.emitter.Emit(events.Repaid{PairID: e.pairID, Borrower: borrower, Payer: payer, Amount: copyBigInt(amountDue), Shares: copyBigInt(shares)})
	return amountDue, nil
}

// IsSolvent reports whether the borrower's position satisfies the pair's
// maximum loan-to-value bound. Equality at the boundary is solvent.
func (e *Engine) IsSolvent(borrower crypto.Address) (bool, error) {
	if e == nil {
		return false, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkWiring(); err != nil {
		return false, err
	}
	pair, err := e.ensurePair()
	if err != nil {
		return false, err
	}
	pos, err := e.ensurePosition(borrower)
	if err != nil {
		return false, err
	}
	if pos.BorrowShares.Sign() == 0 {
		return true, nil
	}
	price, err := e.oracle.Price(pair.CollateralToken)
	if err != nil {
		return false, err
	}
	debtValue := amountForShares(pos.BorrowShares, pair.TotalBorrowShares, pair.TotalBorrowAmount)
	return solventAt(pos.CollateralBalance, debtValue, price, pair.MaxLTVBps), nil
}

// solventAt evaluates borrowValue*LTVPrecision <= collateralValue*maxLTV with
// collateralValue = collateral*price/1e18.
func solventAt(collateral, debtValue, price *big.Int, maxLTVBps uint64) bool {
	if debtValue == nil || debtValue.Sign() == 0 {
		return true
	}
	if collateral == nil || collateral.Sign() == 0 {
		return false
	}
	collateralValue := mulDiv(collateral, price, one)
	lhs := new(big.Int).Mul(debtValue, ltvPrecision)
	rhs := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(maxLTVBps))
	return lhs.Cmp(rhs) <= 0
}

// utilization is TotalBorrowAmount/BorrowLimit saturating at one.
func utilization(pair *PairState) *big.Rat {
	if pair == nil || pair.TotalBorrowAmount == nil || pair.TotalBorrowAmount.Sign() == 0 {
		return new(big.Rat)
	}
	if pair.BorrowLimit == nil || pair.BorrowLimit.Sign() == 0 {
		return new(big.Rat).Set(ratOne)
	}
	u := new(big.Rat).SetFrac(pair.TotalBorrowAmount, pair.BorrowLimit)
	if u.Cmp(ratOne) > 0 {
		u.Set(ratOne)
	}
	return u
}

// accrueInterest advances the pair's debt by the simple-interest delta since
// the last accrual and refreshes the per-second rate from the model. The
// caller persists the pair together with the rest of the operation so a
// failed call never advances LastAccrueTime on its own.
func (e *Engine) accrueInterest(pair *PairState) error {
	if pair == nil {
		return errNilPair
	}
	now := e.nowUnix()
	if pair.LastAccrueTime == 0 {
		pair.LastAccrueTime = now
		return nil
	}
	if now <= pair.LastAccrueTime {
		return nil
	}
	elapsed := now - pair.LastAccrueTime

	util := utilization(pair)

	var interest *big.Int
	if pair.TotalBorrowAmount.Sign() > 0 && pair.RatePerSecond != nil && pair.RatePerSecond.Sign() > 0 {
		interest = new(big.Int).Mul(pair.TotalBorrowAmount, pair.RatePerSecond)
		interest.Mul(interest, new(big.Int).SetUint64(elapsed))
		interest.Quo(interest, one)
	} else {
		interest = big.NewInt(0)
	}
	if interest.Sign() > 0 {
		pair.TotalBorrowAmount = new(big.Int).Add(pair.TotalBorrowAmount, interest)
	}

	if e.model != nil {
		pair.RatePerSecond = e.model.NextRate(pair.RatePerSecond, util, elapsed)
	}
	pair.LastAccrueTime = now

	if interest.Sign() > 0 {
		e.emitter.Emit(events.InterestAccrued{PairID: e.pairID, Interest: copyBigInt(interest), NewRate: copyBigInt(pair.RatePerSecond), Elapsed: elapsed})
	}
	return nil
}

func (e *Engine) nowUnix() uint64 {
	now := e.clock.Now().Unix()
	if now < 0 {
		return 0
	}
	return uint64(now)
}

func (e *Engine) checkWiring() error {
	if e.tokens == nil {
		return errNilTokens
	}
	if e.oracle == nil {
		return errNilOracle
	}
	return nil
}

func (e *Engine) ensurePair() (*PairState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if strings.TrimSpace(e.pairID) == "" {
		return nil, errPairNotConfigured
	}
	pair, err := e.state.GetPair(e.pairID)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, errNilPair
	}
	if pair.TotalCollateral == nil {
		pair.TotalCollateral = big.NewInt(0)
	}
	if pair.TotalBorrowShares == nil {
		pair.TotalBorrowShares = big.NewInt(0)
	}
	if pair.TotalBorrowAmount == nil {
		pair.TotalBorrowAmount = big.NewInt(0)
	}
	if pair.RatePerSecond == nil {
		pair.RatePerSecond = big.NewInt(0)
	}
	if pair.BorrowLimit == nil {
		pair.BorrowLimit = big.NewInt(0)
	}
	return pair, nil
}

func (e *Engine) ensurePosition(addr crypto.Address) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if strings.TrimSpace(e.pairID) == "" {
		return nil, errPairNotConfigured
	}
	pos, err := e.state.GetPosition(e.pairID, addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{Address: addr}
	}
	if pos.CollateralBalance == nil {
		pos.CollateralBalance = big.NewInt(0)
	}
	if pos.BorrowShares == nil {
		pos.BorrowShares = big.NewInt(0)
	}
	return pos, nil
}
