package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"stablecore/crypto"
	nativecommon "stablecore/native/common"
)

type mockEngineState struct {
	pair      *PairState
	positions map[string]*Position
	order     []crypto.Address
	usage     map[string]*RedemptionUsage
}

func newMockEngineState() *mockEngineState {
	return &mockEngineState{
		positions: make(map[string]*Position),
		usage:     make(map[string]*RedemptionUsage),
	}
}

func (m *mockEngineState) key(addr crypto.Address) string {
	return string(addr.Bytes())
}

func (m *mockEngineState) GetPair(string) (*PairState, error) {
	if m.pair == nil {
		return nil, nil
	}
	return m.pair.Clone(), nil
}

func (m *mockEngineState) PutPair(_ string, pair *PairState) error {
	m.pair = pair
	return nil
}

func (m *mockEngineState) GetPosition(_ string, addr crypto.Address) (*Position, error) {
	if pos, ok := m.positions[m.key(addr)]; ok {
		return pos.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutPosition(_ string, pos *Position) error {
	if pos == nil {
		return nil
	}
	key := m.key(pos.Address)
	if _, ok := m.positions[key]; !ok {
		m.order = append(m.order, pos.Address)
	}
	m.positions[key] = pos
	return nil
}

func (m *mockEngineState) PositionAddresses(string) ([]crypto.Address, error) {
	return append([]crypto.Address(nil), m.order...), nil
}

func (m *mockEngineState) usageKey(pairID string, epoch uint64) string {
	return fmt.Sprintf("%s/%d", pairID, epoch)
}

func (m *mockEngineState) GetRedemptionUsage(pairID string, epoch uint64) (*RedemptionUsage, error) {
	if usage, ok := m.usage[m.usageKey(pairID, epoch)]; ok {
		return usage.Clone(), nil
	}
	return nil, nil
}

func (m *mockEngineState) PutRedemptionUsage(pairID string, epoch uint64, usage *RedemptionUsage) error {
	m.usage[m.usageKey(pairID, epoch)] = usage
	return nil
}

type mockTokenLedger struct {
	balances map[string]*big.Int
	minted   map[string]*big.Int
	burned   map[string]*big.Int
}

func newMockTokenLedger() *mockTokenLedger {
	return &mockTokenLedger{
		balances: make(map[string]*big.Int),
		minted:   make(map[string]*big.Int),
		burned:   make(map[string]*big.Int),
	}
}

func (m *mockTokenLedger) key(symbol string, addr crypto.Address) string {
	return symbol + "/" + string(addr.Bytes())
}

func (m *mockTokenLedger) balance(symbol string, addr crypto.Address) *big.Int {
	if bal, ok := m.balances[m.key(symbol, addr)]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (m *mockTokenLedger) setBalance(symbol string, addr crypto.Address, amount *big.Int) {
	m.balances[m.key(symbol, addr)] = amount
}

func (m *mockTokenLedger) BalanceOf(symbol string, addr crypto.Address) (*big.Int, error) {
	return new(big.Int).Set(m.balance(symbol, addr)), nil
}

func (m *mockTokenLedger) Transfer(symbol string, from, to crypto.Address, amount *big.Int) error {
	fromBal := m.balance(symbol, from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("mock token ledger: insufficient balance")
	}
	m.setBalance(symbol, from, new(big.Int).Sub(fromBal, amount))
	m.setBalance(symbol, to, new(big.Int).Add(m.balance(symbol, to), amount))
	return nil
}

func (m *mockTokenLedger) Mint(_ crypto.Address, symbol string, to crypto.Address, amount *big.Int) error {
	m.setBalance(symbol, to, new(big.Int).Add(m.balance(symbol, to), amount))
	prev, ok := m.minted[symbol]
	if !ok {
		prev = big.NewInt(0)
	}
	m.minted[symbol] = new(big.Int).Add(prev, amount)
	return nil
}

func (m *mockTokenLedger) Burn(_ crypto.Address, symbol string, from crypto.Address, amount *big.Int) error {
	fromBal := m.balance(symbol, from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("mock token ledger: insufficient balance")
	}
	m.setBalance(symbol, from, new(big.Int).Sub(fromBal, amount))
	prev, ok := m.burned[symbol]
	if !ok {
		prev = big.NewInt(0)
	}
	m.burned[symbol] = new(big.Int).Add(prev, amount)
	return nil
}

type mockOracle struct {
	prices map[string]*big.Int
	err    error
}

func (m *mockOracle) Price(symbol string) (*big.Int, error) {
	if m.err != nil {
		return nil, m.err
	}
	if price, ok := m.prices[symbol]; ok {
		return new(big.Int).Set(price), nil
	}
	return nil, errors.New("mock oracle: unknown symbol")
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

const (
	testStable     = "cusd"
	testCollateral = "yvault"
)

// oneStable is the identity price: one collateral unit is worth one stable
// unit.
var onePrice = new(big.Int).Set(one)

type testHarness struct {
	engine *Engine
	state  *mockEngineState
	tokens *mockTokenLedger
	oracle *mockOracle
	clock  *manualClock
	module crypto.Address
}

func newTestHarness(t *testing.T, pair *PairState) *testHarness {
	t.Helper()
	module := makeAddress(0xF0)
	state := newMockEngineState()
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	if pair.LastAccrueTime == 0 {
		pair.LastAccrueTime = uint64(clock.now.Unix())
	}
	state.pair = pair
	tokens := newMockTokenLedger()
	oracle := &mockOracle{prices: map[string]*big.Int{testCollateral: onePrice}}

	engine := NewEngine(module, testStable)
	engine.SetState(state)
	engine.SetTokenLedger(tokens)
	engine.SetOracle(oracle)
	engine.SetClock(clock)
	engine.SetPairID("yvault-cusd")
	engine.SetEpochWindow(clock.now, time.Hour)
	return &testHarness{engine: engine, state: state, tokens: tokens, oracle: oracle, clock: clock, module: module}
}

func defaultPair() *PairState {
	return &PairState{
		CollateralToken:   testCollateral,
		TotalCollateral:   big.NewInt(0),
		TotalBorrowShares: big.NewInt(0),
		TotalBorrowAmount: big.NewInt(0),
		RatePerSecond:     big.NewInt(0),
		BorrowLimit:       big.NewInt(1_000_000),
		MaxLTVBps:         95_000,
		LiquidationFeeBps: 500,
	}
}

func (h *testHarness) fund(t *testing.T, symbol string, addr crypto.Address, amount int64) {
	t.Helper()
	h.tokens.setBalance(symbol, addr, big.NewInt(amount))
}

func (h *testHarness) openPosition(t *testing.T, borrower crypto.Address, collateral, debt int64) {
	t.Helper()
	h.fund(t, testCollateral, borrower, collateral)
	if err := h.engine.Deposit(borrower, big.NewInt(collateral)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if debt > 0 {
		if _, err := h.engine.Borrow(borrower, big.NewInt(debt), borrower); err != nil {
			t.Fatalf("borrow failed: %v", err)
		}
	}
}

func TestFirstBorrowBootstrapsShares(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	borrower := makeAddress(0x01)
	h.fund(t, testCollateral, borrower, 1000)

	if err := h.engine.Deposit(borrower, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	shares, err := h.engine.Borrow(borrower, big.NewInt(500), borrower)
	if err != nil {
		t.Fatalf("borrow failed: %v", err)
	}
	if shares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected 500 bootstrap shares, got %s", shares)
	}
	if h.state.pair.TotalBorrowShares.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected total shares 500, got %s", h.state.pair.TotalBorrowShares)
	}
	if got := h.tokens.balance(testStable, borrower); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected 500 stable minted to borrower, got %s", got)
	}
}

func TestBorrowSolvencyBoundary(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	borrower := makeAddress(0x01)
	h.fund(t, testCollateral, borrower, 1000)

	if err := h.engine.Deposit(borrower, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := h.engine.Borrow(borrower, big.NewInt(950), borrower); err != nil {
		t.Fatalf("borrow at the LTV boundary should succeed: %v", err)
	}

	before := h.state.pair.Clone()
	if _, err := h.engine.Borrow(borrower, big.NewInt(1), borrower); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if h.state.pair.TotalBorrowAmount.Cmp(before.TotalBorrowAmount) != 0 ||
		h.state.pair.TotalBorrowShares.Cmp(before.TotalBorrowShares) != 0 {
		t.Fatalf("failed borrow mutated pair state")
	}
	if got := h.tokens.balance(testStable, borrower); got.Cmp(big.NewInt(950)) != 0 {
		t.Fatalf("failed borrow changed stable balance: %s", got)
	}
}

func TestWithdrawSolvencyGate(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	borrower := makeAddress(0x01)
	h.openPosition(t, borrower, 1000, 900)

	before := h.state.positions[h.state.key(borrower)].Clone()
	if err := h.engine.Withdraw(borrower, big.NewInt(500), borrower); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	after := h.state.positions[h.state.key(borrower)]
	if after.CollateralBalance.Cmp(before.CollateralBalance) != 0 {
		t.Fatalf("failed withdraw mutated collateral: %s", after.CollateralBalance)
	}

	// 900 debt / 95% LTV needs ~948 collateral; withdrawing 50 is fine.
	if err := h.engine.Withdraw(borrower, big.NewInt(50), borrower); err != nil {
		t.Fatalf("solvent withdraw failed: %v", err)
	}
	if got := h.tokens.balance(testCollateral, borrower); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected 50 collateral returned, got %s", got)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	borrower := makeAddress(0x01)
	h.openPosition(t, borrower, 100, 0)

	if err := h.engine.Withdraw(borrower, big.NewInt(101), borrower); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRepayRetiresSharesAndZeroesResidual(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	borrower := makeAddress(0x01)
	h.openPosition(t, borrower, 1000, 500)

	// Accrue some interest so the exchange rate moves off 1:1.
	h.state.pair.RatePerSecond = big.NewInt(1_000_000_000_000_000) // 0.1%/s
	h.clock.Advance(10 * time.Second)

	// Fund the payer with enough stable to cover accrued interest.
	h.fund(t, testStable, borrower, 1000)

	repaid, err := h.engine.Repay(borrower, big.NewInt(500), borrower)
	if err != nil {
		t.Fatalf("repay failed: %v", err)
	}
	if repaid.Sign() <= 0 {
		t.Fatalf("expected positive repay amount, got %s", repaid)
	}
	if h.state.pair.TotalBorrowShares.Sign() != 0 {
		t.Fatalf("expected zero total shares, got %s", h.state.pair.TotalBorrowShares)
	}
	if h.state.pair.TotalBorrowAmount.Sign() != 0 {
		t.Fatalf("expected residual debt forced to zero, got %s", h.state.pair.TotalBorrowAmount)
	}
}

func TestRepayMoreSharesThanHeld(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	borrower := makeAddress(0x01)
	h.openPosition(t, borrower, 1000, 100)

	if _, err := h.engine.Repay(borrower, big.NewInt(101), borrower); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBorrowLimitGate(t *testing.T) {
	pair := defaultPair()
	pair.BorrowLimit = big.NewInt(400)
	h := newTestHarness(t, pair)
	borrower := makeAddress(0x01)
	h.fund(t, testCollateral, borrower, 1000)

	if err := h.engine.Deposit(borrower, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := h.engine.Borrow(borrower, big.NewInt(401), borrower); !errors.Is(err, ErrBorrowLimitExceeded) {
		t.Fatalf("expected ErrBorrowLimitExceeded, got %v", err)
	}
	if _, err := h.engine.Borrow(borrower, big.NewInt(400), borrower); err != nil {
		t.Fatalf("borrow at the limit should succeed: %v", err)
	}
}

func TestInvalidAmounts(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	borrower := makeAddress(0x01)

	if err := h.engine.Deposit(borrower, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero deposit, got %v", err)
	}
	if err := h.engine.Withdraw(borrower, big.NewInt(-5), borrower); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative withdraw, got %v", err)
	}
	if _, err := h.engine.Borrow(borrower, nil, borrower); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for nil borrow, got %v", err)
	}
}

func TestBorrowRejectsDustPricedAtZeroShares(t *testing.T) {
	pair := defaultPair()
	// One outstanding share over a large borrow amount floors small borrows
	// to zero shares.
	pair.TotalBorrowShares = big.NewInt(1)
	pair.TotalBorrowAmount = big.NewInt(1000)
	h := newTestHarness(t, pair)
	borrower := makeAddress(0x01)
	h.fund(t, testCollateral, borrower, 10_000)
	if err := h.engine.Deposit(borrower, big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if _, err := h.engine.Borrow(borrower, big.NewInt(500), borrower); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero-share borrow, got %v", err)
	}
	pos, err := h.engine.Position(borrower)
	if err != nil {
		t.Fatalf("position read failed: %v", err)
	}
	if pos.BorrowShares.Sign() != 0 {
		t.Fatalf("rejected borrow minted shares: %s", pos.BorrowShares)
	}
}

func TestConcurrentDepositsDoNotLoseUpdates(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	const workers = 8
	const perWorker = 25

	borrowers := make([]crypto.Address, workers)
	for i := range borrowers {
		borrowers[i] = makeAddress(byte(0x10 + i))
		h.fund(t, testCollateral, borrowers[i], perWorker)
	}

	var wg sync.WaitGroup
	for _, borrower := range borrowers {
		wg.Add(1)
		go func(addr crypto.Address) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := h.engine.Deposit(addr, big.NewInt(1)); err != nil {
					t.Errorf("deposit: %v", err)
				}
			}
		}(borrower)
	}
	wg.Wait()

	pair, err := h.engine.Pair()
	if err != nil {
		t.Fatalf("pair read failed: %v", err)
	}
	want := big.NewInt(workers * perWorker)
	if pair.TotalCollateral.Cmp(want) != 0 {
		t.Fatalf("total collateral = %s, want %s", pair.TotalCollateral, want)
	}
	for _, borrower := range borrowers {
		pos, err := h.engine.Position(borrower)
		if err != nil {
			t.Fatalf("position read failed: %v", err)
		}
		if pos.CollateralBalance.Cmp(big.NewInt(perWorker)) != 0 {
			t.Fatalf("position collateral = %s, want %d", pos.CollateralBalance, perWorker)
		}
	}
}

func TestGuardBlocksMutation(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	borrower := makeAddress(0x01)
	h.fund(t, testCollateral, borrower, 100)

	pauses := nativecommon.NewPauseRegistry()
	pauses.SetPaused(moduleName, true)
	h.engine.SetPauses(pauses)

	if err := h.engine.Deposit(borrower, big.NewInt(100)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if got := h.tokens.balance(testCollateral, borrower); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("paused deposit moved tokens: %s", got)
	}
}

func TestShareConservationAcrossOperations(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	a := makeAddress(0x01)
	b := makeAddress(0x02)
	h.openPosition(t, a, 1000, 400)
	h.openPosition(t, b, 2000, 800)

	h.fund(t, testStable, a, 1000)
	if _, err := h.engine.Repay(a, big.NewInt(150), a); err != nil {
		t.Fatalf("repay failed: %v", err)
	}

	sum := big.NewInt(0)
	for _, pos := range h.state.positions {
		sum.Add(sum, pos.BorrowShares)
	}
	if sum.Cmp(h.state.pair.TotalBorrowShares) != 0 {
		t.Fatalf("share conservation broken: positions=%s pair=%s", sum, h.state.pair.TotalBorrowShares)
	}
	if (h.state.pair.TotalBorrowAmount.Sign() == 0) != (h.state.pair.TotalBorrowShares.Sign() == 0) {
		t.Fatalf("amount/shares zero coupling broken")
	}
}
