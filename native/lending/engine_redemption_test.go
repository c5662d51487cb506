package lending

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

type mockRewardSink struct {
	token  string
	amount *big.Int
	calls  int
}

func (m *mockRewardSink) NotifyReward(token string, amount *big.Int) {
	m.calls++
	m.token = token
	m.amount = new(big.Int).Set(amount)
}

func redemptionParams() RedemptionParams {
	return RedemptionParams{
		BaseFeeBps:               50,
		TargetUtilizationBps:     8000,
		UtilizationMultiplierBps: 1000,
		OverusageThreshold:       big.NewInt(10_000),
		OverusagePenaltyBps:      200,
		MaxPerEpoch:              big.NewInt(50_000),
		ProtocolShareBps:         5000,
	}
}

func TestRedemptionFeeComponents(t *testing.T) {
	pair := defaultPair()
	pair.BorrowLimit = big.NewInt(10_000)
	h := newTestHarness(t, pair)
	h.engine.SetRedemptionParams(redemptionParams())

	// Low utilization: base fee only.
	fee, err := h.engine.RedemptionFeeBps()
	if err != nil {
		t.Fatalf("fee calc failed: %v", err)
	}
	if fee != 50 {
		t.Fatalf("expected base fee 50, got %d", fee)
	}

	// 90% utilization: surcharge of (9000-8000)*1000/10000 = 100 bps.
	h.state.pair.TotalBorrowShares = big.NewInt(9000)
	h.state.pair.TotalBorrowAmount = big.NewInt(9000)
	fee, err = h.engine.RedemptionFeeBps()
	if err != nil {
		t.Fatalf("fee calc failed: %v", err)
	}
	if fee != 150 {
		t.Fatalf("expected fee 150 with surcharge, got %d", fee)
	}

	// Overused epoch: flat 200 bps penalty on top.
	epoch := h.engine.currentEpoch()
	h.state.usage[h.state.usageKey(h.engine.PairID(), epoch)] = &RedemptionUsage{
		Epoch:  epoch,
		Amount: big.NewInt(10_001),
	}
	fee, err = h.engine.RedemptionFeeBps()
	if err != nil {
		t.Fatalf("fee calc failed: %v", err)
	}
	if fee != 350 {
		t.Fatalf("expected fee 350 with penalty, got %d", fee)
	}
}

func TestRedeemNeutralityAndPayout(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	h.engine.SetRedemptionParams(redemptionParams())
	borrower := makeAddress(0x01)
	redeemer := makeAddress(0x02)
	h.openPosition(t, borrower, 100_000, 50_000)
	h.fund(t, testStable, redeemer, 10_000)

	pos := h.state.positions[h.state.key(borrower)]
	preDebt := amountForShares(pos.BorrowShares, h.state.pair.TotalBorrowShares, h.state.pair.TotalBorrowAmount)
	preRatio := new(big.Rat).SetFrac(preDebt, pos.CollateralBalance)

	out, err := h.engine.Redeem(redeemer, big.NewInt(10_000), big.NewInt(0))
	if err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	// fee 50 bps => net 9950, collateral out 9950 at 1:1.
	if out.Cmp(big.NewInt(9950)) != 0 {
		t.Fatalf("expected 9950 collateral out, got %s", out)
	}
	if got := h.tokens.balance(testCollateral, redeemer); got.Cmp(out) != 0 {
		t.Fatalf("redeemer collateral balance mismatch: %s", got)
	}

	pos = h.state.positions[h.state.key(borrower)]
	postDebt := amountForShares(pos.BorrowShares, h.state.pair.TotalBorrowShares, h.state.pair.TotalBorrowAmount)
	postRatio := new(big.Rat).SetFrac(postDebt, pos.CollateralBalance)

	// LTV neutrality within floor-rounding tolerance.
	diff := new(big.Rat).Sub(preRatio, postRatio)
	diff.Abs(diff)
	tolerance := new(big.Rat).SetFrac64(1, 1000)
	if diff.Cmp(tolerance) > 0 {
		t.Fatalf("redemption changed borrower LTV: pre=%s post=%s", preRatio, postRatio)
	}
}

func TestRedeemFeeSplit(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	h.engine.SetRedemptionParams(redemptionParams())
	protocol := makeAddress(0xA0)
	stakerPool := makeAddress(0xA1)
	sink := &mockRewardSink{}
	h.engine.SetProtocolFeeCollector(protocol)
	h.engine.SetStakerFeeSink(stakerPool, sink)

	borrower := makeAddress(0x01)
	redeemer := makeAddress(0x02)
	h.openPosition(t, borrower, 100_000, 50_000)
	h.fund(t, testStable, redeemer, 10_000)

	if _, err := h.engine.Redeem(redeemer, big.NewInt(10_000), nil); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	// fee = 50, split 25/25.
	if got := h.tokens.balance(testStable, protocol); got.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("expected protocol fee 25, got %s", got)
	}
	if got := h.tokens.balance(testStable, stakerPool); got.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("expected staker fee 25, got %s", got)
	}
	if sink.calls != 1 || sink.amount.Cmp(big.NewInt(25)) != 0 || sink.token != testStable {
		t.Fatalf("reward sink not notified correctly: calls=%d amount=%s", sink.calls, sink.amount)
	}
}

func TestRedeemSlippageGate(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	h.engine.SetRedemptionParams(redemptionParams())
	borrower := makeAddress(0x01)
	redeemer := makeAddress(0x02)
	h.openPosition(t, borrower, 100_000, 50_000)
	h.fund(t, testStable, redeemer, 10_000)

	if _, err := h.engine.Redeem(redeemer, big.NewInt(10_000), big.NewInt(10_000)); !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if got := h.tokens.balance(testStable, redeemer); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("failed redeem moved stable: %s", got)
	}
}

func TestRedeemEpochCapResetsWithWindow(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	params := redemptionParams()
	params.MaxPerEpoch = big.NewInt(15_000)
	h.engine.SetRedemptionParams(params)

	borrower := makeAddress(0x01)
	redeemer := makeAddress(0x02)
	h.openPosition(t, borrower, 200_000, 100_000)
	h.fund(t, testStable, redeemer, 50_000)

	if _, err := h.engine.Redeem(redeemer, big.NewInt(10_000), nil); err != nil {
		t.Fatalf("first redeem failed: %v", err)
	}
	if _, err := h.engine.Redeem(redeemer, big.NewInt(10_000), nil); !errors.Is(err, ErrEpochLimitExceeded) {
		t.Fatalf("expected ErrEpochLimitExceeded, got %v", err)
	}

	// The next epoch window accepts fresh volume.
	h.clock.Advance(time.Hour)
	if _, err := h.engine.Redeem(redeemer, big.NewInt(10_000), nil); err != nil {
		t.Fatalf("redeem in new epoch failed: %v", err)
	}
}

func TestRedeemSelectsHighestUtilization(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	h.engine.SetRedemptionParams(redemptionParams())

	safe := makeAddress(0x01)
	risky := makeAddress(0x02)
	redeemer := makeAddress(0x03)
	h.openPosition(t, safe, 100_000, 20_000)
	h.openPosition(t, risky, 50_000, 40_000)
	h.fund(t, testStable, redeemer, 5_000)

	if _, err := h.engine.Redeem(redeemer, big.NewInt(5_000), nil); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	safePos := h.state.positions[h.state.key(safe)]
	riskyPos := h.state.positions[h.state.key(risky)]
	if safePos.BorrowShares.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("redemption touched the safer position")
	}
	if riskyPos.BorrowShares.Cmp(big.NewInt(40_000)) >= 0 {
		t.Fatalf("redemption did not reduce the riskier position")
	}
}

func TestRedeemNoDebtorFails(t *testing.T) {
	h := newTestHarness(t, defaultPair())
	h.engine.SetRedemptionParams(redemptionParams())
	redeemer := makeAddress(0x01)
	h.fund(t, testStable, redeemer, 1_000)

	if _, err := h.engine.Redeem(redeemer, big.NewInt(1_000), nil); !errors.Is(err, ErrNoRedeemablePosition) {
		t.Fatalf("expected ErrNoRedeemablePosition, got %v", err)
	}
}
