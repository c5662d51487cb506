package gov

import (
	"errors"
	"math/big"
	"testing"

	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/lending"
)

type mockAdmin struct {
	pairID string

	riskCalls   int
	borrowLimit *big.Int
	maxLTV      uint64
	liqFee      uint64

	redemption *lending.RedemptionParams
}

func (m *mockAdmin) PairID() string { return m.pairID }

func (m *mockAdmin) Pair() (*lending.PairState, error) {
	return &lending.PairState{}, nil
}

func (m *mockAdmin) SetPairRiskParams(borrowLimit *big.Int, maxLTVBps, liquidationFeeBps uint64) error {
	m.riskCalls++
	m.borrowLimit = borrowLimit
	m.maxLTV = maxLTVBps
	m.liqFee = liquidationFeeBps
	return nil
}

func (m *mockAdmin) SetRedemptionParams(params lending.RedemptionParams) {
	clone := params.Clone()
	m.redemption = &clone
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func baseParams() lending.RedemptionParams {
	return lending.RedemptionParams{
		BaseFeeBps:               50,
		TargetUtilizationBps:     8_000,
		UtilizationMultiplierBps: 1_000,
		OverusageThreshold:       big.NewInt(10_000),
		OverusagePenaltyBps:      200,
		MaxPerEpoch:              big.NewInt(50_000),
		ProtocolShareBps:         5_000,
	}
}

func newExecutorHarness() (*Executor, *mockAdmin, *common.PauseRegistry, crypto.Address) {
	guardian := makeAddress(0x01)
	roles := common.NewRoleTable()
	roles.Grant(common.RoleGuardian, guardian)
	pauses := common.NewPauseRegistry()
	engine := &mockAdmin{pairID: "yvault-cusd"}
	exec := NewExecutor(roles, pauses)
	exec.RegisterEngine(engine, baseParams())
	return exec, engine, pauses, guardian
}

func TestExecuteRequiresGuardian(t *testing.T) {
	exec, _, _, _ := newExecutorHarness()
	outsider := makeAddress(0x99)
	err := exec.Execute(outsider, Command{Kind: KindPauseModule, Module: "lending"})
	if !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPauseAndResumeModule(t *testing.T) {
	exec, _, pauses, guardian := newExecutorHarness()
	if err := exec.Execute(guardian, Command{Kind: KindPauseModule, Module: "lending"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !pauses.IsPaused("lending") {
		t.Fatalf("module not paused")
	}
	if err := exec.Execute(guardian, Command{Kind: KindResumeModule, Module: "lending"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if pauses.IsPaused("lending") {
		t.Fatalf("module still paused")
	}
}

func TestRiskDeltaValidation(t *testing.T) {
	exec, engine, _, guardian := newExecutorHarness()

	badLTV := uint64(lending.LTVPrecision + 1)
	err := exec.Execute(guardian, Command{
		Kind:   KindSetRiskParams,
		PairID: "yvault-cusd",
		Risk:   &RiskDelta{MaxLTVBps: &badLTV},
	})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if engine.riskCalls != 0 {
		t.Fatalf("engine touched by invalid command")
	}

	limit := big.NewInt(2_000_000)
	ltv := uint64(90_000)
	if err := exec.Execute(guardian, Command{
		Kind:   KindSetRiskParams,
		PairID: "yvault-cusd",
		Risk:   &RiskDelta{BorrowLimit: limit, MaxLTVBps: &ltv},
	}); err != nil {
		t.Fatalf("risk update: %v", err)
	}
	if engine.riskCalls != 1 || engine.borrowLimit.Cmp(limit) != 0 || engine.maxLTV != 90_000 || engine.liqFee != 0 {
		t.Fatalf("unexpected risk call: %+v", engine)
	}
}

func TestRedemptionDeltaMergesOverBaseline(t *testing.T) {
	exec, engine, _, guardian := newExecutorHarness()

	fee := uint64(75)
	cap := big.NewInt(80_000)
	if err := exec.Execute(guardian, Command{
		Kind:       KindSetRedemptionParams,
		PairID:     "yvault-cusd",
		Redemption: &RedemptionDelta{BaseFeeBps: &fee, MaxPerEpoch: cap},
	}); err != nil {
		t.Fatalf("redemption update: %v", err)
	}
	got := engine.redemption
	if got == nil {
		t.Fatalf("redemption params never applied")
	}
	if got.BaseFeeBps != 75 || got.MaxPerEpoch.Cmp(cap) != 0 {
		t.Fatalf("delta fields not applied: %+v", got)
	}
	if got.TargetUtilizationBps != 8_000 || got.ProtocolShareBps != 5_000 {
		t.Fatalf("baseline fields lost: %+v", got)
	}

	// A second sparse delta merges over the previous application, not the
	// original baseline.
	share := uint64(4_000)
	if err := exec.Execute(guardian, Command{
		Kind:       KindSetRedemptionParams,
		PairID:     "yvault-cusd",
		Redemption: &RedemptionDelta{ProtocolShareBps: &share},
	}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if engine.redemption.BaseFeeBps != 75 || engine.redemption.ProtocolShareBps != 4_000 {
		t.Fatalf("merge base wrong: %+v", engine.redemption)
	}
}

func TestUnknownPairAndKind(t *testing.T) {
	exec, _, _, guardian := newExecutorHarness()
	fee := uint64(10)
	err := exec.Execute(guardian, Command{
		Kind:       KindSetRedemptionParams,
		PairID:     "missing",
		Redemption: &RedemptionDelta{BaseFeeBps: &fee},
	})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand for missing pair, got %v", err)
	}
	if err := exec.Execute(guardian, Command{Kind: Kind("noop")}); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand for bad kind, got %v", err)
	}
}
