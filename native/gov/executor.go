package gov

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"stablecore/crypto"
	"stablecore/native/common"
	"stablecore/native/lending"
)

// Kind identifies a guardian command.
type Kind string

const (
	KindPauseModule         Kind = "pause_module"
	KindResumeModule        Kind = "resume_module"
	KindSetRiskParams       Kind = "set_risk_params"
	KindSetRedemptionParams Kind = "set_redemption_params"
)

var (
	// ErrUnknownCommand identifies commands with no registered target.
	ErrUnknownCommand = errors.New("governance: unknown command")
	// ErrInvalidCommand identifies commands whose payload fails validation
	// before any state is touched.
	ErrInvalidCommand = errors.New("governance: invalid command")
)

// RiskDelta is a sparse update to a pair's risk knobs. Nil fields leave the
// current value in place.
type RiskDelta struct {
	BorrowLimit       *big.Int
	MaxLTVBps         *uint64
	LiquidationFeeBps *uint64
}

// RedemptionDelta is a sparse update to the redemption fee curve.
type RedemptionDelta struct {
	BaseFeeBps               *uint64
	TargetUtilizationBps     *uint64
	UtilizationMultiplierBps *uint64
	OverusageThreshold       *big.Int
	OverusagePenaltyBps      *uint64
	MaxPerEpoch              *big.Int
	ProtocolShareBps         *uint64
}

// Command is one guardian instruction. Exactly the fields relevant to its
// Kind must be populated.
type Command struct {
	Kind       Kind
	Module     string
	PairID     string
	Risk       *RiskDelta
	Redemption *RedemptionDelta
}

// LendingAdmin is the slice of the lending engine governance drives.
type LendingAdmin interface {
	PairID() string
	Pair() (*lending.PairState, error)
	SetPairRiskParams(borrowLimit *big.Int, maxLTVBps, liquidationFeeBps uint64) error
	SetRedemptionParams(params lending.RedemptionParams)
}

// Executor authorizes and applies guardian commands. Every command is gated
// on RoleGuardian before anything is inspected further. Commands and late
// registrations serialize on the executor mutex.
type Executor struct {
	mu         sync.Mutex
	policy     common.Policy
	pauses     *common.PauseRegistry
	engines    map[string]LendingAdmin
	redemption map[string]lending.RedemptionParams
}

// NewExecutor constructs an executor bound to the role table and pause
// registry shared with the engines it administers.
func NewExecutor(policy common.Policy, pauses *common.PauseRegistry) *Executor {
	return &Executor{
		policy:     policy,
		pauses:     pauses,
		engines:    make(map[string]LendingAdmin),
		redemption: make(map[string]lending.RedemptionParams),
	}
}

// RegisterEngine attaches a lending engine and its current redemption
// parameters so sparse deltas have a baseline to merge over.
func (x *Executor) RegisterEngine(engine LendingAdmin, params lending.RedemptionParams) {
	if x == nil || engine == nil {
		return
	}
	x.mu.Lock()
	x.engines[engine.PairID()] = engine
	x.redemption[engine.PairID()] = params.Clone()
	x.mu.Unlock()
}

// Execute applies one command on behalf of caller.
func (x *Executor) Execute(caller crypto.Address, cmd Command) error {
	if x == nil {
		return ErrUnknownCommand
	}
	if err := common.Authorize(x.policy, common.RoleGuardian, caller); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	switch cmd.Kind {
	case KindPauseModule:
		return x.setPaused(cmd.Module, true)
	case KindResumeModule:
		return x.setPaused(cmd.Module, false)
	case KindSetRiskParams:
		return x.applyRisk(cmd)
	case KindSetRedemptionParams:
		return x.applyRedemption(cmd)
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownCommand, cmd.Kind)
	}
}

func (x *Executor) setPaused(module string, paused bool) error {
	if module == "" {
		return fmt.Errorf("%w: empty module", ErrInvalidCommand)
	}
	if x.pauses == nil {
		return fmt.Errorf("%w: pause registry not wired", ErrUnknownCommand)
	}
	x.pauses.SetPaused(module, paused)
	return nil
}

func (x *Executor) engineFor(pairID string) (LendingAdmin, error) {
	engine, ok := x.engines[pairID]
	if !ok {
		return nil, fmt.Errorf("%w: pair %q", ErrUnknownCommand, pairID)
	}
	return engine, nil
}

func (x *Executor) applyRisk(cmd Command) error {
	if cmd.Risk == nil {
		return fmt.Errorf("%w: missing risk delta", ErrInvalidCommand)
	}
	engine, err := x.engineFor(cmd.PairID)
	if err != nil {
		return err
	}
	delta := cmd.Risk
	if delta.BorrowLimit != nil && delta.BorrowLimit.Sign() <= 0 {
		return fmt.Errorf("%w: borrow limit must be positive", ErrInvalidCommand)
	}
	if delta.MaxLTVBps != nil && (*delta.MaxLTVBps == 0 || *delta.MaxLTVBps > lending.LTVPrecision) {
		return fmt.Errorf("%w: max LTV out of range", ErrInvalidCommand)
	}
	if delta.LiquidationFeeBps != nil && *delta.LiquidationFeeBps > 10_000 {
		return fmt.Errorf("%w: liquidation fee out of range", ErrInvalidCommand)
	}
	var maxLTV, liqFee uint64
	if delta.MaxLTVBps != nil {
		maxLTV = *delta.MaxLTVBps
	}
	if delta.LiquidationFeeBps != nil {
		liqFee = *delta.LiquidationFeeBps
	}
	return engine.SetPairRiskParams(delta.BorrowLimit, maxLTV, liqFee)
}

func (x *Executor) applyRedemption(cmd Command) error {
	if cmd.Redemption == nil {
		return fmt.Errorf("%w: missing redemption delta", ErrInvalidCommand)
	}
	engine, err := x.engineFor(cmd.PairID)
	if err != nil {
		return err
	}
	params := x.redemption[cmd.PairID]
	delta := cmd.Redemption
	if delta.BaseFeeBps != nil {
		params.BaseFeeBps = *delta.BaseFeeBps
	}
	if delta.TargetUtilizationBps != nil {
		params.TargetUtilizationBps = *delta.TargetUtilizationBps
	}
	if delta.UtilizationMultiplierBps != nil {
		params.UtilizationMultiplierBps = *delta.UtilizationMultiplierBps
	}
	if delta.OverusageThreshold != nil {
		params.OverusageThreshold = new(big.Int).Set(delta.OverusageThreshold)
	}
	if delta.OverusagePenaltyBps != nil {
		params.OverusagePenaltyBps = *delta.OverusagePenaltyBps
	}
	if delta.MaxPerEpoch != nil {
		params.MaxPerEpoch = new(big.Int).Set(delta.MaxPerEpoch)
	}
	if delta.ProtocolShareBps != nil {
		params.ProtocolShareBps = *delta.ProtocolShareBps
	}
	if params.BaseFeeBps > 10_000 || params.TargetUtilizationBps > 10_000 ||
		params.OverusagePenaltyBps > 10_000 || params.ProtocolShareBps > 10_000 {
		return fmt.Errorf("%w: basis point field out of range", ErrInvalidCommand)
	}
	engine.SetRedemptionParams(params)
	x.redemption[cmd.PairID] = params.Clone()
	return nil
}
