package lending

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// PairConfig captures the runtime configuration for one lending pair.
type PairConfig struct {
	ID                       string   `toml:"ID"`
	CollateralToken          string   `toml:"CollateralToken"`
	MaxLTVBps                uint64   `toml:"MaxLTVBps"`
	LiquidationFeeBps        uint64   `toml:"LiquidationFeeBps"`
	BorrowLimitWei           *big.Int `toml:"BorrowLimitWei"`
	BaseRatePerSecond        *big.Int `toml:"BaseRatePerSecond"`
	Slope1PerSecond          *big.Int `toml:"Slope1PerSecond"`
	Slope2PerSecond          *big.Int `toml:"Slope2PerSecond"`
	KinkUtilizationBps       uint64   `toml:"KinkUtilizationBps"`
	BaseRedemptionFeeBps     uint64   `toml:"BaseRedemptionFeeBps"`
	TargetUtilizationBps     uint64   `toml:"TargetUtilizationBps"`
	UtilizationMultiplierBps uint64   `toml:"UtilizationMultiplierBps"`
	OverusageThresholdWei    *big.Int `toml:"OverusageThresholdWei"`
	OverusagePenaltyBps      uint64   `toml:"OverusagePenaltyBps"`
	MaxRedemptionPerEpochWei *big.Int `toml:"MaxRedemptionPerEpochWei"`
	ProtocolFeeShareBps      uint64   `toml:"ProtocolFeeShareBps"`
}

// Validate ensures the pair configuration is self-consistent. A borrow limit
// is mandatory so utilization is always well defined.
func (c PairConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("pair config: ID must not be empty")
	}
	if strings.TrimSpace(c.CollateralToken) == "" {
		return errors.New("pair config: CollateralToken must not be empty")
	}
	if c.MaxLTVBps == 0 || c.MaxLTVBps > LTVPrecision {
		return fmt.Errorf("pair config: MaxLTVBps must be in (0, %d]", LTVPrecision)
	}
	if c.LiquidationFeeBps > 10_000 {
		return errors.New("pair config: LiquidationFeeBps must not exceed 10000")
	}
	if c.BorrowLimitWei == nil || c.BorrowLimitWei.Sign() <= 0 {
		return errors.New("pair config: BorrowLimitWei must be positive")
	}
	if c.KinkUtilizationBps > 10_000 {
		return errors.New("pair config: KinkUtilizationBps must not exceed 10000")
	}
	if c.TargetUtilizationBps > 10_000 {
		return errors.New("pair config: TargetUtilizationBps must not exceed 10000")
	}
	if c.ProtocolFeeShareBps > 10_000 {
		return errors.New("pair config: ProtocolFeeShareBps must not exceed 10000")
	}
	if c.BaseRedemptionFeeBps+c.OverusagePenaltyBps > 10_000 {
		return errors.New("pair config: redemption fee components must not exceed 10000")
	}
	return nil
}

// NewPairState seeds the pair ledger from the configuration.
func (c PairConfig) NewPairState() *PairState {
	return &PairState{
		CollateralToken:   strings.TrimSpace(c.CollateralToken),
		TotalCollateral:   big.NewInt(0),
		TotalBorrowShares: big.NewInt(0),
		TotalBorrowAmount: big.NewInt(0),
		RatePerSecond:     copyBigInt(c.BaseRatePerSecond),
		BorrowLimit:       copyBigInt(c.BorrowLimitWei),
		MaxLTVBps:         c.MaxLTVBps,
		LiquidationFeeBps: c.LiquidationFeeBps,
	}
}

// InterestModel builds the kinked model described by the configuration.
func (c PairConfig) InterestModel() *KinkModel {
	kink := new(big.Rat).SetFrac64(int64(c.KinkUtilizationBps), 10_000)
	return NewKinkModel(c.BaseRatePerSecond, c.Slope1PerSecond, c.Slope2PerSecond, kink)
}

// RedemptionParams builds the redemption fee parameters described by the
// configuration.
func (c PairConfig) RedemptionParams() RedemptionParams {
	return RedemptionParams{
		BaseFeeBps:               c.BaseRedemptionFeeBps,
		TargetUtilizationBps:     c.TargetUtilizationBps,
		UtilizationMultiplierBps: c.UtilizationMultiplierBps,
		OverusageThreshold:       copyBigInt(c.OverusageThresholdWei),
		OverusagePenaltyBps:      c.OverusagePenaltyBps,
		MaxPerEpoch:              copyBigInt(c.MaxRedemptionPerEpochWei),
		ProtocolShareBps:         c.ProtocolFeeShareBps,
	}
}
