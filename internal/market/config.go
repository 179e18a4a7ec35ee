package market

import (
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
)

// Config carries every per-market risk parameter as 30-decimal factors
// unless noted. A zero-value field disables the corresponding bound.
type Config struct {
	// Pool limits. Amounts are native token units.
	MaxPoolAmount map[string]*big.Int

	// Reserve and open-interest limits.
	ReserveFactor      SidePair // max fraction of pool value reservable per side
	MaxOpenInterestUsd SidePair // USD, 30-decimal

	// PnL-to-pool ceilings per action.
	MaxPnlFactorForDeposits    *big.Int
	MaxPnlFactorForWithdrawals *big.Int
	MaxPnlFactorForTraders     *big.Int
	MaxPnlFactorForAdl         *big.Int
	MinPnlFactorAfterAdl       *big.Int

	// Swap price impact.
	SwapImpactFactorPositive *big.Int
	SwapImpactFactorNegative *big.Int
	SwapImpactExponent       *big.Int

	// Position price impact.
	PositionImpactFactorPositive           *big.Int
	PositionImpactFactorNegative           *big.Int
	PositionImpactExponent                 *big.Int
	MaxPositionImpactFactorPositive        *big.Int
	MaxPositionImpactFactorNegative        *big.Int
	MaxPositionImpactFactorForLiquidations *big.Int

	// Impact pool distribution. Rate is index-token units per second on the
	// 30-decimal scale; Min amount is native index-token units.
	PositionImpactPoolDistributionRate *big.Int
	MinPositionImpactPoolAmount        *big.Int

	// Adaptive funding.
	FundingIncreaseFactorPerSecond *big.Int
	FundingDecreaseFactorPerSecond *big.Int
	ThresholdForStableFunding      *big.Int
	ThresholdForDecreaseFunding    *big.Int
	MinFundingFactorPerSecond      *big.Int
	MaxFundingFactorPerSecond      *big.Int
	FundingExponent                *big.Int

	// Borrowing. The kink model charges BaseBorrowingFactor below optimal
	// utilization and adds the above-optimal factor past the kink.
	BorrowingFactorPerSecond         SidePair
	BorrowingExponent                SidePair
	OptimalUsageFactor               *big.Int
	AboveOptimalUsageBorrowingFactor *big.Int

	// Position constraints.
	MinCollateralUsd                  *big.Int
	MinCollateralFactor               *big.Int
	MinCollateralFactorForLiquidation *big.Int
	MaxLeverage                       *big.Int // e.g. 100x as 100 * 10^30
	MinPositionSizeUsd                *big.Int

	// Fees.
	SwapFeeFactor     *big.Int
	PositionFeeFactor *big.Int
	FeeReceiverFactor *big.Int // share of collected fees routed off-pool
}

// DefaultConfig returns a config with every bound disabled and exponents at
// 1.0, suitable as a base for tests and market bootstrap.
func DefaultConfig() *Config {
	one := fixedpoint.Float
	return &Config{
		MaxPoolAmount:                          make(map[string]*big.Int),
		ReserveFactor:                          SidePair{Long: new(big.Int).Set(one), Short: new(big.Int).Set(one)},
		MaxOpenInterestUsd:                     NewSidePair(),
		MaxPnlFactorForDeposits:                new(big.Int).Set(one),
		MaxPnlFactorForWithdrawals:             new(big.Int).Set(one),
		MaxPnlFactorForTraders:                 new(big.Int).Set(one),
		MaxPnlFactorForAdl:                     new(big.Int).Set(one),
		MinPnlFactorAfterAdl:                   new(big.Int).Set(one),
		SwapImpactFactorPositive:               new(big.Int),
		SwapImpactFactorNegative:               new(big.Int),
		SwapImpactExponent:                     new(big.Int).Set(one),
		PositionImpactFactorPositive:           new(big.Int),
		PositionImpactFactorNegative:           new(big.Int),
		PositionImpactExponent:                 new(big.Int).Set(one),
		MaxPositionImpactFactorPositive:        new(big.Int).Set(one),
		MaxPositionImpactFactorNegative:        new(big.Int).Set(one),
		MaxPositionImpactFactorForLiquidations: new(big.Int).Set(one),
		PositionImpactPoolDistributionRate:     new(big.Int),
		MinPositionImpactPoolAmount:            new(big.Int),
		FundingIncreaseFactorPerSecond:         new(big.Int),
		FundingDecreaseFactorPerSecond:         new(big.Int),
		ThresholdForStableFunding:              new(big.Int),
		ThresholdForDecreaseFunding:            new(big.Int),
		MinFundingFactorPerSecond:              new(big.Int),
		MaxFundingFactorPerSecond:              new(big.Int).Set(one),
		FundingExponent:                        new(big.Int).Set(one),
		BorrowingFactorPerSecond:               NewSidePair(),
		BorrowingExponent:                      SidePair{Long: new(big.Int).Set(one), Short: new(big.Int).Set(one)},
		OptimalUsageFactor:                     new(big.Int),
		AboveOptimalUsageBorrowingFactor:       new(big.Int),
		MinCollateralUsd:                       new(big.Int),
		MinCollateralFactor:                    new(big.Int),
		MinCollateralFactorForLiquidation:      new(big.Int),
		MaxLeverage:                            new(big.Int),
		MinPositionSizeUsd:                     new(big.Int),
		SwapFeeFactor:                          new(big.Int),
		PositionFeeFactor:                      new(big.Int),
		FeeReceiverFactor:                      new(big.Int),
	}
}

// MaxPnlFactor returns the ceiling for the given action.
type PnlFactorKind int

const (
	PnlFactorForDeposits PnlFactorKind = iota
	PnlFactorForWithdrawals
	PnlFactorForTraders
	PnlFactorForAdl
)

func (c *Config) MaxPnlFactor(kind PnlFactorKind) *big.Int {
	switch kind {
	case PnlFactorForDeposits:
		return c.MaxPnlFactorForDeposits
	case PnlFactorForWithdrawals:
		return c.MaxPnlFactorForWithdrawals
	case PnlFactorForAdl:
		return c.MaxPnlFactorForAdl
	default:
		return c.MaxPnlFactorForTraders
	}
}
