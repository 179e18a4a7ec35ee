package position

import (
	"errors"
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fees"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/impact"
)

var ErrInvalidLiquidation = errors.New("position is not liquidatable")

// LiquidationReason names which threshold a liquidatable position breached.
type LiquidationReason string

const (
	ReasonNotLiquidatable     LiquidationReason = ""
	ReasonNoCollateral        LiquidationReason = "remaining collateral exhausted"
	ReasonMinCollateralUsd    LiquidationReason = "remaining collateral below minimum"
	ReasonMinCollateralFactor LiquidationReason = "remaining collateral below size factor"
)

// LiquidationCheck is the re-derived solvency picture a liquidation decision
// is based on. All USD values are 30-decimal.
type LiquidationCheck struct {
	Liquidatable           bool
	Reason                 LiquidationReason
	RemainingCollateralUsd *big.Int
	PnlUsd                 *big.Int
	PriceImpactUsd         *big.Int
	FeesUsd                *big.Int
}

// CheckLiquidatable re-derives a position's solvency from live prices. The
// position is liquidatable when remaining collateral after pending fees,
// signed PnL and close-out price impact is exhausted, or falls under the
// configured floors.
//
// Positive price impact is not credited: it is not guaranteed at execution
// time. Negative impact is floored at MaxPositionImpactFactorForLiquidations
// of the position size so a thin impact curve cannot force insolvency on an
// otherwise healthy position.
func CheckLiquidatable(ctx Ctx, pos *Position) (LiquidationCheck, error) {
	indexPrice, err := ctx.Prices.GetPrice(ctx.Market.IndexToken)
	if err != nil {
		return LiquidationCheck{}, err
	}
	collateralPrice, err := ctx.Prices.GetPrice(pos.CollateralToken)
	if err != nil {
		return LiquidationCheck{}, err
	}

	markPrice := indexPrice.Pick(!pos.IsLong)
	pnlUsd := pos.PnlUsd(markPrice)

	impactUsd := impact.PositionImpactUsd(impact.PositionCurve(ctx.Config), ctx.Pool, pos.IsLong, fixedpoint.Neg(pos.SizeUsd))
	impactUsd.Add(impactUsd, new(big.Int).Mul(pos.PendingImpactAmount, markPrice))
	if impactUsd.Sign() > 0 {
		impactUsd = new(big.Int)
	} else if ctx.Config.MaxPositionImpactFactorForLiquidations.Sign() > 0 {
		floor := fixedpoint.Neg(fixedpoint.ApplyFactor(pos.SizeUsd, ctx.Config.MaxPositionImpactFactorForLiquidations))
		impactUsd = fixedpoint.Max(impactUsd, floor)
	}

	snap := fees.PositionFeeSnapshot{
		FundingCostFactor:  pos.FundingCostFactor,
		FundingClaimFactor: pos.FundingClaimFactor,
		BorrowingFactor:    pos.BorrowingFactor,
	}
	pending := fees.SettlePosition(ctx.Fees, pos.IsLong, pos.SizeUsd, snap)
	feesUsd := new(big.Int).Add(pending.FundingCostUsd, pending.BorrowingUsd)
	feesUsd.Add(feesUsd, fixedpoint.ApplyFactor(pos.SizeUsd, ctx.Config.PositionFeeFactor))

	remaining := new(big.Int).Mul(pos.CollateralAmount, collateralPrice.Min)
	remaining.Add(remaining, pnlUsd)
	remaining.Add(remaining, impactUsd)
	remaining.Sub(remaining, feesUsd)

	check := LiquidationCheck{
		RemainingCollateralUsd: remaining,
		PnlUsd:                 pnlUsd,
		PriceImpactUsd:         impactUsd,
		FeesUsd:                feesUsd,
	}

	switch {
	case remaining.Sign() <= 0:
		check.Liquidatable = true
		check.Reason = ReasonNoCollateral
	case remaining.Cmp(ctx.Config.MinCollateralUsd) < 0:
		check.Liquidatable = true
		check.Reason = ReasonMinCollateralUsd
	case ctx.Config.MinCollateralFactorForLiquidation.Sign() > 0 &&
		remaining.Cmp(fixedpoint.ApplyFactor(pos.SizeUsd, ctx.Config.MinCollateralFactorForLiquidation)) < 0:
		check.Liquidatable = true
		check.Reason = ReasonMinCollateralFactor
	}
	return check, nil
}

// LiquidationResult reports what a forced close moved where.
type LiquidationResult struct {
	Check              LiquidationCheck
	SizeUsd            *big.Int
	CollateralSeized   *big.Int // collateral token units absorbed by the pool
	CollateralReturned *big.Int // residual returned to the account
}

// Liquidate force-closes a position that CheckLiquidatable approved. Unlike
// a trader decrease it never rejects on collateral floors: losses and fees
// are taken from whatever collateral remains, the shortfall (if any) is
// absorbed by the pool, and any residual goes back to the account.
func (l *Ledger) Liquidate(ctx Ctx, key Key) (*LiquidationResult, error) {
	pos, ok := l.repo.Get(key)
	if !ok {
		return nil, ErrEmptyPosition
	}

	check, err := CheckLiquidatable(ctx, pos)
	if err != nil {
		return nil, err
	}
	if !check.Liquidatable {
		return nil, ErrInvalidLiquidation
	}

	collateralPrice, err := ctx.Prices.GetPrice(key.CollateralToken)
	if err != nil {
		return nil, err
	}

	res := &LiquidationResult{
		Check:              check,
		SizeUsd:            new(big.Int).Set(pos.SizeUsd),
		CollateralSeized:   new(big.Int),
		CollateralReturned: new(big.Int),
	}

	// what the position owes: fees, losses and the capped close-out impact,
	// all already netted in the solvency check
	owedUsd := new(big.Int).Sub(check.FeesUsd, check.PnlUsd)
	owedUsd.Sub(owedUsd, check.PriceImpactUsd)
	if owedUsd.Sign() > 0 {
		seize := fixedpoint.MulDiv(owedUsd, big.NewInt(1), collateralPrice.Min, fixedpoint.RoundUp)
		seize = fixedpoint.Min(seize, pos.CollateralAmount)
		pos.CollateralAmount.Sub(pos.CollateralAmount, seize)
		if err := ctx.Pool.ApplyPoolDelta(key.CollateralToken, seize); err != nil {
			return nil, err
		}
		res.CollateralSeized = seize
	} else if owedUsd.Sign() < 0 {
		// solvent at the factor floor but still liquidatable: pay the net
		// credit out of the pool like a regular profitable close
		pnlToken := ctx.Market.ShortToken
		pnlPrice := collateralPrice
		if pos.IsLong {
			pnlToken = ctx.Market.LongToken
		}
		if pnlToken != key.CollateralToken {
			p, err := ctx.Prices.GetPrice(pnlToken)
			if err != nil {
				return nil, err
			}
			pnlPrice = p
		}
		payout := fixedpoint.MulDiv(fixedpoint.Abs(owedUsd), big.NewInt(1), pnlPrice.Max, fixedpoint.RoundDown)
		if err := ctx.Pool.ApplyPoolDelta(pnlToken, fixedpoint.Neg(payout)); err != nil {
			return nil, err
		}
		res.CollateralReturned.Add(res.CollateralReturned, payout)
	}

	// any negative pending impact the position still carries lands in the
	// impact pool; a positive carry is forfeited
	if pos.PendingImpactAmount.Sign() < 0 {
		ctx.Pool.PositionImpactPoolAmount.Add(ctx.Pool.PositionImpactPoolAmount, fixedpoint.Abs(pos.PendingImpactAmount))
	}

	// release open interest and the borrowing aggregate
	ctx.Pool.ApplyOpenInterestDelta(key.CollateralToken, pos.IsLong, fixedpoint.Neg(pos.SizeUsd))
	ctx.Pool.OpenInterestInTokens.Add(pos.IsLong, fixedpoint.Neg(pos.SizeInTokens))
	ctx.Fees.BorrowingSide(pos.IsLong).OnPositionChanged(fixedpoint.Neg(pos.SizeUsd), pos.BorrowingFactor)

	// residual collateral goes back to the account
	if pos.CollateralAmount.Sign() > 0 {
		res.CollateralReturned.Add(res.CollateralReturned, pos.CollateralAmount)
	}
	l.repo.Delete(key)
	return res, nil
}
