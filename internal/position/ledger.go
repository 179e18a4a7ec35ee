package position

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fees"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/impact"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/pricing"
)

var (
	ErrEmptyPosition              = errors.New("empty position")
	ErrInsufficientCollateral     = errors.New("insufficient collateral")
	ErrMaxLeverageExceeded        = errors.New("max leverage exceeded")
	ErrUnableToWithdrawCollateral = errors.New("unable to withdraw collateral")
	ErrInvalidCollateralToken     = errors.New("invalid collateral token")
	ErrMinPositionSize            = errors.New("position size below minimum")
	ErrInvalidSizeDelta           = errors.New("size delta exceeds position size")
)

// Ledger applies size and collateral deltas to positions. Callers must have
// refreshed fee accrual first; the ledger settles outstanding fees before
// applying any delta so no accrual era is skipped.
type Ledger struct {
	repo *Repo
}

func NewLedger(repo *Repo) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) Repo() *Repo {
	return l.repo
}

// Ctx bundles the per-operation collaborators, all drawn from one snapshot.
type Ctx struct {
	Market market.Market
	Config *market.Config
	Pool   *market.PoolState
	Fees   *fees.MarketFees
	Prices pricing.Resolver
	Now    int64
}

// IncreaseResult reports the deltas an increase applied.
type IncreaseResult struct {
	Position          *Position
	ExecutionPrice    *big.Int
	SizeDeltaInTokens *big.Int
	PriceImpactUsd    *big.Int
	FundingCostUsd    *big.Int
	FundingClaimUsd   *big.Int
	BorrowingUsd      *big.Int
	PositionFeeAmount *big.Int // collateral token units
}

// Increase grows (or creates) the position for key by sizeDeltaUsd and adds
// collateralDeltaAmount of collateral.
//
// Size in tokens is rounded against the trader so the pool keeps the dust.
// Negative price impact accrues on the position as a pending index-token
// amount and settles when the position decreases.
func (l *Ledger) Increase(ctx Ctx, key Key, sizeDeltaUsd, collateralDeltaAmount *big.Int) (*IncreaseResult, error) {
	if sizeDeltaUsd.Sign() < 0 || (sizeDeltaUsd.Sign() == 0 && collateralDeltaAmount.Sign() == 0) {
		return nil, ErrEmptyPosition
	}
	if !ctx.Market.IsCollateralToken(key.CollateralToken) {
		return nil, fmt.Errorf("%w: %s not usable in %s", ErrInvalidCollateralToken, key.CollateralToken, ctx.Market.Name)
	}

	indexPrice, err := ctx.Prices.GetPrice(ctx.Market.IndexToken)
	if err != nil {
		return nil, err
	}
	collateralPrice, err := ctx.Prices.GetPrice(key.CollateralToken)
	if err != nil {
		return nil, err
	}

	pos, ok := l.repo.Get(key)
	if !ok {
		pos = &Position{
			Account:             key.Account,
			Market:              key.Market,
			CollateralToken:     key.CollateralToken,
			IsLong:              key.IsLong,
			SizeUsd:             new(big.Int),
			SizeInTokens:        new(big.Int),
			CollateralAmount:    new(big.Int),
			FundingCostFactor:   new(big.Int),
			FundingClaimFactor:  new(big.Int),
			BorrowingFactor:     new(big.Int),
			PendingImpactAmount: new(big.Int),
		}
	}

	res := &IncreaseResult{Position: pos, PriceImpactUsd: new(big.Int)}

	pos.CollateralAmount.Add(pos.CollateralAmount, collateralDeltaAmount)

	// settle funding/borrowing accrued since the last touch before the new
	// size takes effect
	if err := l.settleFees(ctx, pos, collateralPrice, &res.FundingCostUsd, &res.FundingClaimUsd, &res.BorrowingUsd); err != nil {
		return nil, err
	}

	// opening increases imbalance on this side; charge or rebate accrues as
	// pending impact in index tokens
	markPrice := indexPrice.Pick(pos.IsLong)
	res.ExecutionPrice = markPrice
	if sizeDeltaUsd.Sign() > 0 {
		impactUsd := impact.PositionImpactUsd(impact.PositionCurve(ctx.Config), ctx.Pool, pos.IsLong, sizeDeltaUsd)
		res.PriceImpactUsd = impactUsd
		impactAmount := quoSigned(impactUsd, markPrice)
		pos.PendingImpactAmount.Add(pos.PendingImpactAmount, impactAmount)

		// position fee on the size delta, paid in collateral
		feeUsd := fixedpoint.ApplyFactor(sizeDeltaUsd, ctx.Config.PositionFeeFactor)
		feeAmount := usdToToken(feeUsd, collateralPrice.Min, fixedpoint.RoundUp)
		if pos.CollateralAmount.Cmp(feeAmount) < 0 {
			return nil, fmt.Errorf("%w: position fee %s exceeds collateral %s", ErrInsufficientCollateral, feeAmount, pos.CollateralAmount)
		}
		pos.CollateralAmount.Sub(pos.CollateralAmount, feeAmount)
		res.PositionFeeAmount = feeAmount
		l.routeFee(ctx, key.CollateralToken, feeAmount)

		rounding := fixedpoint.RoundDown
		if !pos.IsLong {
			// shorts owe tokens; round their size up so the pool is owed more
			rounding = fixedpoint.RoundUp
		}
		sizeDeltaInTokens := fixedpoint.MulDiv(sizeDeltaUsd, big.NewInt(1), markPrice, rounding)
		res.SizeDeltaInTokens = sizeDeltaInTokens

		pos.SizeUsd.Add(pos.SizeUsd, sizeDeltaUsd)
		pos.SizeInTokens.Add(pos.SizeInTokens, sizeDeltaInTokens)

		ctx.Pool.ApplyOpenInterestDelta(key.CollateralToken, pos.IsLong, sizeDeltaUsd)
		ctx.Pool.OpenInterestInTokens.Add(pos.IsLong, sizeDeltaInTokens)
		ctx.Fees.BorrowingSide(pos.IsLong).OnPositionChanged(sizeDeltaUsd, ctx.Fees.BorrowingSide(pos.IsLong).CumulativeFactor)
	} else {
		res.SizeDeltaInTokens = new(big.Int)
		res.PositionFeeAmount = new(big.Int)
	}

	pos.FundingCostFactor, pos.FundingClaimFactor, pos.BorrowingFactor = snapshotFactors(ctx.Fees, pos.IsLong)
	pos.IncreasedAt = ctx.Now

	if err := l.validatePosition(ctx, pos, collateralPrice); err != nil {
		return nil, err
	}

	l.repo.Put(pos)
	return res, nil
}

// DecreaseResult reports the deltas a decrease applied.
type DecreaseResult struct {
	Position           *Position // nil when the position closed
	ExecutionPrice     *big.Int
	SizeDeltaInTokens  *big.Int
	RealizedPnlUsd     *big.Int // before impact adjustment
	PriceImpactUsd     *big.Int // settled impact, signed
	FundingCostUsd     *big.Int
	FundingClaimUsd    *big.Int
	BorrowingUsd       *big.Int
	PayoutTokenAmount  *big.Int // profit paid out, pnl token units
	PayoutToken        string
	CollateralReturned *big.Int // collateral token units returned to account
}

// Decrease shrinks the position by sizeDeltaUsd and withdraws
// collateralDeltaAmount. If the remaining collateral plus signed PnL would
// fall under the minimum collateral threshold the whole decrease is
// rejected; nothing is partially applied.
func (l *Ledger) Decrease(ctx Ctx, key Key, sizeDeltaUsd, collateralDeltaAmount *big.Int) (*DecreaseResult, error) {
	pos, ok := l.repo.Get(key)
	if !ok {
		return nil, ErrEmptyPosition
	}
	if sizeDeltaUsd.Sign() < 0 || sizeDeltaUsd.Cmp(pos.SizeUsd) > 0 {
		return nil, fmt.Errorf("%w: delta %s size %s", ErrInvalidSizeDelta, sizeDeltaUsd, pos.SizeUsd)
	}

	indexPrice, err := ctx.Prices.GetPrice(ctx.Market.IndexToken)
	if err != nil {
		return nil, err
	}
	collateralPrice, err := ctx.Prices.GetPrice(key.CollateralToken)
	if err != nil {
		return nil, err
	}

	res := &DecreaseResult{
		RealizedPnlUsd:     new(big.Int),
		PriceImpactUsd:     new(big.Int),
		PayoutTokenAmount:  new(big.Int),
		CollateralReturned: new(big.Int),
	}

	if err := l.settleFees(ctx, pos, collateralPrice, &res.FundingCostUsd, &res.FundingClaimUsd, &res.BorrowingUsd); err != nil {
		return nil, err
	}

	// closing reduces imbalance on this side
	markPrice := indexPrice.Pick(!pos.IsLong)
	res.ExecutionPrice = markPrice

	var sizeDeltaInTokens *big.Int
	if sizeDeltaUsd.Cmp(pos.SizeUsd) == 0 {
		sizeDeltaInTokens = new(big.Int).Set(pos.SizeInTokens)
	} else {
		// proportional, rounded against the trader
		rounding := fixedpoint.RoundDown
		if !pos.IsLong {
			rounding = fixedpoint.RoundUp
		}
		sizeDeltaInTokens = fixedpoint.MulDiv(pos.SizeInTokens, sizeDeltaUsd, pos.SizeUsd, rounding)
	}
	res.SizeDeltaInTokens = sizeDeltaInTokens

	if sizeDeltaUsd.Sign() > 0 {
		// realized pnl on the closed portion
		entryUsd := fixedpoint.MulDiv(pos.SizeUsd, sizeDeltaInTokens, pos.SizeInTokens, fixedpoint.RoundDown)
		value := new(big.Int).Mul(sizeDeltaInTokens, markPrice)
		if pos.IsLong {
			res.RealizedPnlUsd = value.Sub(value, entryUsd)
		} else {
			res.RealizedPnlUsd = new(big.Int).Sub(entryUsd, value)
		}

		// impact for this decrease plus the proportional share of pending
		// impact from earlier increases
		impactUsd := impact.PositionImpactUsd(impact.PositionCurve(ctx.Config), ctx.Pool, pos.IsLong, fixedpoint.Neg(sizeDeltaUsd))
		pendingShare := fixedpoint.MulDiv(pos.PendingImpactAmount, sizeDeltaUsd, pos.SizeUsd, fixedpoint.RoundDown)
		pos.PendingImpactAmount.Sub(pos.PendingImpactAmount, pendingShare)
		impactUsd.Add(impactUsd, new(big.Int).Mul(pendingShare, markPrice))

		settledImpactAmount := impact.ApplyPositionImpact(ctx.Config, ctx.Pool, indexPrice, sizeDeltaUsd, impactUsd)
		res.PriceImpactUsd = new(big.Int).Mul(settledImpactAmount, markPrice)

		// position fee
		feeUsd := fixedpoint.ApplyFactor(sizeDeltaUsd, ctx.Config.PositionFeeFactor)
		feeAmount := usdToToken(feeUsd, collateralPrice.Min, fixedpoint.RoundUp)
		if pos.CollateralAmount.Cmp(feeAmount) < 0 {
			return nil, fmt.Errorf("%w: position fee %s exceeds collateral %s", ErrInsufficientCollateral, feeAmount, pos.CollateralAmount)
		}
		pos.CollateralAmount.Sub(pos.CollateralAmount, feeAmount)
		l.routeFee(ctx, key.CollateralToken, feeAmount)
	}

	adjustedPnlUsd := new(big.Int).Add(res.RealizedPnlUsd, res.PriceImpactUsd)

	// the min-collateral check gates the whole operation, including the
	// requested withdrawal
	remainingCollateral := new(big.Int).Sub(pos.CollateralAmount, collateralDeltaAmount)
	if remainingCollateral.Sign() < 0 {
		return nil, fmt.Errorf("%w: withdrawal %s exceeds collateral %s", ErrUnableToWithdrawCollateral, collateralDeltaAmount, pos.CollateralAmount)
	}
	remainingSizeUsd := new(big.Int).Sub(pos.SizeUsd, sizeDeltaUsd)
	if remainingSizeUsd.Sign() > 0 {
		remainingUsd := new(big.Int).Mul(remainingCollateral, collateralPrice.Min)
		if adjustedPnlUsd.Sign() < 0 {
			remainingUsd.Add(remainingUsd, adjustedPnlUsd)
		}
		if remainingUsd.Cmp(ctx.Config.MinCollateralUsd) < 0 {
			return nil, fmt.Errorf("%w: remaining %s min %s", ErrUnableToWithdrawCollateral, remainingUsd, ctx.Config.MinCollateralUsd)
		}
		if ctx.Config.MinPositionSizeUsd.Sign() > 0 && remainingSizeUsd.Cmp(ctx.Config.MinPositionSizeUsd) < 0 {
			return nil, fmt.Errorf("%w: remaining size %s", ErrMinPositionSize, remainingSizeUsd)
		}
	}

	// settle pnl against pool and collateral
	if adjustedPnlUsd.Sign() > 0 {
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
		payout := usdToToken(adjustedPnlUsd, pnlPrice.Max, fixedpoint.RoundDown)
		if err := ctx.Pool.ApplyPoolDelta(pnlToken, fixedpoint.Neg(payout)); err != nil {
			return nil, err
		}
		res.PayoutTokenAmount = payout
		res.PayoutToken = pnlToken
	} else if adjustedPnlUsd.Sign() < 0 {
		lossAmount := usdToToken(fixedpoint.Abs(adjustedPnlUsd), collateralPrice.Min, fixedpoint.RoundUp)
		if pos.CollateralAmount.Cmp(lossAmount) < 0 {
			lossAmount = new(big.Int).Set(pos.CollateralAmount)
		}
		pos.CollateralAmount.Sub(pos.CollateralAmount, lossAmount)
		if err := ctx.Pool.ApplyPoolDelta(key.CollateralToken, lossAmount); err != nil {
			return nil, err
		}
	}

	// apply the size delta
	pos.SizeUsd = remainingSizeUsd
	pos.SizeInTokens.Sub(pos.SizeInTokens, sizeDeltaInTokens)
	ctx.Pool.ApplyOpenInterestDelta(key.CollateralToken, pos.IsLong, fixedpoint.Neg(sizeDeltaUsd))
	ctx.Pool.OpenInterestInTokens.Add(pos.IsLong, fixedpoint.Neg(sizeDeltaInTokens))
	ctx.Fees.BorrowingSide(pos.IsLong).OnPositionChanged(fixedpoint.Neg(sizeDeltaUsd), pos.BorrowingFactor)

	// withdraw requested collateral
	if collateralDeltaAmount.Sign() > 0 {
		pos.CollateralAmount.Sub(pos.CollateralAmount, collateralDeltaAmount)
		res.CollateralReturned.Add(res.CollateralReturned, collateralDeltaAmount)
	}

	pos.FundingCostFactor, pos.FundingClaimFactor, pos.BorrowingFactor = snapshotFactors(ctx.Fees, pos.IsLong)
	pos.DecreasedAt = ctx.Now

	if pos.SizeUsd.Sign() == 0 {
		// closed: return all residual collateral and delete the record
		res.CollateralReturned.Add(res.CollateralReturned, pos.CollateralAmount)
		pos.CollateralAmount = new(big.Int)
		l.repo.Delete(key)
		res.Position = nil
		return res, nil
	}

	if err := l.validatePosition(ctx, pos, collateralPrice); err != nil {
		return nil, err
	}
	l.repo.Put(pos)
	res.Position = pos
	return res, nil
}

// settleFees charges accrued funding and borrowing against collateral and
// credits any claimable funding.
func (l *Ledger) settleFees(ctx Ctx, pos *Position, collateralPrice pricing.Price, costOut, claimOut, borrowOut **big.Int) error {
	snap := fees.PositionFeeSnapshot{
		FundingCostFactor:  pos.FundingCostFactor,
		FundingClaimFactor: pos.FundingClaimFactor,
		BorrowingFactor:    pos.BorrowingFactor,
	}
	settled := fees.SettlePosition(ctx.Fees, pos.IsLong, pos.SizeUsd, snap)
	*costOut = settled.FundingCostUsd
	*claimOut = settled.FundingClaimUsd
	*borrowOut = settled.BorrowingUsd

	oweUsd := new(big.Int).Add(settled.FundingCostUsd, settled.BorrowingUsd)
	if oweUsd.Sign() > 0 {
		oweAmount := usdToToken(oweUsd, collateralPrice.Min, fixedpoint.RoundUp)
		if pos.CollateralAmount.Cmp(oweAmount) < 0 {
			return fmt.Errorf("%w: fees %s exceed collateral %s", ErrInsufficientCollateral, oweAmount, pos.CollateralAmount)
		}
		pos.CollateralAmount.Sub(pos.CollateralAmount, oweAmount)

		// split: funding goes to the opposite side's claim pool (held in
		// the pool until claimed), borrowing goes to pool / fee receiver
		borrowShare := usdToToken(settled.BorrowingUsd, collateralPrice.Min, fixedpoint.RoundUp)
		borrowShare = fixedpoint.Min(borrowShare, oweAmount)
		fundingShare := new(big.Int).Sub(oweAmount, borrowShare)
		if err := ctx.Pool.ApplyPoolDelta(pos.CollateralToken, fundingShare); err != nil {
			return err
		}
		l.routeFee(ctx, pos.CollateralToken, borrowShare)
	}

	if settled.FundingClaimUsd.Sign() > 0 {
		claimAmount := usdToToken(settled.FundingClaimUsd, collateralPrice.Max, fixedpoint.RoundDown)
		ctx.Pool.AddClaimableFunding(pos.CollateralToken, pos.Account, claimAmount)
	}

	// update the borrowing aggregate to the fresh snapshot for the surviving
	// size: remove the old entry factor, re-add at current
	b := ctx.Fees.BorrowingSide(pos.IsLong)
	if pos.SizeUsd.Sign() > 0 {
		b.OnPositionChanged(fixedpoint.Neg(pos.SizeUsd), pos.BorrowingFactor)
		b.OnPositionChanged(pos.SizeUsd, b.CumulativeFactor)
	}
	return nil
}

// routeFee splits a collected fee between the pool and the fee receiver.
func (l *Ledger) routeFee(ctx Ctx, token string, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	receiverShare := fixedpoint.ApplyFactor(amount, ctx.Config.FeeReceiverFactor)
	poolShare := new(big.Int).Sub(amount, receiverShare)
	ctx.Pool.AddClaimableFee(token, receiverShare)
	// fee credit cannot push the pool negative
	_ = ctx.Pool.ApplyPoolDelta(token, poolShare)
}

// validatePosition enforces leverage and minimum-collateral bounds.
func (l *Ledger) validatePosition(ctx Ctx, pos *Position, collateralPrice pricing.Price) error {
	if pos.SizeUsd.Sign() == 0 {
		return nil
	}
	if ctx.Config.MinPositionSizeUsd.Sign() > 0 && pos.SizeUsd.Cmp(ctx.Config.MinPositionSizeUsd) < 0 {
		return fmt.Errorf("%w: size %s min %s", ErrMinPositionSize, pos.SizeUsd, ctx.Config.MinPositionSizeUsd)
	}

	collateralUsd := new(big.Int).Mul(pos.CollateralAmount, collateralPrice.Min)
	if collateralUsd.Cmp(ctx.Config.MinCollateralUsd) < 0 {
		return fmt.Errorf("%w: collateral %s usd min %s", ErrInsufficientCollateral, collateralUsd, ctx.Config.MinCollateralUsd)
	}
	if ctx.Config.MinCollateralFactor.Sign() > 0 {
		minUsd := fixedpoint.ApplyFactor(pos.SizeUsd, ctx.Config.MinCollateralFactor)
		if collateralUsd.Cmp(minUsd) < 0 {
			return fmt.Errorf("%w: collateral %s below factor minimum %s", ErrInsufficientCollateral, collateralUsd, minUsd)
		}
	}
	if ctx.Config.MaxLeverage.Sign() > 0 {
		leverage := pos.LeverageFactor(collateralPrice.Min)
		if leverage.Cmp(ctx.Config.MaxLeverage) > 0 {
			return fmt.Errorf("%w: leverage %s max %s", ErrMaxLeverageExceeded, leverage, ctx.Config.MaxLeverage)
		}
	}
	return nil
}

func snapshotFactors(mf *fees.MarketFees, isLong bool) (cost, claim, borrow *big.Int) {
	snap := fees.CurrentSnapshot(mf, isLong)
	return snap.FundingCostFactor, snap.FundingClaimFactor, snap.BorrowingFactor
}

// usdToToken converts a 30-decimal USD value to token units at price.
func usdToToken(usd, price *big.Int, rounding fixedpoint.Rounding) *big.Int {
	if price.Sign() == 0 {
		return new(big.Int)
	}
	return fixedpoint.MulDiv(usd, big.NewInt(1), price, rounding)
}

// quoSigned divides usd by price preserving sign, truncating toward zero.
func quoSigned(usd, price *big.Int) *big.Int {
	return new(big.Int).Quo(usd, price)
}
