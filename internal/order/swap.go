package order

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/fixedpoint"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/impact"
	"github.com/gmx-io/gmx-synthetics-sub001/internal/market"
)

var (
	ErrDuplicatedMarketInSwapPath = errors.New("duplicated market in swap path")
	ErrSwapPathTooLong            = errors.New("swap path too long")
	ErrInvalidSwapPath            = errors.New("invalid swap path")
	ErrInsufficientSwapOutput     = errors.New("insufficient swap output amount")
)

// MaxSwapPathLength bounds the number of hops a single order may route.
const MaxSwapPathLength = 5

// SwapResult reports the outcome of a full swap path.
type SwapResult struct {
	TokenOut  string
	AmountOut *big.Int
	FeeUsd    *big.Int // aggregate swap fees across hops
	ImpactUsd *big.Int // aggregate signed impact across hops
}

// validateSwapPath rejects malformed paths before any transfer occurs.
func validateSwapPath(env Env, path []string) error {
	if len(path) > MaxSwapPathLength {
		return fmt.Errorf("%w: %d hops, max %d", ErrSwapPathTooLong, len(path), MaxSwapPathLength)
	}
	seen := make(map[string]struct{}, len(path))
	for _, name := range path {
		if _, ok := env.Markets.Get(name); !ok {
			return fmt.Errorf("%w: unknown market %s", ErrInvalidSwapPath, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicatedMarketInSwapPath, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// swapAlongPath routes amountIn of tokenIn through each market in path,
// charging the swap fee and settling imbalance impact per hop. The path is
// fully validated before the first pool is touched.
func swapAlongPath(env Env, path []string, tokenIn string, amountIn *big.Int) (*SwapResult, error) {
	if err := validateSwapPath(env, path); err != nil {
		return nil, err
	}

	res := &SwapResult{
		TokenOut:  tokenIn,
		AmountOut: new(big.Int).Set(amountIn),
		FeeUsd:    new(big.Int),
		ImpactUsd: new(big.Int),
	}
	for _, name := range path {
		m, _ := env.Markets.Get(name)
		cfg, ok := env.Markets.GetConfig(name)
		if !ok {
			return nil, fmt.Errorf("%w: no config for market %s", ErrInvalidSwapPath, name)
		}
		if err := swapStep(env, m, cfg, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// swapStep executes one hop, mutating res in place.
func swapStep(env Env, m market.Market, cfg *market.Config, res *SwapResult) error {
	tokenIn := res.TokenOut
	amountIn := res.AmountOut

	var tokenOut string
	switch tokenIn {
	case m.LongToken:
		tokenOut = m.ShortToken
	case m.ShortToken:
		tokenOut = m.LongToken
	default:
		return fmt.Errorf("%w: market %s does not hold %s", ErrInvalidSwapPath, m.Name, tokenIn)
	}

	priceIn, err := env.Prices.GetPrice(tokenIn)
	if err != nil {
		return err
	}
	priceOut, err := env.Prices.GetPrice(tokenOut)
	if err != nil {
		return err
	}
	pool := env.Pools.Get(m.Name)

	// swap fee comes off the input; the receiver share leaves the pool
	// entirely, the rest stays as pool revenue
	feeAmount := fixedpoint.ApplyFactor(amountIn, cfg.SwapFeeFactor)
	receiverShare := fixedpoint.ApplyFactor(feeAmount, cfg.FeeReceiverFactor)
	pool.AddClaimableFee(tokenIn, receiverShare)
	amountInAfterFee := new(big.Int).Sub(amountIn, feeAmount)
	res.FeeUsd.Add(res.FeeUsd, new(big.Int).Mul(feeAmount, priceIn.Min))

	usdIn := new(big.Int).Mul(amountInAfterFee, priceIn.Min)

	// imbalance deltas are signed per pool side
	usdDeltaLong := new(big.Int).Set(usdIn)
	usdDeltaShort := fixedpoint.Neg(usdIn)
	if tokenIn == m.ShortToken {
		usdDeltaLong, usdDeltaShort = usdDeltaShort, usdDeltaLong
	}
	impactUsd, err := impact.SwapImpactUsd(impact.SwapCurve(cfg), m, pool, env.Prices, usdDeltaLong, usdDeltaShort)
	if err != nil {
		return err
	}

	amountOut := fixedpoint.MulDiv(usdIn, big.NewInt(1), priceOut.Max, fixedpoint.RoundDown)
	impactAmount := impact.ApplySwapImpact(pool, tokenOut, priceOut, impactUsd)
	amountOut.Add(amountOut, impactAmount)
	if amountOut.Sign() < 0 {
		return fmt.Errorf("%w: impact consumed the full hop output in %s", ErrInsufficientSwapOutput, m.Name)
	}
	res.ImpactUsd.Add(res.ImpactUsd, new(big.Int).Mul(impactAmount, priceOut.Pick(impactAmount.Sign() < 0)))

	if err := pool.ApplyPoolDelta(tokenIn, new(big.Int).Sub(amountIn, receiverShare)); err != nil {
		return err
	}
	if err := pool.ApplyPoolDelta(tokenOut, fixedpoint.Neg(amountOut)); err != nil {
		return err
	}
	if err := market.ValidatePoolAmount(cfg, pool, tokenIn); err != nil {
		return err
	}
	if err := market.ValidateReserve(m, cfg, pool, env.Prices, tokenOut == m.LongToken); err != nil {
		return err
	}

	res.TokenOut = tokenOut
	res.AmountOut = amountOut
	return nil
}
