// Package pricing defines the validated price surface the settlement core
// consumes. Signature aggregation and feed plumbing live outside the core;
// a Resolver hands over already-validated {min, max} prices only.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrOracleTimestampOutOfRange = errors.New("oracle timestamp out of range")

// Price is a validated min/max price pair for one token. Prices are scaled
// to 10^(30 - tokenDecimals) so amount * price is 30-decimal USD.
type Price struct {
	Min *big.Int
	Max *big.Int
}

func NewPrice(min, max *big.Int) Price {
	return Price{Min: min, Max: max}
}

// Pick returns the max price when maximize is true, else the min price.
// Settlement always picks the bound that favors the pool.
func (p Price) Pick(maximize bool) *big.Int {
	if maximize {
		return p.Max
	}
	return p.Min
}

// Mid returns the midpoint of min and max.
func (p Price) Mid() *big.Int {
	sum := new(big.Int).Add(p.Min, p.Max)
	return sum.Rsh(sum, 1)
}

// IsZero reports whether either bound is unset or zero.
func (p Price) IsZero() bool {
	return p.Min == nil || p.Max == nil || p.Min.Sign() == 0 || p.Max.Sign() == 0
}

// Resolver supplies prices for the tokens touched by one settlement
// operation. Implementations must return prices from a single consistent
// snapshot.
type Resolver interface {
	// GetPrice returns the price for a token, or an error if the token is
	// not covered by the current snapshot.
	GetPrice(token string) (Price, error)

	// Window returns the validity window of the snapshot.
	Window() Window
}

// Window bounds the timestamps a price snapshot is valid for.
type Window struct {
	MinTimestamp int64 // earliest acceptable oracle timestamp, unix seconds
	MaxTimestamp int64 // latest acceptable oracle timestamp, unix seconds
	MaxStaleness int64 // max allowed age of MaxTimestamp relative to now, seconds
}

// Validate checks the window against the operation's reference time.
func (w Window) Validate(now int64) error {
	if w.MinTimestamp > w.MaxTimestamp {
		return fmt.Errorf("%w: min %d after max %d", ErrOracleTimestampOutOfRange, w.MinTimestamp, w.MaxTimestamp)
	}
	if w.MaxTimestamp > now {
		return fmt.Errorf("%w: max %d is in the future of %d", ErrOracleTimestampOutOfRange, w.MaxTimestamp, now)
	}
	if w.MaxStaleness > 0 && now-w.MaxTimestamp > w.MaxStaleness {
		return fmt.Errorf("%w: prices aged %ds exceed staleness limit %ds", ErrOracleTimestampOutOfRange, now-w.MaxTimestamp, w.MaxStaleness)
	}
	return nil
}

// StaticResolver resolves prices from a fixed map. Used by tests and by
// replay tooling that already holds a full snapshot.
type StaticResolver struct {
	Prices map[string]Price
	Win    Window
}

func (r *StaticResolver) GetPrice(token string) (Price, error) {
	p, ok := r.Prices[token]
	if !ok || p.IsZero() {
		return Price{}, fmt.Errorf("no price for token %q", token)
	}
	return p, nil
}

func (r *StaticResolver) Window() Window {
	return r.Win
}
