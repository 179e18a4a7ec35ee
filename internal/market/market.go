// Package market owns market definitions, per-market risk configuration,
// pool token accounting, and market-share (GM) pricing.
package market

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

var (
	ErrEmptyMarket   = errors.New("empty market")
	ErrInvalidMarket = errors.New("invalid market")
)

// Market is an isolated liquidity pool backing exposure to an index token.
// A swap-only market has no index token and takes no positions.
type Market struct {
	Name        string
	IndexToken  string // empty for swap-only markets
	LongToken   string
	ShortToken  string
	MarketToken string // GM share token, 18 decimals
}

func (m Market) Validate() error {
	if m.Name == "" || m.MarketToken == "" {
		return ErrEmptyMarket
	}
	if m.LongToken == "" || m.ShortToken == "" {
		return fmt.Errorf("%w: %s has no collateral tokens", ErrInvalidMarket, m.Name)
	}
	if m.IndexToken == "" {
		// swap-only markets must hold two distinct tokens
		if m.LongToken == m.ShortToken {
			return fmt.Errorf("%w: swap-only market %s with identical tokens", ErrInvalidMarket, m.Name)
		}
		return nil
	}
	return nil
}

// IsSwapOnly reports whether the market takes no positions.
func (m Market) IsSwapOnly() bool {
	return m.IndexToken == ""
}

// IsSingleToken reports whether long and short collateral are the same token.
func (m Market) IsSingleToken() bool {
	return m.LongToken == m.ShortToken
}

// IsCollateralToken reports whether token is usable as collateral here.
func (m Market) IsCollateralToken(token string) bool {
	return token == m.LongToken || token == m.ShortToken
}

// SidePair holds one value per position side.
type SidePair struct {
	Long  *big.Int
	Short *big.Int
}

func NewSidePair() SidePair {
	return SidePair{Long: new(big.Int), Short: new(big.Int)}
}

func (p *SidePair) Get(isLong bool) *big.Int {
	if isLong {
		return p.Long
	}
	return p.Short
}

func (p *SidePair) Set(isLong bool, v *big.Int) {
	if isLong {
		p.Long = v
	} else {
		p.Short = v
	}
}

// Add adds delta (may be negative) to one side in place.
func (p *SidePair) Add(isLong bool, delta *big.Int) {
	p.Get(isLong).Add(p.Get(isLong), delta)
}

// Total returns Long + Short.
func (p *SidePair) Total() *big.Int {
	return new(big.Int).Add(p.Long, p.Short)
}

func (p *SidePair) Clone() SidePair {
	return SidePair{
		Long:  new(big.Int).Set(p.Long),
		Short: new(big.Int).Set(p.Short),
	}
}

// Repo is an in-memory market registry. Lookups by name dominate, so a map
// keyed by market name replaces the original generically-keyed store.
type Repo struct {
	markets map[string]Market
	configs map[string]*Config
}

func NewRepo() *Repo {
	return &Repo{
		markets: make(map[string]Market),
		configs: make(map[string]*Config),
	}
}

func (r *Repo) Put(m Market, cfg *Config) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.markets[m.Name] = m
	r.configs[m.Name] = cfg
	return nil
}

func (r *Repo) Get(name string) (Market, bool) {
	m, ok := r.markets[name]
	return m, ok
}

func (r *Repo) GetConfig(name string) (*Config, bool) {
	c, ok := r.configs[name]
	return c, ok
}

// Names returns all market names in deterministic order.
func (r *Repo) Names() []string {
	names := make([]string, 0, len(r.markets))
	for name := range r.markets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
