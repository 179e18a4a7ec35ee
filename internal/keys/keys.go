// Package keys derives the deterministic identifiers used at the
// serialization boundary: every persisted value is addressed by a key built
// from a fixed string tag plus the tuple of identifying parameters. The tag
// namespaces the key space so tuples from different concerns cannot collide.
package keys

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Tags for persisted state. These are part of the on-disk format and must
// not change between versions.
const (
	TagPoolAmount               = "POOL_AMOUNT"
	TagSwapImpactPoolAmount     = "SWAP_IMPACT_POOL_AMOUNT"
	TagPositionImpactPoolAmount = "POSITION_IMPACT_POOL_AMOUNT"
	TagOpenInterest             = "OPEN_INTEREST"
	TagOpenInterestInTokens     = "OPEN_INTEREST_IN_TOKENS"
	TagReservedAmount           = "RESERVED_AMOUNT"
	TagCumulativeFundingFactor  = "CUMULATIVE_FUNDING_FACTOR"
	TagCumulativeBorrowFactor   = "CUMULATIVE_BORROWING_FACTOR"
	TagSavedFundingFactor       = "SAVED_FUNDING_FACTOR_PER_SECOND"
	TagClaimableFunding         = "CLAIMABLE_FUNDING_AMOUNT"
	TagPosition                 = "POSITION"
	TagOrder                    = "ORDER"
	TagMarketTokenSupply        = "MARKET_TOKEN_SUPPLY"
	TagAdlState                 = "ADL_STATE"
)

// Derive builds a key as hex(SHA-256(tag || parts)), every part
// length-prefixed so adjacent parts cannot be confused.
func Derive(tag string, parts ...string) string {
	h := sha256.New()
	writePart(h, tag)
	for _, p := range parts {
		writePart(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writePart(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// Side encodes a position side for key derivation.
func Side(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
