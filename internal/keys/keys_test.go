package keys_test

import (
	"testing"

	"github.com/gmx-io/gmx-synthetics-sub001/internal/keys"
)

func TestDeriveDeterministic(t *testing.T) {
	a := keys.Derive(keys.TagPoolAmount, "ETH-USD", "WETH")
	b := keys.Derive(keys.TagPoolAmount, "ETH-USD", "WETH")
	if a != b {
		t.Errorf("same inputs produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestDeriveTagNamespaces(t *testing.T) {
	a := keys.Derive(keys.TagPoolAmount, "ETH-USD", "WETH")
	b := keys.Derive(keys.TagReservedAmount, "ETH-USD", "WETH")
	if a == b {
		t.Error("different tags must not collide")
	}
}

func TestDeriveLengthPrefixing(t *testing.T) {
	// "ab"+"c" must differ from "a"+"bc"
	a := keys.Derive(keys.TagPosition, "ab", "c")
	b := keys.Derive(keys.TagPosition, "a", "bc")
	if a == b {
		t.Error("part boundaries must be encoded")
	}
}

func TestSide(t *testing.T) {
	if keys.Side(true) != "long" || keys.Side(false) != "short" {
		t.Error("unexpected side encoding")
	}
}
