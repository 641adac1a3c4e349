package monitor

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPipSizeSeededSymbols(t *testing.T) {
	table := DefaultPipTable()

	if !table.PipSize("USDJPY").Equal(d("0.01")) {
		t.Fatalf("USDJPY pip size wrong: %s", table.PipSize("USDJPY"))
	}
	if !table.PipSize("EURUSD").Equal(d("0.0001")) {
		t.Fatalf("EURUSD pip size wrong: %s", table.PipSize("EURUSD"))
	}
	if !table.PipSize("XAUUSD").Equal(d("0.01")) {
		t.Fatalf("XAUUSD pip size wrong: %s", table.PipSize("XAUUSD"))
	}
}

func TestPipSizeFallbackByQuoteCurrency(t *testing.T) {
	table := DefaultPipTable()

	// Not seeded: falls back on the quote-currency rule.
	if !table.PipSize("CADJPY").Equal(d("0.01")) {
		t.Fatalf("JPY-quoted fallback wrong: %s", table.PipSize("CADJPY"))
	}
	if !table.PipSize("NZDCAD").Equal(d("0.0001")) {
		t.Fatalf("default fallback wrong: %s", table.PipSize("NZDCAD"))
	}

	// Case-insensitive.
	if !table.PipSize("usdjpy").Equal(d("0.01")) {
		t.Fatalf("lookup must be case-insensitive")
	}
}

func TestPipRegisterOverride(t *testing.T) {
	table := DefaultPipTable()
	table.Register("BTCUSD", d("1"))

	if !table.PipSize("BTCUSD").Equal(d("1")) {
		t.Fatalf("registered pip size not used: %s", table.PipSize("BTCUSD"))
	}
}

func TestPipsToPrice(t *testing.T) {
	table := DefaultPipTable()

	if !table.PipsToPrice("USDJPY", 20).Equal(d("0.20")) {
		t.Fatalf("20 pips on USDJPY must be 0.20, got %s", table.PipsToPrice("USDJPY", 20))
	}
	if !table.PipsToPrice("EURUSD", 35).Equal(d("0.0035")) {
		t.Fatalf("35 pips on EURUSD must be 0.0035, got %s", table.PipsToPrice("EURUSD", 35))
	}
}
