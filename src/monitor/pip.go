package monitor

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	pipDefault  = decimal.RequireFromString("0.0001")
	pipJPYQuote = decimal.RequireFromString("0.01")
)

// PipTable maps symbols to their pip size. Lookups fall back to a
// quote-currency rule (JPY-quoted pairs use 0.01, everything else 0.0001),
// so new symbols work without a code change and odd instruments can be
// registered explicitly.
type PipTable struct {
	mu    sync.RWMutex
	sizes map[string]decimal.Decimal
}

// DefaultPipTable seeds the majors traded by the hedge desk.
func DefaultPipTable() *PipTable {
	t := &PipTable{sizes: make(map[string]decimal.Decimal)}

	for _, symbol := range []string{"USDJPY", "EURJPY", "GBPJPY", "AUDJPY", "CHFJPY"} {
		t.sizes[symbol] = pipJPYQuote
	}
	for _, symbol := range []string{"EURUSD", "GBPUSD", "AUDUSD", "NZDUSD", "USDCHF", "USDCAD", "EURGBP"} {
		t.sizes[symbol] = pipDefault
	}
	// Metals quote with two decimals of pip on most brokers.
	t.sizes["XAUUSD"] = pipJPYQuote

	return t
}

// Register adds or overrides the pip size for a symbol.
func (t *PipTable) Register(symbol string, size decimal.Decimal) {
	t.mu.Lock()
	t.sizes[strings.ToUpper(symbol)] = size
	t.mu.Unlock()
}

// PipSize returns the pip size for symbol.
func (t *PipTable) PipSize(symbol string) decimal.Decimal {
	symbol = strings.ToUpper(symbol)

	t.mu.RLock()
	size, ok := t.sizes[symbol]
	t.mu.RUnlock()
	if ok {
		return size
	}

	if strings.HasSuffix(symbol, "JPY") {
		return pipJPYQuote
	}
	return pipDefault
}

// PipsToPrice converts a width in pips to a price distance for symbol.
func (t *PipTable) PipsToPrice(symbol string, pips float64) decimal.Decimal {
	return decimal.NewFromFloat(pips).Mul(t.PipSize(symbol))
}
