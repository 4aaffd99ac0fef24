package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func altFilters() SymbolFilters {
	return SymbolFilters{
		Symbol:      "ALTUSDT",
		TickSize:    dec("0.01"),
		StepSize:    dec("0.1"),
		MinQty:      dec("0.1"),
		MinNotional: dec("5"),
	}
}

func TestQuantityFromNotionalExample(t *testing.T) {
	f := altFilters()

	// 100 USD × 10x ÷ 1.20 = 833.33... → 833.3
	qty, err := f.QuantityFromNotional(dec("100"), dec("10"), dec("1.20"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qty != "833.3" {
		t.Fatalf("expected 833.3, got %s", qty)
	}
}

func TestQuantityFromNotionalRejectsDust(t *testing.T) {
	f := altFilters()

	_, err := f.QuantityFromNotional(dec("0.01"), dec("1"), dec("1.20"))
	if err == nil {
		t.Fatal("expected minimum quantity rejection")
	}
}

func TestQuantityFromNotionalRejectsZeroPrice(t *testing.T) {
	f := altFilters()

	if _, err := f.QuantityFromNotional(dec("100"), dec("10"), dec("0")); err == nil {
		t.Fatal("expected error for zero price")
	}
}

func TestRoundPriceFloorsToTick(t *testing.T) {
	f := altFilters()

	if got := f.RoundPrice(dec("1.237")); got != "1.23" {
		t.Fatalf("expected 1.23, got %s", got)
	}
	if got := f.RoundPrice(dec("1.2")); got != "1.2" {
		t.Fatalf("expected 1.2, got %s", got)
	}
}

func TestFilterCacheFetchesOnceWithinTTL(t *testing.T) {
	calls := 0
	cache := NewFilterCache(func(ctx context.Context) (map[string]SymbolFilters, error) {
		calls++
		return map[string]SymbolFilters{"ALTUSDT": altFilters()}, nil
	}, time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := cache.Get(context.Background(), "altusdt"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected single fetch within TTL, got %d", calls)
	}
}

func TestFilterCacheRefreshesAfterTTL(t *testing.T) {
	calls := 0
	cache := NewFilterCache(func(ctx context.Context) (map[string]SymbolFilters, error) {
		calls++
		return map[string]SymbolFilters{"ALTUSDT": altFilters()}, nil
	}, time.Minute)

	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Get(context.Background(), "ALTUSDT")
	now = now.Add(2 * time.Minute)
	cache.Get(context.Background(), "ALTUSDT")

	if calls != 2 {
		t.Fatalf("expected refresh after TTL, got %d fetches", calls)
	}
}

func TestFilterCacheKeepsStaleOnRefreshFailure(t *testing.T) {
	calls := 0
	cache := NewFilterCache(func(ctx context.Context) (map[string]SymbolFilters, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("exchange down")
		}
		return map[string]SymbolFilters{"ALTUSDT": altFilters()}, nil
	}, time.Minute)

	now := time.Now()
	cache.now = func() time.Time { return now }

	if _, err := cache.Get(context.Background(), "ALTUSDT"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cache.Get(context.Background(), "ALTUSDT"); err != nil {
		t.Fatalf("expected stale filters to be served, got %v", err)
	}
}

func TestFilterCacheUnknownSymbol(t *testing.T) {
	cache := NewFilterCache(func(ctx context.Context) (map[string]SymbolFilters, error) {
		return map[string]SymbolFilters{}, nil
	}, time.Hour)

	if _, err := cache.Get(context.Background(), "NOPEUSDT"); err == nil {
		t.Fatal("expected unknown symbol error")
	}
}
