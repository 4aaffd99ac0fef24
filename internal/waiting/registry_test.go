package waiting

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/exchange/execution/internal/exchange"
	"github.com/exchange/execution/pkg/logger"
	"github.com/exchange/execution/pkg/snowflake"
)

type memStore struct {
	mu      sync.Mutex
	saved   [][]Entry
	entries []Entry
	loadErr error
}

func (s *memStore) Load() ([]Entry, error) {
	return s.entries, s.loadErr
}

func (s *memStore) Save(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, entries)
	return nil
}

func (s *memStore) last() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	return s.saved[len(s.saved)-1]
}

type fakePlacer struct {
	mu       sync.Mutex
	placed   []exchange.OrderLeg
	placeErr error
}

func (p *fakePlacer) PlaceOrder(ctx context.Context, leg exchange.OrderLeg) (*exchange.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.placeErr != nil {
		return nil, p.placeErr
	}
	p.placed = append(p.placed, leg)
	return &exchange.OrderAck{OrderID: int64(100 + len(p.placed)), Symbol: leg.Symbol, Status: exchange.StatusNew}, nil
}

func (p *fakePlacer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.placed)
}

func newTestRegistry(t *testing.T, store Store, placer Placer) *Registry {
	t.Helper()
	gen, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	log := logger.New("waiting-test", io.Discard)
	return New(Config{}, store, placer, gen, log, nil, nil)
}

func TestSchedulePersistsWaitingEntry(t *testing.T) {
	store := &memStore{}
	r := newTestRegistry(t, store, &fakePlacer{})

	r.Schedule(context.Background(), "BTCUSDT", exchange.SideSell, exchange.PositionLong, "71000", "0.5")

	if r.Size() != 1 {
		t.Fatalf("expected one entry, got %d", r.Size())
	}
	saved := store.last()
	if len(saved) != 1 || saved[0].Symbol != "BTCUSDT" || saved[0].Status != StatusWaiting {
		t.Fatalf("unexpected persisted state: %+v", saved)
	}
	if saved[0].TargetPrice != "71000" {
		t.Fatalf("unexpected target price: %q", saved[0].TargetPrice)
	}
}

func TestNeverSendsWhileObservedSizeZero(t *testing.T) {
	placer := &fakePlacer{}
	r := newTestRegistry(t, &memStore{}, placer)
	ctx := context.Background()

	r.Schedule(ctx, "BTCUSDT", exchange.SideSell, exchange.PositionLong, "71000", "0.5")

	for i := 0; i < 5; i++ {
		r.RunPass(ctx, nil)
	}

	if placer.count() != 0 {
		t.Fatalf("expected no send with zero observations, placed %d", placer.count())
	}
	if r.Size() != 1 {
		t.Fatal("expected entry still waiting")
	}
}

func TestSendsAfterNonZeroObservation(t *testing.T) {
	placer := &fakePlacer{}
	r := newTestRegistry(t, &memStore{}, placer)
	ctx := context.Background()

	r.Schedule(ctx, "BTCUSDT", exchange.SideSell, exchange.PositionLong, "71000", "0.5")

	positions := []exchange.Position{{Symbol: "BTCUSDT", SignedSize: "0.483", Side: exchange.PositionLong}}
	r.RunPass(ctx, positions)

	if placer.count() != 1 {
		t.Fatalf("expected one take profit sent, got %d", placer.count())
	}
	leg := placer.placed[0]
	if leg.Type != exchange.TypeTakeProfit || !leg.ReduceOnly {
		t.Fatalf("expected reduce-only limit take profit, got %+v", leg)
	}
	if leg.Quantity != "0.483" {
		t.Fatalf("expected quantity sized to observed position, got %q", leg.Quantity)
	}
	if leg.Price != "71000" || leg.StopPrice != "71000" {
		t.Fatalf("expected target price on both price fields, got %+v", leg)
	}
	if r.Size() != 0 {
		t.Fatal("expected entry removed after send")
	}
}

func TestShortPositionQuantityIsAbsolute(t *testing.T) {
	placer := &fakePlacer{}
	r := newTestRegistry(t, &memStore{}, placer)
	ctx := context.Background()

	r.Schedule(ctx, "ETHUSDT", exchange.SideBuy, exchange.PositionShort, "1800", "")
	r.RunPass(ctx, []exchange.Position{{Symbol: "ETHUSDT", SignedSize: "-2.5", Side: exchange.PositionShort}})

	if placer.count() != 1 {
		t.Fatalf("expected send, got %d", placer.count())
	}
	if placer.placed[0].Quantity != "2.5" {
		t.Fatalf("expected absolute quantity, got %q", placer.placed[0].Quantity)
	}
}

func TestZeroObservationResetsCounter(t *testing.T) {
	placer := &fakePlacer{}
	store := &memStore{}
	gen, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	log := logger.New("waiting-test", io.Discard)
	r := New(Config{ConfirmChecks: 2}, store, placer, gen, log, nil, nil)
	ctx := context.Background()

	r.Schedule(ctx, "BTCUSDT", exchange.SideSell, exchange.PositionLong, "71000", "")

	nonzero := []exchange.Position{{Symbol: "BTCUSDT", SignedSize: "0.5"}}
	r.RunPass(ctx, nonzero) // 1 次非零，未到阈值
	r.RunPass(ctx, nil)     // 归零，计数重置
	r.RunPass(ctx, nonzero) // 重新从 1 开始

	if placer.count() != 0 {
		t.Fatalf("expected counter reset to prevent send, placed %d", placer.count())
	}

	r.RunPass(ctx, nonzero) // 连续第 2 次非零
	if placer.count() != 1 {
		t.Fatalf("expected send after consecutive confirmations, got %d", placer.count())
	}
}

func TestSendFailureKeepsEntryWaiting(t *testing.T) {
	placer := &fakePlacer{placeErr: errors.New("order would immediately trigger")}
	store := &memStore{}
	r := newTestRegistry(t, store, placer)
	ctx := context.Background()

	r.Schedule(ctx, "BTCUSDT", exchange.SideSell, exchange.PositionLong, "71000", "")
	r.RunPass(ctx, []exchange.Position{{Symbol: "BTCUSDT", SignedSize: "0.5"}})

	if r.Size() != 1 {
		t.Fatal("expected entry kept after failed send")
	}
	saved := store.last()
	if len(saved) != 1 || saved[0].LastError == "" || saved[0].LastErrorAt == 0 {
		t.Fatalf("expected failure recorded and persisted, got %+v", saved)
	}

	// 下一轮恢复后补发成功
	placer.placeErr = nil
	r.RunPass(ctx, []exchange.Position{{Symbol: "BTCUSDT", SignedSize: "0.5"}})
	if placer.count() != 1 || r.Size() != 0 {
		t.Fatalf("expected retry to succeed, placed=%d size=%d", placer.count(), r.Size())
	}
}

// blockingPlacer 卡在下单调用里，模拟慢请求与重叠 pass
type blockingPlacer struct {
	fakePlacer
	started chan struct{}
	release chan struct{}
}

func (p *blockingPlacer) PlaceOrder(ctx context.Context, leg exchange.OrderLeg) (*exchange.OrderAck, error) {
	p.started <- struct{}{}
	<-p.release
	return p.fakePlacer.PlaceOrder(ctx, leg)
}

func TestOverlappingPassesSendOnce(t *testing.T) {
	placer := &blockingPlacer{started: make(chan struct{}, 2), release: make(chan struct{})}
	r := newTestRegistry(t, &memStore{}, placer)
	ctx := context.Background()

	r.Schedule(ctx, "BTCUSDT", exchange.SideSell, exchange.PositionLong, "71000", "")
	positions := []exchange.Position{{Symbol: "BTCUSDT", SignedSize: "0.5"}}

	done := make(chan struct{})
	go func() {
		r.RunPass(ctx, positions)
		close(done)
	}()
	<-placer.started

	// 第一轮补发尚未返回，第二轮与之重叠
	r.RunPass(ctx, positions)

	close(placer.release)
	<-done

	if placer.count() != 1 {
		t.Fatalf("expected exactly one take profit for one entry, got %d", placer.count())
	}
	if r.Size() != 0 {
		t.Fatalf("expected entry removed after send, size=%d", r.Size())
	}
}

func TestRescheduleDuringInflightSendSurvives(t *testing.T) {
	placer := &blockingPlacer{started: make(chan struct{}, 2), release: make(chan struct{})}
	r := newTestRegistry(t, &memStore{}, placer)
	ctx := context.Background()

	r.Schedule(ctx, "BTCUSDT", exchange.SideSell, exchange.PositionLong, "71000", "")

	done := make(chan struct{})
	go func() {
		r.RunPass(ctx, []exchange.Position{{Symbol: "BTCUSDT", SignedSize: "0.5"}})
		close(done)
	}()
	<-placer.started

	// 旧补发在途时同币种重新挂上等待条目
	r.Schedule(ctx, "BTCUSDT", exchange.SideSell, exchange.PositionLong, "72500", "")

	close(placer.release)
	<-done

	if r.Size() != 1 {
		t.Fatalf("expected rescheduled entry kept, size=%d", r.Size())
	}
	entry, ok := findEntry(r.Snapshot(), "BTCUSDT")
	if !ok || entry.TargetPrice != "72500" {
		t.Fatalf("expected new target price preserved, got %+v", entry)
	}
}

func TestCleanupRemovesEntry(t *testing.T) {
	store := &memStore{}
	r := newTestRegistry(t, store, &fakePlacer{})
	ctx := context.Background()

	r.Schedule(ctx, "BTCUSDT", exchange.SideSell, exchange.PositionLong, "71000", "")
	r.Cleanup(ctx, "BTCUSDT", "entry canceled before fill")

	if r.Size() != 0 {
		t.Fatal("expected entry removed")
	}
	if saved := store.last(); len(saved) != 0 {
		t.Fatalf("expected empty persisted state, got %+v", saved)
	}
}

func TestLoadAndRevalidateDropsStaleEntries(t *testing.T) {
	store := &memStore{
		entries: []Entry{
			{Symbol: "BTCUSDT", Side: "SELL", PositionSide: "LONG", TargetPrice: "71000", Status: StatusWaiting},
			{Symbol: "DEADUSDT", Side: "SELL", PositionSide: "LONG", TargetPrice: "9", Status: StatusWaiting},
			{Symbol: "SENTUSDT", Side: "SELL", PositionSide: "LONG", TargetPrice: "5", Status: StatusSent},
		},
	}
	r := newTestRegistry(t, store, &fakePlacer{})

	r.Load()
	if r.Size() != 2 {
		t.Fatalf("expected only WAITING entries loaded, got %d", r.Size())
	}

	r.Revalidate(context.Background(),
		[]exchange.Position{{Symbol: "BTCUSDT", SignedSize: "0.5"}},
		nil,
	)

	if r.Size() != 1 {
		t.Fatalf("expected stale entry dropped, got %d", r.Size())
	}
	if _, ok := findEntry(r.Snapshot(), "BTCUSDT"); !ok {
		t.Fatal("expected live entry kept")
	}
}

func TestLoadCorruptStateStartsEmpty(t *testing.T) {
	store := &memStore{loadErr: errors.New("unexpected end of JSON input")}
	r := newTestRegistry(t, store, &fakePlacer{})

	r.Load()
	if r.Size() != 0 {
		t.Fatalf("expected empty registry on corrupt state, got %d", r.Size())
	}
}

func findEntry(entries []Entry, symbol string) (Entry, bool) {
	for _, e := range entries {
		if e.Symbol == symbol {
			return e, true
		}
	}
	return Entry{}, false
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "waiting.json")
	store := NewFileStore(path)

	entries := []Entry{
		{Symbol: "BTCUSDT", Side: "SELL", PositionSide: "LONG", TargetPrice: "71000", Since: 1700000000000, Status: StatusWaiting},
	}
	if err := store.Save(entries); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != entries[0] {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"))
	loaded, err := store.Load()
	if err != nil || len(loaded) != 0 {
		t.Fatalf("expected empty state, got %v entries err=%v", loaded, err)
	}
}

func TestFileStoreCorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waiting.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewFileStore(path).Load(); err == nil {
		t.Fatal("expected decode error")
	}
}
