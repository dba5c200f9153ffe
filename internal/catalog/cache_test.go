package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nkomilov/storefront-system/internal/localstore"
	"github.com/nkomilov/storefront-system/internal/model"
)

type stubSource struct {
	ordered      []model.Product
	orderedErr   error
	unordered    []model.Product
	unorderedErr error

	orderedCalls   int
	unorderedCalls int
}

func (s *stubSource) ListProductsOrdered(ctx context.Context) ([]model.Product, error) {
	s.orderedCalls++
	return s.ordered, s.orderedErr
}

func (s *stubSource) ListProductsUnordered(ctx context.Context) ([]model.Product, error) {
	s.unorderedCalls++
	return s.unordered, s.unorderedErr
}

type neverExpires struct{}

func (neverExpires) IsExpired(*Snapshot) bool { return false }

type alwaysExpires struct{}

func (alwaysExpires) IsExpired(*Snapshot) bool { return true }

func newTestCache(source Source, storage localstore.Store, policy CachePolicy) *Cache {
	return NewCache(source, storage, policy, zap.NewNop())
}

func products(ids ...string) []model.Product {
	out := make([]model.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Product{ID: id, Title: "Товар " + id, Price: 1000})
	}
	return out
}

func TestLoad_FreshSnapshotSkipsNetwork(t *testing.T) {
	source := &stubSource{}
	storage := localstore.NewMemoryStore()

	snap := Snapshot{TS: time.Now(), Items: products("p1", "p2")}
	raw, _ := json.Marshal(snap)
	_ = storage.Set(context.Background(), "productsCache", raw)

	cache := newTestCache(source, storage, neverExpires{})

	res := cache.Load(context.Background())
	if res.Err != "" {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if len(res.Products) != 2 {
		t.Fatalf("expected 2 products from snapshot, got %d", len(res.Products))
	}
	if source.orderedCalls != 0 || source.unorderedCalls != 0 {
		t.Fatalf("fresh snapshot must not touch the network")
	}
}

func TestLoad_OrderedQueryWins(t *testing.T) {
	source := &stubSource{ordered: products("p1")}
	cache := newTestCache(source, localstore.NewMemoryStore(), alwaysExpires{})

	res := cache.Load(context.Background())
	if res.Err != "" || len(res.Products) != 1 || res.Products[0].ID != "p1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if source.unorderedCalls != 0 {
		t.Fatalf("unordered query must not run when ordered succeeds")
	}
}

func TestLoad_FallsBackToUnordered(t *testing.T) {
	source := &stubSource{
		orderedErr: errors.New("missing index"),
		unordered:  products("p1", "p2"),
	}
	cache := newTestCache(source, localstore.NewMemoryStore(), alwaysExpires{})

	res := cache.Load(context.Background())
	if res.Err != "" || len(res.Products) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if source.orderedCalls != 1 || source.unorderedCalls != 1 {
		t.Fatalf("expected both queries attempted, got %d/%d", source.orderedCalls, source.unorderedCalls)
	}
}

func TestLoad_EmptyOrderedTriesUnordered(t *testing.T) {
	source := &stubSource{
		ordered:   nil,
		unordered: products("p1"),
	}
	cache := newTestCache(source, localstore.NewMemoryStore(), alwaysExpires{})

	res := cache.Load(context.Background())
	if res.Err != "" || len(res.Products) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestLoad_StaticFallback(t *testing.T) {
	source := &stubSource{
		orderedErr:   errors.New("network down"),
		unorderedErr: errors.New("network down"),
	}
	cache := newTestCache(source, localstore.NewMemoryStore(), alwaysExpires{})

	res := cache.Load(context.Background())
	if res.Err != "" {
		t.Fatalf("static fallback must not set error, got %s", res.Err)
	}
	if len(res.Products) != 3 {
		t.Fatalf("expected 3 static products, got %d", len(res.Products))
	}
}

func TestLoad_StaleSnapshotOnTotalFailure(t *testing.T) {
	source := &stubSource{ordered: products("p1", "p2")}
	storage := localstore.NewMemoryStore()
	cache := newTestCache(source, storage, alwaysExpires{})
	cache.SetStaticCatalog(nil)

	// Первая загрузка собирает снимок из удалённого каталога.
	first := cache.Load(context.Background())
	if first.Err != "" || len(first.Products) != 2 {
		t.Fatalf("unexpected first load: %+v", first)
	}

	// Сеть пропадает; истёкший снимок остаётся последней линией обороны.
	source.ordered = nil
	source.orderedErr = errors.New("network down")
	source.unorderedErr = errors.New("network down")

	second := cache.Load(context.Background())
	if second.Err != "" {
		t.Fatalf("stale snapshot must be returned without error, got %s", second.Err)
	}
	if len(second.Products) != 2 {
		t.Fatalf("expected stale snapshot with 2 products, got %d", len(second.Products))
	}
}

func TestLoad_EmptyWithErrorWhenNothingLeft(t *testing.T) {
	source := &stubSource{
		orderedErr:   errors.New("network down"),
		unorderedErr: errors.New("network down"),
	}
	cache := newTestCache(source, localstore.NewMemoryStore(), alwaysExpires{})
	cache.SetStaticCatalog(nil)

	res := cache.Load(context.Background())
	if res.Err == "" {
		t.Fatalf("expected error message when every source is exhausted")
	}
	if len(res.Products) != 0 {
		t.Fatalf("expected empty product list, got %d", len(res.Products))
	}
}

func TestLoad_MergeLocalSourcesFirstSeenWins(t *testing.T) {
	source := &stubSource{ordered: products("p1", "p2")}
	storage := localstore.NewMemoryStore()
	ctx := context.Background()

	seller := []model.Product{
		{ID: "p2", Title: "Дубликат из seller", Price: 99},
		{ID: "s1", Title: "Товар продавца", Price: 500},
	}
	rawSeller, _ := json.Marshal(seller)
	_ = storage.Set(ctx, "sellerProducts", rawSeller)

	admin := []model.Product{{ID: "a1", Title: "Товар администратора", Price: 700}}
	rawAdmin, _ := json.Marshal(admin)
	_ = storage.Set(ctx, "adminProducts", rawAdmin)

	cache := newTestCache(source, storage, alwaysExpires{})

	res := cache.Load(ctx)
	if res.Err != "" {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if len(res.Products) != 4 {
		t.Fatalf("expected 4 merged products, got %d: %+v", len(res.Products), res.Products)
	}

	byID := make(map[string]model.Product)
	for _, p := range res.Products {
		if _, dup := byID[p.ID]; dup {
			t.Fatalf("duplicate product id %s", p.ID)
		}
		byID[p.ID] = p
	}
	// Удалённый p2 выигрывает у локального дубликата.
	if byID["p2"].Price != 1000 {
		t.Fatalf("first-seen product must win, got %+v", byID["p2"])
	}
}

func TestTTLPolicy(t *testing.T) {
	now := time.Now()
	policy := NewTTLPolicy(5 * time.Minute)
	policy.Now = func() time.Time { return now }

	if policy.IsExpired(&Snapshot{TS: now.Add(-4 * time.Minute)}) {
		t.Fatalf("snapshot younger than TTL must be fresh")
	}
	if !policy.IsExpired(&Snapshot{TS: now.Add(-6 * time.Minute)}) {
		t.Fatalf("snapshot older than TTL must be expired")
	}
	if !policy.IsExpired(nil) {
		t.Fatalf("nil snapshot must be expired")
	}
}
