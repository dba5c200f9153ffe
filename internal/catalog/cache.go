// Package catalog реализует ограниченный по времени кэш каталога товаров
// с цепочкой деградации источников. Витрина при любом единичном сбое сети
// должна показывать устаревший каталог, а не пустую страницу.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nkomilov/storefront-system/internal/localstore"
	"github.com/nkomilov/storefront-system/internal/model"
)

//go:embed products.json
var staticCatalog []byte

const (
	snapshotKey       = "productsCache"
	sellerProductsKey = "sellerProducts"
	adminProductsKey  = "adminProducts"

	// loadErrMessage показывается, когда исчерпаны все источники.
	loadErrMessage = "Mahsulotlarni yuklashda xatolik yuz berdi. Keyinroq qayta urinib ko'ring."
)

// Source описывает контракт удалённого каталога, используемый кэшем.
type Source interface {
	ListProductsOrdered(ctx context.Context) ([]model.Product, error)
	ListProductsUnordered(ctx context.Context) ([]model.Product, error)
}

// Result — итог загрузки каталога. Err заполняется только когда исчерпаны
// все источники; кэш никогда не возвращает ошибку как error.
type Result struct {
	Products []model.Product
	Err      string
}

// Cache — процессный кэш каталога. Подмена снимка атомарна: читатели видят
// старый снимок, пока новый не собран целиком.
type Cache struct {
	source       Source
	storage      localstore.Store
	policy       CachePolicy
	logger       *zap.Logger
	fetchTimeout time.Duration

	mu       sync.RWMutex
	snapshot *Snapshot
	static   []model.Product
}

// NewCache создаёт кэш каталога. storage хранит снимок между перезапусками
// и локальные источники товаров; policy решает, когда снимок устарел.
// Статический каталог берётся из комплектного файла.
func NewCache(source Source, storage localstore.Store, policy CachePolicy, logger *zap.Logger) *Cache {
	c := &Cache{
		source:       source,
		storage:      storage,
		policy:       policy,
		logger:       logger,
		fetchTimeout: 5 * time.Second,
	}

	if err := json.Unmarshal(staticCatalog, &c.static); err != nil {
		logger.Error("static catalog is malformed", zap.Error(err))
	}

	return c
}

// SetStaticCatalog заменяет статический комплектный каталог. nil отключает
// этот источник: поставка без комплектного файла.
func (c *Cache) SetStaticCatalog(products []model.Product) {
	c.static = products
}

// Load возвращает каталог. Свежий снимок отдаётся без обращения к сети.
// Иначе источники пробуются по порядку: упорядоченный удалённый запрос,
// неупорядоченный, статический комплектный каталог; к результату
// добавляются локальные товары продавца и администратора с дедупликацией
// по идентификатору (первый источник выигрывает). При полном отказе
// возвращается устаревший снимок, а без него — пустой список с текстом
// ошибки. Load никогда не возвращает error.
func (c *Cache) Load(ctx context.Context) Result {
	if snap := c.currentSnapshot(ctx); snap != nil && !c.policy.IsExpired(snap) {
		return Result{Products: snap.Items}
	}

	products, ok := c.fetchRemote(ctx)
	if !ok {
		products = c.static
	}

	if len(products) > 0 {
		merged := c.mergeLocalSources(ctx, products)
		c.replaceSnapshot(ctx, merged)
		return Result{Products: merged}
	}

	// Все источники исчерпаны: устаревший снимок лучше пустой витрины.
	if snap := c.currentSnapshot(ctx); snap != nil && len(snap.Items) > 0 {
		return Result{Products: snap.Items}
	}

	return Result{Products: []model.Product{}, Err: loadErrMessage}
}

// Invalidate сбрасывает снимок; следующий Load пойдёт по цепочке источников.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.snapshot = nil
	c.mu.Unlock()
	_ = c.storage.Delete(ctx, snapshotKey)
}

func (c *Cache) fetchRemote(ctx context.Context) ([]model.Product, bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	products, err := c.source.ListProductsOrdered(fetchCtx)
	if err == nil && len(products) > 0 {
		return products, true
	}
	if err != nil {
		c.logger.Warn("ordered catalog query failed, falling back", zap.Error(err))
	}

	fetchCtx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	products, err = c.source.ListProductsUnordered(fetchCtx)
	if err != nil {
		c.logger.Warn("unordered catalog query failed", zap.Error(err))
		return nil, false
	}
	if len(products) == 0 {
		return nil, false
	}
	return products, true
}

// mergeLocalSources добавляет локально заведённые товары продавца и
// администратора. Дедупликация по id: более ранний источник выигрывает.
func (c *Cache) mergeLocalSources(ctx context.Context, products []model.Product) []model.Product {
	merged := make([]model.Product, 0, len(products))
	seen := make(map[string]bool, len(products))

	appendUnique := func(items []model.Product) {
		for _, p := range items {
			if p.ID == "" || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			merged = append(merged, p)
		}
	}

	appendUnique(products)
	appendUnique(c.readLocalProducts(ctx, sellerProductsKey))
	appendUnique(c.readLocalProducts(ctx, adminProductsKey))

	return merged
}

func (c *Cache) readLocalProducts(ctx context.Context, key string) []model.Product {
	raw, err := c.storage.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, localstore.ErrKeyNotFound) {
			c.logger.Warn("read local products failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}

	var products []model.Product
	if err := json.Unmarshal(raw, &products); err != nil {
		c.logger.Warn("local products are malformed", zap.String("key", key), zap.Error(err))
		return nil
	}
	return products
}

func (c *Cache) currentSnapshot(ctx context.Context) *Snapshot {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()
	if snap != nil {
		return snap
	}

	// Снимок мог пережить перезапуск процесса.
	raw, err := c.storage.Get(ctx, snapshotKey)
	if err != nil {
		return nil
	}

	var persisted Snapshot
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return nil
	}

	c.mu.Lock()
	if c.snapshot == nil {
		c.snapshot = &persisted
	}
	snap = c.snapshot
	c.mu.Unlock()

	return snap
}

func (c *Cache) replaceSnapshot(ctx context.Context, products []model.Product) {
	snap := &Snapshot{TS: time.Now(), Items: products}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("marshal catalog snapshot", zap.Error(err))
		return
	}
	if err := c.storage.Set(ctx, snapshotKey, raw); err != nil {
		c.logger.Warn("persist catalog snapshot", zap.Error(err))
	}
}
