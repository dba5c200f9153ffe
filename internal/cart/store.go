// Package cart реализует долговременную корзину, привязанную к покупателю.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nkomilov/storefront-system/internal/localstore"
	"github.com/nkomilov/storefront-system/internal/model"
)

// ErrNeedsIdentity возвращается всеми операциями, вызванными без
// восстановленной личности. Гостевой корзины нет: общий гостевой ключ
// мог бы протечь между покупателями одного устройства.
var ErrNeedsIdentity = errors.New("cart requires an authenticated identity")

// Storage описывает контракт хранилища, используемый корзиной.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store управляет корзиной одного покупателя. Каждая мутация сохраняется
// немедленно, без батчинга.
type Store struct {
	storage Storage
}

// NewStore создаёт корзину поверх указанного хранилища.
func NewStore(storage Storage) *Store {
	return &Store{storage: storage}
}

func cartKey(ident *model.Identity) (string, error) {
	if ident == nil || ident.Key == "" {
		return "", ErrNeedsIdentity
	}
	return "CART_" + ident.Key, nil
}

// Get возвращает сохранённые позиции корзины покупателя или пустой список.
func (s *Store) Get(ctx context.Context, ident *model.Identity) ([]model.CartLine, error) {
	key, err := cartKey(ident)
	if err != nil {
		return nil, err
	}

	raw, err := s.storage.Get(ctx, key)
	if err != nil {
		if errors.Is(err, localstore.ErrKeyNotFound) {
			return []model.CartLine{}, nil
		}
		return nil, fmt.Errorf("read cart: %w", err)
	}

	var lines []model.CartLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		// Повреждённая корзина читается как пустая.
		return []model.CartLine{}, nil
	}
	if lines == nil {
		lines = []model.CartLine{}
	}

	return lines, nil
}

// SetAll заменяет корзину целиком. Позиции нормализуются: строки без
// идентификатора товара отбрасываются, количество приводится к целому ≥ 1.
func (s *Store) SetAll(ctx context.Context, ident *model.Identity, lines []model.CartLine) ([]model.CartLine, error) {
	key, err := cartKey(ident)
	if err != nil {
		return nil, err
	}

	normalized := normalize(lines)

	if err := s.persist(ctx, key, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// Upsert находит позицию по паре (товар, вариант) и изменяет количество
// на delta. Итоговое количество не опускается ниже 1: уменьшение до нуля
// выполняется только явным Remove. Отсутствующая позиция добавляется
// с количеством max(1, delta).
func (s *Store) Upsert(ctx context.Context, ident *model.Identity, productID, variantName string, variantPrice *int64, delta int) ([]model.CartLine, error) {
	key, err := cartKey(ident)
	if err != nil {
		return nil, err
	}
	if productID == "" {
		return nil, fmt.Errorf("upsert cart line: empty product id")
	}

	lines, err := s.Get(ctx, ident)
	if err != nil {
		return nil, err
	}

	found := false
	for i := range lines {
		if lines[i].ProductID == productID && lines[i].VariantName == variantName {
			lines[i].Quantity += delta
			if lines[i].Quantity < 1 {
				lines[i].Quantity = 1
			}
			found = true
			break
		}
	}

	if !found {
		qty := delta
		if qty < 1 {
			qty = 1
		}
		lines = append(lines, model.CartLine{
			ProductID:    productID,
			Quantity:     qty,
			VariantName:  variantName,
			VariantPrice: variantPrice,
		})
	}

	if err := s.persist(ctx, key, lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// Remove удаляет позицию по паре (товар, вариант). Отсутствие позиции
// ошибкой не считается.
func (s *Store) Remove(ctx context.Context, ident *model.Identity, productID, variantName string) ([]model.CartLine, error) {
	key, err := cartKey(ident)
	if err != nil {
		return nil, err
	}

	lines, err := s.Get(ctx, ident)
	if err != nil {
		return nil, err
	}

	filtered := lines[:0]
	for _, line := range lines {
		if line.ProductID == productID && line.VariantName == variantName {
			continue
		}
		filtered = append(filtered, line)
	}

	if err := s.persist(ctx, key, filtered); err != nil {
		return nil, err
	}
	return filtered, nil
}

// Clear опустошает корзину. Вызывается после успешного создания заказа.
func (s *Store) Clear(ctx context.Context, ident *model.Identity) error {
	key, err := cartKey(ident)
	if err != nil {
		return err
	}

	if err := s.storage.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, key string, lines []model.CartLine) error {
	if lines == nil {
		lines = []model.CartLine{}
	}

	raw, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	if err := s.storage.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write cart: %w", err)
	}
	return nil
}

func normalize(lines []model.CartLine) []model.CartLine {
	normalized := make([]model.CartLine, 0, len(lines))
	seen := make(map[string]int)

	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		if line.Quantity < 1 {
			line.Quantity = 1
		}

		dedupeKey := line.ProductID + "\x00" + line.VariantName
		if idx, ok := seen[dedupeKey]; ok {
			normalized[idx].Quantity += line.Quantity
			continue
		}

		seen[dedupeKey] = len(normalized)
		normalized = append(normalized, line)
	}

	return normalized
}
