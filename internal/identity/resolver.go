// Package identity восстанавливает личность текущего покупателя из
// локального хранилища, пережившего несколько поколений схемы.
package identity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nkomilov/storefront-system/internal/model"
)

// CanonicalKey — каноничный ключ записи о текущем покупателе.
// Новый код пишет только под него.
const CanonicalKey = "currentUser"

// legacyKeys — все ключи, под которыми старые версии сохраняли запись
// о покупателе. Порядок сканирования фиксирован: первый валидный выигрывает.
var legacyKeys = []string{
	CanonicalKey,
	"CURRENT_USER",
	"user",
	"USER",
	"authUser",
	"AUTH_USER",
}

// Storage описывает контракт хранилища, используемый резолвером.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Resolver восстанавливает личность покупателя по списку легаси-ключей.
type Resolver struct {
	storage Storage
}

// NewResolver создаёт резолвер поверх указанного хранилища.
func NewResolver(storage Storage) *Resolver {
	return &Resolver{storage: storage}
}

// Resolve сканирует легаси-ключи по порядку и возвращает первую запись
// хотя бы с одним идентифицирующим признаком. Повреждённый JSON и записи
// без признаков пропускаются без ошибки. Если запись найдена не под
// каноничным ключом, она переписывается под него; легаси-копия остаётся,
// чтобы не сломать старые пути чтения. Если ничего не найдено,
// возвращается nil: вызывающие трактуют nil как гостя.
func (r *Resolver) Resolve(ctx context.Context) *model.Identity {
	for _, key := range legacyKeys {
		raw, err := r.storage.Get(ctx, key)
		if err != nil {
			continue
		}

		var ident model.Identity
		if err := json.Unmarshal(raw, &ident); err != nil {
			continue
		}
		if !ident.HasIdentifier() {
			continue
		}

		ident.Key = ident.ResolveKey()

		if key != CanonicalKey {
			// Самовосстанавливающаяся миграция: повторная запись под
			// каноничным ключом, без удаления легаси-копии.
			_ = r.storage.Set(ctx, CanonicalKey, raw)
		}

		return &ident
	}

	return nil
}

// SaveCurrent сохраняет запись покупателя под каноничным ключом.
// Вызывается при входе и регистрации.
func (r *Resolver) SaveCurrent(ctx context.Context, ident *model.Identity) error {
	if !ident.HasIdentifier() {
		return fmt.Errorf("identity has no identifier")
	}

	raw, err := json.Marshal(ident)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	if err := r.storage.Set(ctx, CanonicalKey, raw); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}

	return nil
}

// ClearCurrent удаляет запись покупателя под всеми известными ключами.
// Корзину, на которую указывала личность, не трогает.
func (r *Resolver) ClearCurrent(ctx context.Context) error {
	for _, key := range legacyKeys {
		if err := r.storage.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete identity key %s: %w", key, err)
		}
	}
	return nil
}
