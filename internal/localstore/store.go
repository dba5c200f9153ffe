// Package localstore реализует долговременное клиентское key-value хранилище.
// Оно заменяет браузерное локальное хранилище: записи о покупателе, корзины
// и снимок каталога живут здесь, а не в удалённой базе.
package localstore

import (
	"context"
	"errors"
)

// ErrKeyNotFound возвращается, если ключ отсутствует в хранилище.
var ErrKeyNotFound = errors.New("key not found")

// Store описывает контракт клиентского хранилища.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Namespace оборачивает хранилище, добавляя ко всем ключам префикс устройства.
// Ключи разных устройств не пересекаются.
type Namespace struct {
	store  Store
	prefix string
}

// NewNamespace создаёт обёртку над store с указанным идентификатором устройства.
func NewNamespace(store Store, deviceID string) *Namespace {
	return &Namespace{
		store:  store,
		prefix: "dev:" + deviceID + ":",
	}
}

// Get возвращает значение ключа внутри пространства устройства.
func (n *Namespace) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(ctx, n.prefix+key)
}

// Set сохраняет значение ключа внутри пространства устройства.
func (n *Namespace) Set(ctx context.Context, key string, value []byte) error {
	return n.store.Set(ctx, n.prefix+key, value)
}

// Delete удаляет ключ внутри пространства устройства.
func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.prefix+key)
}
