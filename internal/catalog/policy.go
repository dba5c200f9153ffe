package catalog

import (
	"time"

	"github.com/nkomilov/storefront-system/internal/model"
)

// Snapshot — сохранённый снимок каталога с временной меткой.
type Snapshot struct {
	TS    time.Time       `json:"ts"`
	Items []model.Product `json:"items"`
}

// CachePolicy решает, истёк ли срок жизни снимка. Выделен в интерфейс,
// чтобы политику можно было подменять и тестировать отдельно.
type CachePolicy interface {
	IsExpired(s *Snapshot) bool
}

// TTLPolicy считает снимок истёкшим по фиксированному сроку жизни.
type TTLPolicy struct {
	TTL time.Duration
	Now func() time.Time
}

// NewTTLPolicy создаёт политику с указанным сроком жизни.
func NewTTLPolicy(ttl time.Duration) *TTLPolicy {
	return &TTLPolicy{TTL: ttl, Now: time.Now}
}

// IsExpired сообщает, старше ли снимок срока жизни.
func (p *TTLPolicy) IsExpired(s *Snapshot) bool {
	if s == nil || s.TS.IsZero() {
		return true
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().Sub(s.TS) >= p.TTL
}
