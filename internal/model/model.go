// Package model содержит доменные сущности витрины магазина.
package model

import "time"

// Identity представляет текущего покупателя, восстановленного из локального хранилища.
type Identity struct {
	Key         string `json:"-"`
	ID          string `json:"id,omitempty"`
	UID         string `json:"uid,omitempty"`
	DisplayName string `json:"name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

// HasIdentifier сообщает, содержит ли запись хотя бы один идентифицирующий признак.
func (i *Identity) HasIdentifier() bool {
	if i == nil {
		return false
	}
	return i.ID != "" || i.UID != "" || i.Phone != "" || i.Email != ""
}

// ResolveKey возвращает каноничный ключ покупателя: первый непустой из id, uid, phone, email.
func (i *Identity) ResolveKey() string {
	if i == nil {
		return ""
	}
	for _, candidate := range []string{i.ID, i.UID, i.Phone, i.Email} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// CartLine описывает одну позицию корзины: товар, опциональный вариант и количество.
type CartLine struct {
	ProductID    string `json:"id"`
	Quantity     int    `json:"qty"`
	VariantName  string `json:"variantName,omitempty"`
	VariantPrice *int64 `json:"variantPrice,omitempty"`
}

// Variant описывает вариант товара с собственной ценой.
type Variant struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

// Product описывает товар каталога. Цены хранятся в сумах без дробной части.
type Product struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Price     int64     `json:"price"`
	OldPrice  *int64    `json:"oldPrice,omitempty"`
	Images    []string  `json:"images,omitempty"`
	Variants  []Variant `json:"variants,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Contact содержит контактные данные покупателя на момент оформления заказа.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Delivery описывает выбранный способ доставки.
type Delivery struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	Price int64  `json:"price"`
}

// Address описывает адрес доставки.
type Address struct {
	Region      string `json:"region"`
	District    string `json:"district"`
	HomeAddress string `json:"homeAddress"`
}

// Order описывает заказ покупателя. Позиции и сумма фиксируются при создании
// и после этого не изменяются; меняться могут только статус, причина отказа
// и updatedAt, и только через операции жизненного цикла.
type Order struct {
	ID           string      `json:"id"`
	IdentityKey  string      `json:"identityKey"`
	Contact      Contact     `json:"contact"`
	Lines        []CartLine  `json:"items"`
	Subtotal     int64       `json:"subtotal"`
	Total        int64       `json:"total"`
	Delivery     Delivery    `json:"delivery"`
	Address      Address     `json:"address"`
	Payment      string      `json:"payment"`
	ReceiptURL   string      `json:"receiptUrl,omitempty"`
	Status       OrderStatus `json:"status"`
	RejectReason string      `json:"rejectReason,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// ItemsCount возвращает суммарное количество товаров в заказе.
func (o *Order) ItemsCount() int {
	count := 0
	for _, line := range o.Lines {
		count += line.Quantity
	}
	return count
}

// EventKind описывает тип события уведомления.
type EventKind string

const (
	// EventOrderCreated отправляется после успешного сохранения нового заказа.
	EventOrderCreated EventKind = "created"
	// EventStatusChanged отправляется при переходе заказа в терминальный статус.
	EventStatusChanged EventKind = "status_changed"
)

// NotificationEvent — эфемерный сигнал для диспетчера уведомлений.
// Не сохраняется: производится жизненным циклом заказа и потребляется сразу.
type NotificationEvent struct {
	Kind           EventKind
	Order          *Order
	PreviousStatus OrderStatus
	NewStatus      OrderStatus
}
