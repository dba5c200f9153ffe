// Package order реализует жизненный цикл заказа: создание из снимка корзины
// и переходы статуса, выполняемые администратором.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nkomilov/storefront-system/internal/catalog"
	"github.com/nkomilov/storefront-system/internal/model"
	"github.com/nkomilov/storefront-system/internal/validation"
)

// ErrEmptyCart возвращается при попытке оформить заказ с пустой корзиной.
var (
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidPhone возвращается при отсутствующем или некорректном номере телефона.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrEmptyRejectReason возвращается при отказе без причины.
	ErrEmptyRejectReason = errors.New("reject reason must not be empty")
	// ErrUnknownDelivery возвращается для неизвестного способа доставки.
	ErrUnknownDelivery = errors.New("unknown delivery type")
	// ErrUnknownProduct возвращается, когда позиция корзины ссылается на товар,
	// отсутствующий в каталоге, и не несёт собственной цены варианта.
	ErrUnknownProduct = errors.New("product not found in catalog")
	// ErrReceiptRequired возвращается, когда выбранный способ оплаты требует
	// чек, а ссылка на чек не передана.
	ErrReceiptRequired = errors.New("receipt is required for this payment method")
)

// DeliveryOptions — доступные способы доставки с фиксированной ценой в сумах.
var DeliveryOptions = map[string]model.Delivery{
	"standard": {Type: "standard", Label: "Standart (14-18 kun)", Price: 65000},
	"fast":     {Type: "fast", Label: "Tezkor (7-10 kun)", Price: 117000},
}

// PaymentCardTransfer — способ оплаты переводом на карту; требует чек.
const PaymentCardTransfer = "card_transfer"

// Repository описывает контракт хранилища заказов, используемый сервисом.
type Repository interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrdersByIdentity(ctx context.Context, identityKey string) ([]model.Order, error)
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	TransitionOrderStatus(ctx context.Context, id string, status model.OrderStatus, rejectReason string) (model.OrderStatus, error)
}

// CartStore описывает операции корзины, нужные жизненному циклу заказа.
type CartStore interface {
	Get(ctx context.Context, ident *model.Identity) ([]model.CartLine, error)
	Clear(ctx context.Context, ident *model.Identity) error
}

// Catalog описывает источник актуальных цен каталога.
type Catalog interface {
	Load(ctx context.Context) catalog.Result
}

// Service реализует жизненный цикл заказа.
type Service struct {
	repo    Repository
	carts   CartStore
	catalog Catalog
	events  chan<- model.NotificationEvent
	logger  *zap.Logger
}

// NewService создаёт сервис жизненного цикла. События уведомлений пишутся
// в events после успешного сохранения; канал должен потребляться диспетчером.
func NewService(repo Repository, carts CartStore, cat Catalog, events chan<- model.NotificationEvent, logger *zap.Logger) *Service {
	return &Service{
		repo:    repo,
		carts:   carts,
		catalog: cat,
		events:  events,
		logger:  logger,
	}
}

// CreateRequest содержит данные оформления заказа.
type CreateRequest struct {
	Name         string
	Phone        string
	DeliveryType string
	Payment      string
	ReceiptURL   string
	Address      model.Address
}

// Create оформляет заказ из текущей корзины покупателя. Сумма вычисляется
// по ценам кэшированного каталога на момент вызова и после этого не
// пересчитывается: изменение цены товара не меняет прошлые заказы.
// Корзина очищается только после успешного сохранения. После сохранения
// отправляется событие о создании.
func (s *Service) Create(ctx context.Context, ident *model.Identity, req CreateRequest) (*model.Order, error) {
	lines, err := s.carts.Get(ctx, ident)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	phone := validation.NormalizePhone(req.Phone)
	if !validation.IsValidPhone(phone) {
		return nil, ErrInvalidPhone
	}

	delivery, ok := DeliveryOptions[req.DeliveryType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDelivery, req.DeliveryType)
	}

	if req.Payment == PaymentCardTransfer && req.ReceiptURL == "" {
		return nil, ErrReceiptRequired
	}

	subtotal, err := s.subtotal(ctx, lines)
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:          "o-" + uuid.NewString(),
		IdentityKey: ident.Key,
		Contact: model.Contact{
			Name:  req.Name,
			Phone: phone,
		},
		Lines:      lines,
		Subtotal:   subtotal,
		Total:      subtotal,
		Delivery:   delivery,
		Address:    req.Address,
		Payment:    req.Payment,
		ReceiptURL: req.ReceiptURL,
		Status:     model.OrderStatusSubmitted,
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		// Корзина не очищается: покупатель сможет повторить оформление.
		return nil, fmt.Errorf("create order: %w", err)
	}

	if err := s.carts.Clear(ctx, ident); err != nil {
		s.logger.Warn("clear cart after order", zap.String("order", order.ID), zap.Error(err))
	}

	s.emit(model.NotificationEvent{
		Kind:      model.EventOrderCreated,
		Order:     order,
		NewStatus: order.Status,
	})

	return order, nil
}

// subtotal считает сумму корзины: количество умножается на цену варианта,
// а при её отсутствии — на актуальную кэшированную цену товара.
func (s *Service) subtotal(ctx context.Context, lines []model.CartLine) (int64, error) {
	result := s.catalog.Load(ctx)

	prices := make(map[string]int64, len(result.Products))
	for _, p := range result.Products {
		prices[p.ID] = p.Price
	}

	var sum int64
	for _, line := range lines {
		qty := int64(line.Quantity)

		if line.VariantPrice != nil {
			sum += qty * *line.VariantPrice
			continue
		}

		price, ok := prices[line.ProductID]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownProduct, line.ProductID)
		}
		sum += qty * price
	}

	return sum, nil
}

// Approve переводит заказ в статус approved. Повторный вызов на уже
// терминальном заказе возвращает ошибку конфликта и не порождает
// повторного уведомления.
func (s *Service) Approve(ctx context.Context, orderID string) (*model.Order, error) {
	return s.transition(ctx, orderID, model.OrderStatusApproved, "")
}

// Reject переводит заказ в статус rejected с обязательной причиной.
// Пустая или пробельная причина отклоняется без изменения статуса.
func (s *Service) Reject(ctx context.Context, orderID, reason string) (*model.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrEmptyRejectReason
	}
	return s.transition(ctx, orderID, model.OrderStatusRejected, reason)
}

func (s *Service) transition(ctx context.Context, orderID string, status model.OrderStatus, reason string) (*model.Order, error) {
	previous, err := s.repo.TransitionOrderStatus(ctx, orderID, status, reason)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	s.emit(model.NotificationEvent{
		Kind:           model.EventStatusChanged,
		Order:          order,
		PreviousStatus: previous,
		NewStatus:      status,
	})

	return order, nil
}

func (s *Service) emit(event model.NotificationEvent) {
	if s.events == nil {
		return
	}

	select {
	case s.events <- event:
	default:
		// Переполненный канал не должен блокировать оформление заказа.
		s.logger.Error("notification channel is full, event dropped",
			zap.String("order", event.Order.ID), zap.String("kind", string(event.Kind)))
	}
}

// GetByID возвращает заказ по идентификатору.
func (s *Service) GetByID(ctx context.Context, orderID string) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListByIdentity возвращает заказы покупателя, новые первыми.
func (s *Service) ListByIdentity(ctx context.Context, identityKey string) ([]model.Order, error) {
	return s.repo.ListOrdersByIdentity(ctx, identityKey)
}

// ListByStatus возвращает заказы в указанном статусе для консоли администратора.
func (s *Service) ListByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	return s.repo.ListOrdersByStatus(ctx, status)
}
