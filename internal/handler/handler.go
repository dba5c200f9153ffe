// Package handler содержит HTTP-обработчики API витрины.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nkomilov/storefront-system/internal/catalog"
	"github.com/nkomilov/storefront-system/internal/identity"
	"github.com/nkomilov/storefront-system/internal/localstore"
	"github.com/nkomilov/storefront-system/internal/middleware"
	"github.com/nkomilov/storefront-system/internal/model"
	"github.com/nkomilov/storefront-system/internal/order"
	"github.com/nkomilov/storefront-system/internal/repository"
)

// OrderService определяет контракт жизненного цикла заказа, используемый обработчиками.
type OrderService interface {
	Create(ctx context.Context, ident *model.Identity, req order.CreateRequest) (*model.Order, error)
	ListByIdentity(ctx context.Context, identityKey string) ([]model.Order, error)
	ListByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	Approve(ctx context.Context, orderID string) (*model.Order, error)
	Reject(ctx context.Context, orderID, reason string) (*model.Order, error)
}

// CartService определяет операции корзины, используемые обработчиками.
type CartService interface {
	Get(ctx context.Context, ident *model.Identity) ([]model.CartLine, error)
	SetAll(ctx context.Context, ident *model.Identity, lines []model.CartLine) ([]model.CartLine, error)
	Upsert(ctx context.Context, ident *model.Identity, productID, variantName string, variantPrice *int64, delta int) ([]model.CartLine, error)
	Remove(ctx context.Context, ident *model.Identity, productID, variantName string) ([]model.CartLine, error)
}

// CatalogService определяет источник каталога, используемый обработчиками.
type CatalogService interface {
	Load(ctx context.Context) catalog.Result
}

// Uploader определяет загрузку изображений чеков.
type Uploader interface {
	Upload(ctx context.Context, image []byte) (string, error)
}

// Handler реализует HTTP-обработчики API витрины.
type Handler struct {
	orders   OrderService
	carts    CartService
	catalog  CatalogService
	uploader Uploader
	storage  localstore.Store
	logger   *zap.Logger
	device   *middleware.DeviceMiddleware
	admin    *middleware.AdminMiddleware
	validate *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(orders OrderService, carts CartService, cat CatalogService, uploader Uploader,
	storage localstore.Store, logger *zap.Logger,
	device *middleware.DeviceMiddleware, admin *middleware.AdminMiddleware) *Handler {
	return &Handler{
		orders:   orders,
		carts:    carts,
		catalog:  cat,
		uploader: uploader,
		storage:  storage,
		logger:   logger,
		device:   device,
		admin:    admin,
		validate: validator.New(),
	}
}

// resolver возвращает резолвер личности поверх пространства ключей
// устройства, выполняющего запрос.
func (h *Handler) resolver(r *http.Request) *identity.Resolver {
	deviceID, _ := middleware.GetDeviceIDFromContext(r.Context())
	return identity.NewResolver(localstore.NewNamespace(h.storage, deviceID))
}

func (h *Handler) currentIdentity(r *http.Request) *model.Identity {
	return h.resolver(r).Resolve(r.Context())
}

type loginRequest struct {
	ID          string `json:"id"`
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
}

// Login сохраняет запись о текущем покупателе для устройства.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ident := &model.Identity{
		ID:          req.ID,
		UID:         req.UID,
		DisplayName: req.DisplayName,
		Phone:       req.Phone,
		Email:       req.Email,
	}
	ident.Key = ident.ResolveKey()

	if err := h.resolver(r).SaveCurrent(r.Context(), ident); err != nil {
		if !ident.HasIdentifier() {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("save identity error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ident)
}

// Logout удаляет запись о покупателе на устройстве. Корзина остаётся:
// она привязана к покупателю, а не к сессии устройства.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.resolver(r).ClearCurrent(r.Context()); err != nil {
		h.logger.Error("clear identity error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type productsResponse struct {
	Products []model.Product `json:"products"`
	Error    string          `json:"error,omitempty"`
}

// GetProducts возвращает каталог. Сбой удалённого источника не приводит
// к ошибке HTTP: кэш отдаёт лучший доступный список.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	result := h.catalog.Load(r.Context())
	writeJSON(w, http.StatusOK, productsResponse{Products: result.Products, Error: result.Err})
}

// GetCart возвращает корзину текущего покупателя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	lines, err := h.carts.Get(r.Context(), h.currentIdentity(r))
	if err != nil {
		h.writeCartError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lines)
}

type cartItemRequest struct {
	ProductID    string `json:"id"`
	Quantity     int    `json:"qty"`
	VariantName  string `json:"variantName"`
	VariantPrice *int64 `json:"variantPrice"`
	Delta        int    `json:"delta"`
}

// AddCartItem добавляет позицию в корзину или увеличивает её количество.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.ProductID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	delta := req.Quantity
	if delta < 1 {
		delta = 1
	}

	lines, err := h.carts.Upsert(r.Context(), h.currentIdentity(r), req.ProductID, req.VariantName, req.VariantPrice, delta)
	if err != nil {
		h.writeCartError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lines)
}

// UpdateCartItem изменяет количество позиции на delta. Количество не
// опускается ниже единицы; удаление выполняется отдельной операцией.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.ProductID == "" || req.Delta == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lines, err := h.carts.Upsert(r.Context(), h.currentIdentity(r), req.ProductID, req.VariantName, req.VariantPrice, req.Delta)
	if err != nil {
		h.writeCartError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lines)
}

// RemoveCartItem удаляет позицию из корзины.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.ProductID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	lines, err := h.carts.Remove(r.Context(), h.currentIdentity(r), req.ProductID, req.VariantName)
	if err != nil {
		h.writeCartError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lines)
}

type checkoutRequest struct {
	Name         string `json:"name" validate:"required"`
	Phone        string `json:"phone" validate:"required"`
	DeliveryType string `json:"deliveryType" validate:"required,oneof=standard fast"`
	Payment      string `json:"payment" validate:"required,oneof=cash card_transfer"`
	ReceiptURL   string `json:"receiptUrl"`
	Region       string `json:"region"`
	District     string `json:"district"`
	HomeAddress  string `json:"homeAddress"`
}

// CreateOrder оформляет заказ из текущей корзины. Запрос принимается как
// JSON либо как multipart-форма с необязательным файлом чека receipt,
// который загружается на внешний хостинг до создания заказа.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCheckout(w, r)
	if !ok {
		return
	}

	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := h.orders.Create(r.Context(), h.currentIdentity(r), order.CreateRequest{
		Name:         req.Name,
		Phone:        req.Phone,
		DeliveryType: req.DeliveryType,
		Payment:      req.Payment,
		ReceiptURL:   req.ReceiptURL,
		Address: model.Address{
			Region:      req.Region,
			District:    req.District,
			HomeAddress: req.HomeAddress,
		},
	})
	if err != nil {
		switch {
		case isNeedsIdentity(err):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, order.ErrEmptyCart),
			errors.Is(err, order.ErrInvalidPhone),
			errors.Is(err, order.ErrUnknownDelivery),
			errors.Is(err, order.ErrUnknownProduct),
			errors.Is(err, order.ErrReceiptRequired):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("create order error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// decodeCheckout разбирает запрос оформления. Для multipart-формы файл
// receipt загружается на хостинг изображений; ссылка попадает в заказ.
func (h *Handler) decodeCheckout(w http.ResponseWriter, r *http.Request) (checkoutRequest, bool) {
	var req checkoutRequest

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return req, false
		}
		return req, true
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return req, false
	}

	req = checkoutRequest{
		Name:         r.FormValue("name"),
		Phone:        r.FormValue("phone"),
		DeliveryType: r.FormValue("deliveryType"),
		Payment:      r.FormValue("payment"),
		ReceiptURL:   r.FormValue("receiptUrl"),
		Region:       r.FormValue("region"),
		District:     r.FormValue("district"),
		HomeAddress:  r.FormValue("homeAddress"),
	}

	file, _, err := r.FormFile("receipt")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return req, true
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return req, false
	}
	defer file.Close()

	image, err := io.ReadAll(io.LimitReader(file, 10<<20))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return req, false
	}

	link, err := h.uploader.Upload(r.Context(), image)
	if err != nil {
		h.logger.Error("upload receipt error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return req, false
	}
	req.ReceiptURL = link

	return req, true
}

type orderResponse struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Items        []model.CartLine `json:"items"`
	Subtotal     int64            `json:"subtotal"`
	Total        int64            `json:"total"`
	Payment      string           `json:"payment"`
	ReceiptURL   string           `json:"receiptUrl,omitempty"`
	RejectReason string           `json:"rejectReason,omitempty"`
	Contact      model.Contact    `json:"contact"`
	Delivery     model.Delivery   `json:"delivery"`
	Address      model.Address    `json:"address"`
	CreatedAt    string           `json:"createdAt"`
}

func toOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:           o.ID,
		Status:       string(o.Status),
		Items:        o.Lines,
		Subtotal:     o.Subtotal,
		Total:        o.Total,
		Payment:      o.Payment,
		ReceiptURL:   o.ReceiptURL,
		RejectReason: o.RejectReason,
		Contact:      o.Contact,
		Delivery:     o.Delivery,
		Address:      o.Address,
		CreatedAt:    o.CreatedAt.Format(time.RFC3339),
	}
}

// GetOrders возвращает заказы текущего покупателя, новые первыми.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	ident := h.currentIdentity(r)
	if ident == nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.orders.ListByIdentity(r.Context(), ident.Key)
	if err != nil {
		h.logger.Error("list orders error", zap.Error(err), zap.String("identity", ident.Key))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AdminListOrders возвращает заказы в указанном статусе. Без параметра
// status показываются заказы, ожидающие решения.
func (h *Handler) AdminListOrders(w http.ResponseWriter, r *http.Request) {
	status := model.NormalizeStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.OrderStatusSubmitted
	}

	orders, err := h.orders.ListByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("admin list orders error", zap.Error(err), zap.String("status", string(status)))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ApproveOrder подтверждает заказ.
func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	h.transitionOrder(w, r, func(ctx context.Context, orderID string) (*model.Order, error) {
		return h.orders.Approve(ctx, orderID)
	})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectOrder отклоняет заказ с обязательной причиной.
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.transitionOrder(w, r, func(ctx context.Context, orderID string) (*model.Order, error) {
		return h.orders.Reject(ctx, orderID, req.Reason)
	})
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, orderID string) (*model.Order, error)) {
	orderID := orderIDFromRequest(r)
	if orderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	updated, err := fn(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrEmptyRejectReason):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrStatusConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("transition order error", zap.Error(err), zap.String("order", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(*updated))
}

func (h *Handler) writeCartError(w http.ResponseWriter, err error) {
	if isNeedsIdentity(err) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	h.logger.Error("cart operation error", zap.Error(err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
