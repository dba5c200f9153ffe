package order

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nkomilov/storefront-system/internal/cart"
	"github.com/nkomilov/storefront-system/internal/catalog"
	"github.com/nkomilov/storefront-system/internal/model"
	"github.com/nkomilov/storefront-system/internal/repository"
)

type stubRepo struct {
	created   []*model.Order
	createErr error

	orders map[string]*model.Order

	transitions  int
	transitionFn func(id string, status model.OrderStatus, reason string) (model.OrderStatus, error)
}

func (s *stubRepo) CreateOrder(_ context.Context, o *model.Order) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, o)
	if s.orders == nil {
		s.orders = make(map[string]*model.Order)
	}
	s.orders[o.ID] = o
	return nil
}

func (s *stubRepo) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func (s *stubRepo) ListOrdersByIdentity(_ context.Context, identityKey string) ([]model.Order, error) {
	var res []model.Order
	for _, o := range s.orders {
		if o.IdentityKey == identityKey {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (s *stubRepo) ListOrdersByStatus(_ context.Context, status model.OrderStatus) ([]model.Order, error) {
	var res []model.Order
	for _, o := range s.orders {
		if o.Status == status {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (s *stubRepo) TransitionOrderStatus(_ context.Context, id string, status model.OrderStatus, reason string) (model.OrderStatus, error) {
	s.transitions++
	if s.transitionFn != nil {
		return s.transitionFn(id, status, reason)
	}

	o, ok := s.orders[id]
	if !ok {
		return "", repository.ErrOrderNotFound
	}
	previous := o.Status
	if previous.IsTerminal() {
		return "", repository.ErrStatusConflict
	}
	o.Status = status
	o.RejectReason = reason
	return previous, nil
}

type stubCarts struct {
	lines    []model.CartLine
	getErr   error
	cleared  int
	clearErr error
}

func (s *stubCarts) Get(_ context.Context, ident *model.Identity) ([]model.CartLine, error) {
	if ident == nil || ident.Key == "" {
		return nil, cart.ErrNeedsIdentity
	}
	return s.lines, s.getErr
}

func (s *stubCarts) Clear(_ context.Context, _ *model.Identity) error {
	s.cleared++
	return s.clearErr
}

type stubCatalog struct {
	products []model.Product
}

func (s *stubCatalog) Load(_ context.Context) catalog.Result {
	return catalog.Result{Products: s.products}
}

func newTestService(repo *stubRepo, carts *stubCarts, cat *stubCatalog) (*Service, chan model.NotificationEvent) {
	events := make(chan model.NotificationEvent, 10)
	svc := NewService(repo, carts, cat, events, zap.NewNop())
	return svc, events
}

func int64ptr(v int64) *int64 { return &v }

func validRequest() CreateRequest {
	return CreateRequest{
		Name:         "Test Buyer",
		Phone:        "998901234567",
		DeliveryType: "standard",
		Payment:      "cash",
		Address: model.Address{
			Region:      "Toshkent",
			District:    "Yunusobod",
			HomeAddress: "12-uy",
		},
	}
}

func TestCreate_RequiresIdentity(t *testing.T) {
	svc, _ := newTestService(&stubRepo{}, &stubCarts{}, &stubCatalog{})

	_, err := svc.Create(context.Background(), nil, validRequest())
	if !errors.Is(err, cart.ErrNeedsIdentity) {
		t.Fatalf("expected ErrNeedsIdentity, got %v", err)
	}
}

func TestCreate_EmptyCart(t *testing.T) {
	svc, _ := newTestService(&stubRepo{}, &stubCarts{}, &stubCatalog{})

	_, err := svc.Create(context.Background(), &model.Identity{Key: "u-1"}, validRequest())
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestCreate_InvalidPhone(t *testing.T) {
	carts := &stubCarts{lines: []model.CartLine{{ProductID: "p1", Quantity: 1}}}
	svc, _ := newTestService(&stubRepo{}, carts, &stubCatalog{products: []model.Product{{ID: "p1", Price: 1000}}})

	req := validRequest()
	req.Phone = "12345"

	_, err := svc.Create(context.Background(), &model.Identity{Key: "u-1"}, req)
	if !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if carts.cleared != 0 {
		t.Fatalf("cart must not be cleared on validation failure")
	}
}

func TestCreate_ReceiptRequiredForCardTransfer(t *testing.T) {
	carts := &stubCarts{lines: []model.CartLine{{ProductID: "p1", Quantity: 1}}}
	svc, _ := newTestService(&stubRepo{}, carts, &stubCatalog{products: []model.Product{{ID: "p1", Price: 1000}}})

	req := validRequest()
	req.Payment = PaymentCardTransfer

	_, err := svc.Create(context.Background(), &model.Identity{Key: "u-1"}, req)
	if !errors.Is(err, ErrReceiptRequired) {
		t.Fatalf("expected ErrReceiptRequired, got %v", err)
	}
}

func TestCreate_UnknownProduct(t *testing.T) {
	carts := &stubCarts{lines: []model.CartLine{{ProductID: "ghost", Quantity: 1}}}
	svc, _ := newTestService(&stubRepo{}, carts, &stubCatalog{})

	_, err := svc.Create(context.Background(), &model.Identity{Key: "u-1"}, validRequest())
	if !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
}

func TestCreate_SubtotalFrozenAtCreation(t *testing.T) {
	repo := &stubRepo{}
	carts := &stubCarts{lines: []model.CartLine{{ProductID: "p1", Quantity: 3}}}
	cat := &stubCatalog{products: []model.Product{{ID: "p1", Price: 10000}}}
	svc, _ := newTestService(repo, carts, cat)

	created, err := svc.Create(context.Background(), &model.Identity{Key: "u-1"}, validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Subtotal != 30000 {
		t.Fatalf("subtotal = %d, want 30000", created.Subtotal)
	}

	// Смена цены в каталоге не трогает уже созданный заказ.
	cat.products[0].Price = 99999

	got, err := svc.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Subtotal != 30000 {
		t.Fatalf("subtotal after price change = %d, want 30000", got.Subtotal)
	}
}

func TestCreate_Scenario(t *testing.T) {
	repo := &stubRepo{}
	carts := &stubCarts{lines: []model.CartLine{
		{ProductID: "p1", Quantity: 2, VariantName: "L", VariantPrice: int64ptr(50000)},
	}}
	svc, events := newTestService(repo, carts, &stubCatalog{})

	ident := &model.Identity{Key: "998901234567", Phone: "998901234567"}
	created, err := svc.Create(context.Background(), ident, validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if created.Subtotal != 100000 {
		t.Fatalf("subtotal = %d, want 100000", created.Subtotal)
	}
	if created.Status != model.OrderStatusSubmitted {
		t.Fatalf("status = %s, want submitted", created.Status)
	}
	if created.Delivery.Type != "standard" || created.Delivery.Price != 65000 {
		t.Fatalf("unexpected delivery: %+v", created.Delivery)
	}
	if carts.cleared != 1 {
		t.Fatalf("cart must be cleared exactly once, got %d", carts.cleared)
	}

	select {
	case ev := <-events:
		if ev.Kind != model.EventOrderCreated {
			t.Fatalf("event kind = %s, want created", ev.Kind)
		}
		if ev.Order.ID != created.ID {
			t.Fatalf("event order = %s, want %s", ev.Order.ID, created.ID)
		}
	default:
		t.Fatalf("expected a created event")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
}

func TestCreate_PersistFailureKeepsCart(t *testing.T) {
	repo := &stubRepo{createErr: errors.New("connection refused")}
	carts := &stubCarts{lines: []model.CartLine{{ProductID: "p1", Quantity: 1}}}
	svc, events := newTestService(repo, carts, &stubCatalog{products: []model.Product{{ID: "p1", Price: 1000}}})

	_, err := svc.Create(context.Background(), &model.Identity{Key: "u-1"}, validRequest())
	if err == nil {
		t.Fatalf("expected error")
	}
	if carts.cleared != 0 {
		t.Fatalf("cart must not be cleared when persistence fails")
	}

	select {
	case ev := <-events:
		t.Fatalf("no event must be emitted on failure, got %+v", ev)
	default:
	}
}

func TestApprove_IdempotentSingleNotification(t *testing.T) {
	repo := &stubRepo{orders: map[string]*model.Order{
		"o-1": {ID: "o-1", Status: model.OrderStatusSubmitted},
	}}
	svc, events := newTestService(repo, &stubCarts{}, &stubCatalog{})
	ctx := context.Background()

	first, err := svc.Approve(ctx, "o-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if first.Status != model.OrderStatusApproved {
		t.Fatalf("status = %s, want approved", first.Status)
	}

	_, err = svc.Approve(ctx, "o-1")
	if !errors.Is(err, repository.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	count := 0
	for {
		select {
		case ev := <-events:
			count++
			if ev.Kind != model.EventStatusChanged || ev.NewStatus != model.OrderStatusApproved {
				t.Fatalf("unexpected event: %+v", ev)
			}
		default:
			if count != 1 {
				t.Fatalf("expected exactly one status event, got %d", count)
			}
			return
		}
	}
}

func TestReject_EmptyReason(t *testing.T) {
	repo := &stubRepo{orders: map[string]*model.Order{
		"o-1": {ID: "o-1", Status: model.OrderStatusSubmitted},
	}}
	svc, events := newTestService(repo, &stubCarts{}, &stubCatalog{})
	ctx := context.Background()

	for _, reason := range []string{"", "   "} {
		if _, err := svc.Reject(ctx, "o-1", reason); !errors.Is(err, ErrEmptyRejectReason) {
			t.Fatalf("reason %q: expected ErrEmptyRejectReason, got %v", reason, err)
		}
	}

	if repo.transitions != 0 {
		t.Fatalf("repository must not be touched for invalid reason")
	}
	got, _ := svc.GetByID(ctx, "o-1")
	if got.Status != model.OrderStatusSubmitted {
		t.Fatalf("status must stay submitted, got %s", got.Status)
	}

	select {
	case ev := <-events:
		t.Fatalf("no event expected, got %+v", ev)
	default:
	}
}

func TestReject_Scenario(t *testing.T) {
	repo := &stubRepo{orders: map[string]*model.Order{
		"o-1": {ID: "o-1", Status: model.OrderStatusSubmitted},
	}}
	svc, events := newTestService(repo, &stubCarts{}, &stubCatalog{})

	got, err := svc.Reject(context.Background(), "o-1", "receipt blurry")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != model.OrderStatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if got.RejectReason != "receipt blurry" {
		t.Fatalf("reason = %q, want %q", got.RejectReason, "receipt blurry")
	}

	ev := <-events
	if ev.Kind != model.EventStatusChanged || ev.NewStatus != model.OrderStatusRejected {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.PreviousStatus != model.OrderStatusSubmitted {
		t.Fatalf("previous status = %s, want submitted", ev.PreviousStatus)
	}

	select {
	case extra := <-events:
		t.Fatalf("expected exactly one event, got extra %+v", extra)
	default:
	}
}

func TestTransition_OrderNotFound(t *testing.T) {
	svc, _ := newTestService(&stubRepo{}, &stubCarts{}, &stubCatalog{})

	_, err := svc.Approve(context.Background(), "missing")
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
