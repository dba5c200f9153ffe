package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nkomilov/storefront-system/internal/cart"
	custommiddleware "github.com/nkomilov/storefront-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware витрины.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(h.device.Middleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/session/login", h.Login)
		r.Post("/session/logout", h.Logout)

		r.Get("/products", h.GetProducts)

		r.Get("/cart", h.GetCart)
		r.Post("/cart/items", h.AddCartItem)
		r.Patch("/cart/items", h.UpdateCartItem)
		r.Delete("/cart/items", h.RemoveCartItem)

		r.Post("/orders", h.CreateOrder)
		r.Get("/orders", h.GetOrders)

		r.Route("/admin/orders", func(r chi.Router) {
			r.Use(h.admin.Middleware)

			r.Get("/", h.AdminListOrders)
			r.Post("/{orderID}/approve", h.ApproveOrder)
			r.Post("/{orderID}/reject", h.RejectOrder)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func orderIDFromRequest(r *http.Request) string {
	return chi.URLParam(r, "orderID")
}

func isNeedsIdentity(err error) bool {
	return errors.Is(err, cart.ErrNeedsIdentity)
}
