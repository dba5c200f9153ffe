package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

// AdminMiddleware защищает консоль администратора статическим bearer-токеном.
type AdminMiddleware struct {
	token string
}

// NewAdminMiddleware создаёт middleware с указанным токеном. Пустой токен
// полностью закрывает административные маршруты.
func NewAdminMiddleware(token string) *AdminMiddleware {
	return &AdminMiddleware{token: token}
}

// Middleware проверяет заголовок Authorization: Bearer <token>.
func (a *AdminMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || !hmac.Equal([]byte(token), []byte(a.token)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
