// Package middleware содержит HTTP middleware витрины.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const deviceIDKey contextKey = "deviceID"

const (
	deviceCookieName = "device_id"
	deviceCookieTTL  = 365 * 24 * time.Hour
)

// DeviceMiddleware присваивает каждому браузеру устойчивый идентификатор
// устройства через подписанный cookie. В отличие от авторизации, отсутствие
// cookie не является ошибкой: новому устройству выдаётся новый идентификатор.
type DeviceMiddleware struct {
	secretKey []byte
}

// NewDeviceMiddleware создаёт middleware с указанным секретным ключом подписи.
func NewDeviceMiddleware(secret string) *DeviceMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &DeviceMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie устройства, при необходимости выдаёт новый
// идентификатор и добавляет его в контекст запроса.
func (d *DeviceMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var deviceID string

		if cookie, err := r.Cookie(deviceCookieName); err == nil {
			deviceID, _ = d.parseCookie(cookie.Value)
		}

		if deviceID == "" {
			deviceID = uuid.NewString()
			d.setDeviceCookie(w, deviceID)
		}

		ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (d *DeviceMiddleware) setDeviceCookie(w http.ResponseWriter, deviceID string) {
	cookie := &http.Cookie{
		Name:     deviceCookieName,
		Value:    d.sign(deviceID),
		Path:     "/",
		Expires:  time.Now().Add(deviceCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (d *DeviceMiddleware) sign(deviceID string) string {
	mac := hmac.New(sha256.New, d.secretKey)
	mac.Write([]byte(deviceID))
	signature := mac.Sum(nil)
	return deviceID + "." + hex.EncodeToString(signature)
}

func (d *DeviceMiddleware) parseCookie(cookieValue string) (string, bool) {
	idx := strings.LastIndex(cookieValue, ".")
	if idx <= 0 {
		return "", false
	}

	deviceID := cookieValue[:idx]
	signature := cookieValue[idx+1:]

	expected := d.sign(deviceID)
	expectedSignature := expected[strings.LastIndex(expected, ".")+1:]

	if !hmac.Equal([]byte(signature), []byte(expectedSignature)) {
		return "", false
	}

	return deviceID, true
}

// GetDeviceIDFromContext извлекает идентификатор устройства из контекста запроса.
func GetDeviceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDKey).(string)
	return id, ok && id != ""
}
