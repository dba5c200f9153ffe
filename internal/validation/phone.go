// Package validation содержит функции валидации входных данных.
package validation

import "strings"

// NormalizePhone убирает из номера все символы, кроме цифр.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, ch := range raw {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// IsValidPhone проверяет нормализованный номер телефона: допускаются
// 9 цифр (местный формат) или 12 цифр с префиксом 998.
func IsValidPhone(phone string) bool {
	switch len(phone) {
	case 9:
		return true
	case 12:
		return strings.HasPrefix(phone, "998")
	default:
		return false
	}
}
