package model

// OrderStatus описывает статус проверки заказа.
type OrderStatus string

const (
	// OrderStatusSubmitted — заказ отправлен и ожидает решения администратора.
	OrderStatusSubmitted OrderStatus = "submitted"
	// OrderStatusApproved — заказ принят. Терминальный статус.
	OrderStatusApproved OrderStatus = "approved"
	// OrderStatusRejected — заказ отклонён. Терминальный статус.
	OrderStatusRejected OrderStatus = "rejected"
)

// IsTerminal сообщает, является ли статус терминальным: из него нет переходов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusApproved || s == OrderStatusRejected
}

// NormalizeStatus приводит все исторически встречавшиеся написания статуса
// к каноничным значениям. Применяется на границе чтения: старые документы
// могут содержать любое из этих написаний.
func NormalizeStatus(raw string) OrderStatus {
	switch raw {
	case "pending", "pending_verification", "submitted":
		return OrderStatusSubmitted
	case "approved", "accepted", "confirmed":
		return OrderStatusApproved
	case "rejected":
		return OrderStatusRejected
	default:
		return OrderStatus(raw)
	}
}
