// Package validation содержит функции валидации входных данных.
package validation

// Префиксы идентификаторов платёжного провайдера.
const (
	orderIDPrefix   = "order_"
	paymentIDPrefix = "pay_"
)

const maxExternalIDLen = 64

// IsValidExternalOrderID проверяет форму внешнего идентификатора заказа провайдера.
func IsValidExternalOrderID(id string) bool {
	return hasValidShape(id, orderIDPrefix)
}

// IsValidExternalPaymentID проверяет форму внешнего идентификатора платежа провайдера.
func IsValidExternalPaymentID(id string) bool {
	return hasValidShape(id, paymentIDPrefix)
}

func hasValidShape(id, prefix string) bool {
	if len(id) <= len(prefix) || len(id) > maxExternalIDLen {
		return false
	}

	if id[:len(prefix)] != prefix {
		return false
	}

	for _, ch := range id[len(prefix):] {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		default:
			return false
		}
	}

	return true
}
