// Package model содержит доменные сущности сервиса payledger.
package model

import "time"

// User представляет зарегистрированного пользователя.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// OrderStatus описывает статус оплаты заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, оплата не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid — оплата подтверждена. Статус терминальный.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFailed — провайдер сообщил об ошибке оплаты. Статус не терминальный:
	// позднее успешное подтверждение всё ещё переводит заказ в paid.
	OrderStatusFailed OrderStatus = "failed"
)

// Order описывает заказ на покупку пакета кредитов.
type Order struct {
	ID                int64
	UserID            int64
	PlanID            string
	Amount            int64 // в минимальных единицах валюты
	Currency          string
	ExternalOrderID   string
	ExternalPaymentID string
	Status            OrderStatus
	Credits           int64
	CreatedAt         time.Time
	PaidAt            *time.Time
}

// Plan описывает тарифный план с серверной ценой.
// Суммы, присланные клиентом, никогда не используются.
type Plan struct {
	ID       string
	Amount   int64
	Currency string
	Credits  int64
}

// Plans — статическая серверная таблица тарифов.
var Plans = map[string]Plan{
	"starter":  {ID: "starter", Amount: 4900, Currency: "INR", Credits: 10},
	"standard": {ID: "standard", Amount: 12900, Currency: "INR", Credits: 20},
	"pro":      {ID: "pro", Amount: 24900, Currency: "INR", Credits: 50},
}

// Balance содержит текущий баланс кредитов пользователя.
type Balance struct {
	Credits int64 `json:"credits"`
}

// CreatedOrder — данные созданного заказа для запуска оплаты на стороне клиента.
type CreatedOrder struct {
	OrderID  string            `json:"orderId"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	KeyID    string            `json:"keyId"`
	Prefill  map[string]string `json:"prefill,omitempty"`
}

// AuditEntry описывает запись журнала аудита. Журнал только пополняется.
type AuditEntry struct {
	Timestamp time.Time
	RequestID string
	EventType string
	OrderID   string
	Status    string
	Error     string
	ManualFix bool
	Metadata  map[string]string
}
