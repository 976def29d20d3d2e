// Package audit реализует append-only журнал попыток и исходов обработки платежей.
package audit

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mmeshcher/payledger-system/internal/model"
	"go.uber.org/zap"
)

// Типы событий журнала аудита.
const (
	EventOrderCreated      = "order_created"
	EventPaymentConfirmed  = "payment_confirmed"
	EventPaymentFailed     = "payment_failed"
	EventWebhookReceived   = "webhook_received"
	EventDuplicateWebhook  = "duplicate_webhook"
	EventSignatureRejected = "signature_rejected"
	EventCreditGranted     = "credit_granted"
	EventCreditRetry       = "credit_retry"
	EventCreditGrantFailed = "credit_grant_failed"
)

// Store описывает хранилище записей аудита.
type Store interface {
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error
}

// Logger пишет записи аудита в хранилище и в структурированный лог.
type Logger struct {
	store  Store
	logger *zap.Logger
}

// NewLogger создаёт журнал аудита. store может быть nil — тогда записи
// попадают только в лог.
func NewLogger(store Store, logger *zap.Logger) *Logger {
	return &Logger{
		store:  store,
		logger: logger,
	}
}

// Record фиксирует запись аудита. Ошибка записи в хранилище не
// распространяется: аудит не должен ломать платёжный путь.
func (l *Logger) Record(ctx context.Context, entry model.AuditEntry) {
	if l == nil {
		return
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetReqID(ctx)
	}

	fields := []zap.Field{
		zap.String("requestID", entry.RequestID),
		zap.String("orderID", entry.OrderID),
		zap.String("status", entry.Status),
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	if entry.ManualFix {
		fields = append(fields, zap.Bool("manualFix", true))
	}

	switch {
	case entry.ManualFix:
		l.logger.Error("audit: "+entry.EventType, fields...)
	case entry.Error != "":
		l.logger.Warn("audit: "+entry.EventType, fields...)
	default:
		l.logger.Info("audit: "+entry.EventType, fields...)
	}

	if l.store == nil {
		return
	}

	if err := l.store.InsertAuditEntry(ctx, &entry); err != nil {
		l.logger.Error("audit entry not persisted",
			zap.String("eventType", entry.EventType),
			zap.String("orderID", entry.OrderID),
			zap.Error(err),
		)
	}
}
