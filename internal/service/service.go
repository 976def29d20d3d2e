// Package service реализует бизнес-логику сервиса payledger.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmeshcher/payledger-system/internal/audit"
	"github.com/mmeshcher/payledger-system/internal/model"
	"github.com/mmeshcher/payledger-system/internal/provider"
	"github.com/mmeshcher/payledger-system/internal/repository"
	"github.com/mmeshcher/payledger-system/internal/retry"
	"github.com/mmeshcher/payledger-system/internal/signature"
)

// Срок хранения ключей идемпотентности. Истечение освобождает только
// хранилище: повторное зачисление исключено статусом самого заказа.
const eventKeyTTL = 7 * 24 * time.Hour

// Интервал фоновой очистки просроченных ключей идемпотентности.
const keyCleanupInterval = time.Hour

// События вебхука провайдера, которые сервис обрабатывает.
const (
	eventPaymentCaptured = "payment.captured"
	eventPaymentFailed   = "payment.failed"
)

// ErrUnknownPlan возвращается при заказе несуществующего тарифа.
var (
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrInvalidSignature возвращается при несовпадении подписи уведомления.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrOrderOwnedByAnother возвращается, если заказ принадлежит другому пользователю.
	ErrOrderOwnedByAnother = errors.New("order belongs to another user")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMalformedEvent возвращается, если тело вебхука не удаётся разобрать.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	CreateOrder(ctx context.Context, order *model.Order) (int64, error)
	GetOrderByExternalID(ctx context.Context, externalOrderID string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	MarkOrderPaid(ctx context.Context, externalOrderID, externalPaymentID string) (*model.Order, bool, error)
	MarkOrderFailed(ctx context.Context, externalOrderID string) error
	AddCredits(ctx context.Context, userID, credits int64) error
	GetBalance(ctx context.Context, userID int64) (int64, error)
	InsertEventKey(ctx context.Context, key string, ttl time.Duration) error
	DeleteEventKey(ctx context.Context, key string) error
	DeleteExpiredEventKeys(ctx context.Context) (int64, error)
}

// Charger описывает контракт создания платёжных заказов у провайдера.
type Charger interface {
	KeyID() string
	CreateCharge(ctx context.Context, amount int64, currency, receipt string) (*provider.Charge, error)
}

// Options содержит настройки повторов зачисления кредитов.
type Options struct {
	CreditRetryAttempts int
	CreditRetryDelay    time.Duration
}

// Service содержит бизнес-логику сервиса payledger.
type Service struct {
	repo     Repository
	charger  Charger
	verifier *signature.Verifier
	auditor  *audit.Logger
	opts     Options
}

// NewService создаёт новый сервис.
func NewService(repo Repository, charger Charger, verifier *signature.Verifier, auditor *audit.Logger, opts Options) *Service {
	if opts.CreditRetryAttempts < 1 {
		opts.CreditRetryAttempts = 1
	}

	return &Service{
		repo:     repo,
		charger:  charger,
		verifier: verifier,
		auditor:  auditor,
		opts:     opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateOrder создаёт заказ на покупку пакета кредитов.
//
// Цена берётся только из серверной таблицы тарифов. При ошибке создания
// платежа у провайдера заказ не сохраняется: частичного состояния не остаётся.
func (s *Service) CreateOrder(ctx context.Context, userID int64, planID string) (*model.CreatedOrder, error) {
	plan, ok := model.Plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}

	receipt := uuid.NewString()

	charge, err := s.charger.CreateCharge(ctx, plan.Amount, plan.Currency, receipt)
	if err != nil {
		return nil, fmt.Errorf("provider charge: %w", err)
	}

	order := &model.Order{
		UserID:          userID,
		PlanID:          plan.ID,
		Amount:          plan.Amount,
		Currency:        plan.Currency,
		ExternalOrderID: charge.ID,
		Credits:         plan.Credits,
	}

	if _, err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, model.AuditEntry{
		EventType: audit.EventOrderCreated,
		OrderID:   charge.ID,
		Status:    string(model.OrderStatusPending),
		Metadata: map[string]string{
			"planID": plan.ID,
			"amount": strconv.FormatInt(plan.Amount, 10),
		},
	})

	return &model.CreatedOrder{
		OrderID:  charge.ID,
		Amount:   plan.Amount,
		Currency: plan.Currency,
		KeyID:    s.charger.KeyID(),
	}, nil
}

// ConfirmPayment обрабатывает клиентское подтверждение оплаты.
//
// Подпись проверяется до любых обращений к хранилищу. Переход заказа в paid
// выполняется одним условным обновлением; кредиты зачисляет только победитель
// гонки между клиентским подтверждением и вебхуком. Проигравший получает тот
// же успешный ответ без повторного зачисления.
func (s *Service) ConfirmPayment(ctx context.Context, userID int64, externalOrderID, externalPaymentID, sig string) (int64, error) {
	if !s.verifier.VerifyPayment(externalOrderID, externalPaymentID, sig) {
		s.auditor.Record(ctx, model.AuditEntry{
			EventType: audit.EventSignatureRejected,
			OrderID:   externalOrderID,
			Error:     "client confirmation signature mismatch",
		})
		return 0, ErrInvalidSignature
	}

	order, err := s.repo.GetOrderByExternalID(ctx, externalOrderID)
	if err != nil {
		return 0, err
	}

	if order.UserID != userID {
		return 0, ErrOrderOwnedByAnother
	}

	order, won, err := s.repo.MarkOrderPaid(ctx, externalOrderID, externalPaymentID)
	if err != nil {
		return 0, err
	}

	if won {
		s.auditor.Record(ctx, model.AuditEntry{
			EventType: audit.EventPaymentConfirmed,
			OrderID:   externalOrderID,
			Status:    string(model.OrderStatusPaid),
			Metadata:  map[string]string{"source": "client"},
		})
		s.grantCredits(ctx, order)
	}

	return order.Credits, nil
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ProcessWebhook обрабатывает вебхук провайдера, доставляемый минимум один раз.
//
// Ключ идемпотентности вставляется до обработки (insert-first): конфликт
// вставки означает, что событие уже обработано, и повтор завершится успехом
// без побочных эффектов. Если обработка не удалась уже после вставки ключа,
// ключ удаляется, чтобы повторная доставка могла обработать событие заново.
func (s *Service) ProcessWebhook(ctx context.Context, body []byte, sig string) error {
	if !s.verifier.VerifyWebhook(body, sig) {
		s.auditor.Record(ctx, model.AuditEntry{
			EventType: audit.EventSignatureRejected,
			Error:     "webhook signature mismatch",
		})
		return ErrInvalidSignature
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}

	if env.Event != eventPaymentCaptured && env.Event != eventPaymentFailed {
		// Неизвестные события подтверждаются без обработки.
		return nil
	}

	entity := env.Payload.Payment.Entity
	if entity.ID == "" || entity.OrderID == "" {
		return fmt.Errorf("%w: empty payment entity", ErrMalformedEvent)
	}

	key := env.Event + ":" + entity.ID

	if err := s.repo.InsertEventKey(ctx, key, eventKeyTTL); err != nil {
		if errors.Is(err, repository.ErrDuplicateEvent) {
			s.auditor.Record(ctx, model.AuditEntry{
				EventType: audit.EventDuplicateWebhook,
				OrderID:   entity.OrderID,
				Metadata:  map[string]string{"eventKey": key},
			})
			return nil
		}
		return err
	}

	if err := s.processWebhookEvent(ctx, env.Event, entity.OrderID, entity.ID); err != nil {
		// Компенсация: освобождаем ключ для повторной доставки.
		_ = s.repo.DeleteEventKey(ctx, key)
		return err
	}

	return nil
}

func (s *Service) processWebhookEvent(ctx context.Context, event, externalOrderID, externalPaymentID string) error {
	switch event {
	case eventPaymentCaptured:
		order, won, err := s.repo.MarkOrderPaid(ctx, externalOrderID, externalPaymentID)
		if err != nil {
			return err
		}

		if !won {
			s.auditor.Record(ctx, model.AuditEntry{
				EventType: audit.EventWebhookReceived,
				OrderID:   externalOrderID,
				Status:    string(order.Status),
				Metadata:  map[string]string{"outcome": "already paid"},
			})
			return nil
		}

		s.auditor.Record(ctx, model.AuditEntry{
			EventType: audit.EventPaymentConfirmed,
			OrderID:   externalOrderID,
			Status:    string(model.OrderStatusPaid),
			Metadata:  map[string]string{"source": "webhook"},
		})
		s.grantCredits(ctx, order)
		return nil

	case eventPaymentFailed:
		if err := s.repo.MarkOrderFailed(ctx, externalOrderID); err != nil {
			return err
		}

		s.auditor.Record(ctx, model.AuditEntry{
			EventType: audit.EventPaymentFailed,
			OrderID:   externalOrderID,
			Status:    string(model.OrderStatusFailed),
		})
		return nil
	}

	return nil
}

// grantCredits зачисляет кредиты победителю перехода с ограниченным числом повторов.
//
// Если все попытки исчерпаны, заказ остаётся в paid — оплата действительно
// прошла, и откат спровоцировал бы повторное списание с пользователя.
// Вместо этого в журнал аудита пишется запись с флагом ручного исправления
// и суммой, которую нужно дозачислить.
func (s *Service) grantCredits(ctx context.Context, order *model.Order) {
	err := retry.Do(ctx, func() error {
		return s.repo.AddCredits(ctx, order.UserID, order.Credits)
	}, retry.Policy{
		MaxAttempts:  s.opts.CreditRetryAttempts,
		InitialDelay: s.opts.CreditRetryDelay,
		Multiplier:   1,
		OnRetry: func(attempt int, err error) {
			s.auditor.Record(ctx, model.AuditEntry{
				EventType: audit.EventCreditRetry,
				OrderID:   order.ExternalOrderID,
				Error:     err.Error(),
				Metadata:  map[string]string{"attempt": strconv.Itoa(attempt)},
			})
		},
	})
	if err != nil {
		s.auditor.Record(ctx, model.AuditEntry{
			EventType: audit.EventCreditGrantFailed,
			OrderID:   order.ExternalOrderID,
			Status:    string(model.OrderStatusPaid),
			Error:     err.Error(),
			ManualFix: true,
			Metadata: map[string]string{
				"userID":  strconv.FormatInt(order.UserID, 10),
				"credits": strconv.FormatInt(order.Credits, 10),
			},
		})
		return
	}

	s.auditor.Record(ctx, model.AuditEntry{
		EventType: audit.EventCreditGranted,
		OrderID:   order.ExternalOrderID,
		Status:    string(model.OrderStatusPaid),
		Metadata: map[string]string{
			"credits": strconv.FormatInt(order.Credits, 10),
		},
	})
}

// GetBalance возвращает баланс кредитов пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	credits, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Credits: credits}, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// StartKeyCleanup запускает фоновую очистку просроченных ключей идемпотентности.
func (s *Service) StartKeyCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(keyCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.repo.DeleteExpiredEventKeys(ctx)
			}
		}
	}()
}
