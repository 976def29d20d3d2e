// Package handler содержит HTTP-обработчики API сервиса payledger.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/payledger-system/internal/middleware"
	"github.com/mmeshcher/payledger-system/internal/model"
	"github.com/mmeshcher/payledger-system/internal/ratelimit"
	"github.com/mmeshcher/payledger-system/internal/repository"
	"github.com/mmeshcher/payledger-system/internal/service"
	"github.com/mmeshcher/payledger-system/internal/validation"
)

// Заголовок, в котором провайдер передаёт подпись вебхука.
const webhookSignatureHeader = "X-Webhook-Signature"

// Ограничение на размер тела вебхука.
const webhookBodyLimit = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)
	CreateOrder(ctx context.Context, userID int64, planID string) (*model.CreatedOrder, error)
	ConfirmPayment(ctx context.Context, userID int64, externalOrderID, externalPaymentID, signature string) (int64, error)
	ProcessWebhook(ctx context.Context, body []byte, signature string) error
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
}

// Handler реализует HTTP-обработчики API сервиса payledger.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	gate           *ratelimit.Gate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, gate *ratelimit.Gate) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		gate:           gate,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register обрабатывает регистрацию нового пользователя и выдаёт bearer-токен.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, tokenResponse{Token: h.authMiddleware.IssueToken(userID)})
}

// Login выполняет аутентификацию пользователя и выдаёт bearer-токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, tokenResponse{Token: h.authMiddleware.IssueToken(userID)})
}

type createOrderRequest struct {
	PlanID string `json:"planId"`
}

// CreateOrder создаёт заказ на покупку пакета кредитов.
//
// Запрос проходит через шлюз ограничения частоты. Отказ возможен только при
// здоровом шлюзе: в деградированном режиме трафик пропускается.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit := h.gate.Allow(r.Context(), strconv.FormatInt(userID, 10), ratelimit.BucketOrders)
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(limit.Remaining, 10))
	if !limit.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(limit.ResetAt).Seconds())+1))
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	created, err := h.service.CreateOrder(r.Context(), userID, req.PlanID)
	if err != nil {
		if errors.Is(err, service.ErrUnknownPlan) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("create order error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, created)
}

type confirmRequest struct {
	ExternalOrderID   string `json:"externalOrderId"`
	ExternalPaymentID string `json:"externalPaymentId"`
	Signature         string `json:"signature"`
}

type confirmResponse struct {
	Success      bool  `json:"success"`
	CreditsAdded int64 `json:"creditsAdded"`
}

// ConfirmPayment обрабатывает клиентское подтверждение оплаты заказа.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidExternalOrderID(req.ExternalOrderID) ||
		!validation.IsValidExternalPaymentID(req.ExternalPaymentID) ||
		req.Signature == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	credits, err := h.service.ConfirmPayment(r.Context(), userID, req.ExternalOrderID, req.ExternalPaymentID, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSignature):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrOrderOwnedByAnother):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("confirm payment error", zap.Error(err), zap.String("order", req.ExternalOrderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, confirmResponse{Success: true, CreditsAdded: credits})
}

// Webhook обрабатывает уведомление провайдера об оплате.
//
// Проверенные дубликаты и уже обработанные события подтверждаются со статусом
// 200, чтобы не провоцировать шторм повторных доставок.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err = h.service.ProcessWebhook(r.Context(), body, r.Header.Get(webhookSignatureHeader))
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) || errors.Is(err, service.ErrMalformedEvent) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("webhook processing error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]string{"status": "ok"})
}

// GetBalance возвращает баланс кредитов текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit := h.gate.Allow(r.Context(), strconv.FormatInt(userID, 10), ratelimit.BucketGeneration)
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(limit.Remaining, 10))
	if !limit.Allowed {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, balance)
}

type orderResponse struct {
	OrderID   string `json:"orderId"`
	PlanID    string `json:"planId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	Credits   int64  `json:"credits"`
	CreatedAt string `json:"createdAt"`
	PaidAt    string `json:"paidAt,omitempty"`
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		item := orderResponse{
			OrderID:   o.ExternalOrderID,
			PlanID:    o.PlanID,
			Amount:    o.Amount,
			Currency:  o.Currency,
			Status:    string(o.Status),
			Credits:   o.Credits,
			CreatedAt: o.CreatedAt.Format(time.RFC3339),
		}
		if o.PaidAt != nil {
			item.PaidAt = o.PaidAt.Format(time.RFC3339)
		}
		resp = append(resp, item)
	}

	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
