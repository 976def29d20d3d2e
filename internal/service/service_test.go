package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/payledger-system/internal/audit"
	"github.com/mmeshcher/payledger-system/internal/model"
	"github.com/mmeshcher/payledger-system/internal/provider"
	"github.com/mmeshcher/payledger-system/internal/repository"
	"github.com/mmeshcher/payledger-system/internal/signature"
)

const (
	testClientSecret  = "client-secret"
	testWebhookSecret = "webhook-secret"
)

type stubRepo struct {
	orders    map[string]*model.Order
	balances  map[int64]int64
	eventKeys map[string]bool

	createOrderErr error
	markPaidErr    error
	insertKeyErr   error

	// Очередь ошибок AddCredits: по одной на вызов, nil означает успех.
	addCreditsErrs []error

	createOrderCalls int
	markPaidCalls    int
	addCreditsCalls  int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		orders:    make(map[string]*model.Order),
		balances:  make(map[int64]int64),
		eventKeys: make(map[string]bool),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	return 1, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) CreateOrder(ctx context.Context, order *model.Order) (int64, error) {
	s.createOrderCalls++
	if s.createOrderErr != nil {
		return 0, s.createOrderErr
	}

	o := *order
	o.ID = int64(len(s.orders) + 1)
	o.Status = model.OrderStatusPending
	o.CreatedAt = time.Now()
	s.orders[o.ExternalOrderID] = &o

	return o.ID, nil
}

func (s *stubRepo) GetOrderByExternalID(ctx context.Context, externalOrderID string) (*model.Order, error) {
	o, ok := s.orders[externalOrderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) MarkOrderPaid(ctx context.Context, externalOrderID, externalPaymentID string) (*model.Order, bool, error) {
	s.markPaidCalls++
	if s.markPaidErr != nil {
		return nil, false, s.markPaidErr
	}

	o, ok := s.orders[externalOrderID]
	if !ok {
		return nil, false, repository.ErrOrderNotFound
	}

	if o.Status == model.OrderStatusPaid {
		cp := *o
		return &cp, false, nil
	}

	now := time.Now()
	o.Status = model.OrderStatusPaid
	o.ExternalPaymentID = externalPaymentID
	o.PaidAt = &now

	cp := *o
	return &cp, true, nil
}

func (s *stubRepo) MarkOrderFailed(ctx context.Context, externalOrderID string) error {
	o, ok := s.orders[externalOrderID]
	if !ok {
		return nil
	}
	if o.Status == model.OrderStatusPending {
		o.Status = model.OrderStatusFailed
	}
	return nil
}

func (s *stubRepo) AddCredits(ctx context.Context, userID, credits int64) error {
	s.addCreditsCalls++
	if len(s.addCreditsErrs) > 0 {
		err := s.addCreditsErrs[0]
		s.addCreditsErrs = s.addCreditsErrs[1:]
		if err != nil {
			return err
		}
	}
	s.balances[userID] += credits
	return nil
}

func (s *stubRepo) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return s.balances[userID], nil
}

func (s *stubRepo) InsertEventKey(ctx context.Context, key string, ttl time.Duration) error {
	if s.insertKeyErr != nil {
		return s.insertKeyErr
	}
	if s.eventKeys[key] {
		return fmt.Errorf("%w: %s", repository.ErrDuplicateEvent, key)
	}
	s.eventKeys[key] = true
	return nil
}

func (s *stubRepo) DeleteEventKey(ctx context.Context, key string) error {
	delete(s.eventKeys, key)
	return nil
}

func (s *stubRepo) DeleteExpiredEventKeys(ctx context.Context) (int64, error) {
	return 0, nil
}

type stubCharger struct {
	charge *provider.Charge
	err    error
	calls  int
}

func (c *stubCharger) KeyID() string { return "key-id" }

func (c *stubCharger) CreateCharge(ctx context.Context, amount int64, currency, receipt string) (*provider.Charge, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.charge, nil
}

type stubAuditStore struct {
	entries []model.AuditEntry
}

func (s *stubAuditStore) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *stubAuditStore) find(eventType string) []model.AuditEntry {
	var res []model.AuditEntry
	for _, e := range s.entries {
		if e.EventType == eventType {
			res = append(res, e)
		}
	}
	return res
}

func newTestService(repo *stubRepo, charger Charger, store *stubAuditStore) *Service {
	verifier := signature.NewVerifier(testClientSecret, testWebhookSecret)
	auditor := audit.NewLogger(store, zap.NewNop())

	return NewService(repo, charger, verifier, auditor, Options{
		CreditRetryAttempts: 2,
		CreditRetryDelay:    time.Millisecond,
	})
}

func seedPendingOrder(repo *stubRepo, userID int64) *model.Order {
	o := &model.Order{
		ID:              1,
		UserID:          userID,
		PlanID:          "standard",
		Amount:          12900,
		Currency:        "INR",
		ExternalOrderID: "order_o1",
		Status:          model.OrderStatusPending,
		Credits:         20,
		CreatedAt:       time.Now(),
	}
	repo.orders[o.ExternalOrderID] = o
	return o
}

func capturedWebhook(t *testing.T, paymentID, orderID string) ([]byte, string) {
	t.Helper()
	return webhookBody(t, "payment.captured", paymentID, orderID)
}

func webhookBody(t *testing.T, event, paymentID, orderID string) ([]byte, string) {
	t.Helper()

	var env webhookEnvelope
	env.Event = event
	env.Payload.Payment.Entity.ID = paymentID
	env.Payload.Payment.Entity.OrderID = orderID

	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal webhook: %v", err)
	}

	return body, signature.Sign(testWebhookSecret, body)
}

func TestCreateOrder_UnknownPlan(t *testing.T) {
	repo := newStubRepo()
	charger := &stubCharger{}
	svc := newTestService(repo, charger, &stubAuditStore{})

	_, err := svc.CreateOrder(context.Background(), 1, "enterprise")
	if !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("err = %v, want ErrUnknownPlan", err)
	}
	if charger.calls != 0 {
		t.Fatalf("provider called for unknown plan")
	}
	if repo.createOrderCalls != 0 {
		t.Fatalf("order persisted for unknown plan")
	}
}

func TestCreateOrder_ProviderFailureLeavesNoState(t *testing.T) {
	repo := newStubRepo()
	charger := &stubCharger{err: errors.New("provider down")}
	svc := newTestService(repo, charger, &stubAuditStore{})

	_, err := svc.CreateOrder(context.Background(), 1, "standard")
	if err == nil {
		t.Fatalf("expected error for provider failure")
	}
	if repo.createOrderCalls != 0 {
		t.Fatalf("order persisted despite provider failure")
	}
}

func TestCreateOrder_ServerComputedPrice(t *testing.T) {
	repo := newStubRepo()
	charger := &stubCharger{charge: &provider.Charge{ID: "order_o1", Amount: 12900, Currency: "INR"}}
	svc := newTestService(repo, charger, &stubAuditStore{})

	created, err := svc.CreateOrder(context.Background(), 7, "standard")
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	if created.Amount != 12900 || created.Currency != "INR" {
		t.Fatalf("unexpected created order: %+v", created)
	}
	if created.KeyID != "key-id" {
		t.Fatalf("keyId = %q, want key-id", created.KeyID)
	}

	o := repo.orders["order_o1"]
	if o == nil {
		t.Fatalf("order not persisted")
	}
	if o.Status != model.OrderStatusPending || o.Credits != 20 || o.UserID != 7 {
		t.Fatalf("unexpected persisted order: %+v", o)
	}
}

func TestConfirmPayment_ForgedSignature(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	_, err := svc.ConfirmPayment(context.Background(), 1, "order_o1", "pay_p1", "forged")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}

	if repo.orders["order_o1"].Status != model.OrderStatusPending {
		t.Fatalf("order status mutated on forged signature")
	}
	if repo.markPaidCalls != 0 || repo.addCreditsCalls != 0 {
		t.Fatalf("state mutated on forged signature")
	}
}

func TestConfirmPayment_ForeignOrder(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	sig := signature.Sign(testClientSecret, []byte("order_o1|pay_p1"))

	_, err := svc.ConfirmPayment(context.Background(), 2, "order_o1", "pay_p1", sig)
	if !errors.Is(err, ErrOrderOwnedByAnother) {
		t.Fatalf("err = %v, want ErrOrderOwnedByAnother", err)
	}
	if repo.markPaidCalls != 0 {
		t.Fatalf("transition attempted for foreign order")
	}
}

func TestConfirmPayment_WinnerCreditsOnce(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	sig := signature.Sign(testClientSecret, []byte("order_o1|pay_p1"))

	credits, err := svc.ConfirmPayment(context.Background(), 1, "order_o1", "pay_p1", sig)
	if err != nil {
		t.Fatalf("ConfirmPayment error: %v", err)
	}
	if credits != 20 {
		t.Fatalf("creditsAdded = %d, want 20", credits)
	}
	if repo.balances[1] != 20 {
		t.Fatalf("balance = %d, want 20", repo.balances[1])
	}
	if repo.orders["order_o1"].Status != model.OrderStatusPaid {
		t.Fatalf("order not paid")
	}
}

func TestConfirmPayment_LoserDoesNotRecredit(t *testing.T) {
	repo := newStubRepo()
	o := seedPendingOrder(repo, 1)
	o.Status = model.OrderStatusPaid
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	sig := signature.Sign(testClientSecret, []byte("order_o1|pay_p1"))

	credits, err := svc.ConfirmPayment(context.Background(), 1, "order_o1", "pay_p1", sig)
	if err != nil {
		t.Fatalf("ConfirmPayment error: %v", err)
	}
	if credits != 20 {
		t.Fatalf("creditsAdded = %d, want 20", credits)
	}
	if repo.addCreditsCalls != 0 {
		t.Fatalf("loser re-credited the account")
	}
}

func TestProcessWebhook_DuplicateDeliveryCreditsOnce(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	store := &stubAuditStore{}
	svc := newTestService(repo, &stubCharger{}, store)

	body, sig := capturedWebhook(t, "pay_p1", "order_o1")

	if err := svc.ProcessWebhook(context.Background(), body, sig); err != nil {
		t.Fatalf("first delivery error: %v", err)
	}
	if err := svc.ProcessWebhook(context.Background(), body, sig); err != nil {
		t.Fatalf("second delivery error: %v", err)
	}

	if repo.balances[1] != 20 {
		t.Fatalf("balance = %d, want 20", repo.balances[1])
	}
	if repo.addCreditsCalls != 1 {
		t.Fatalf("addCredits calls = %d, want 1", repo.addCreditsCalls)
	}
	if len(store.find(audit.EventDuplicateWebhook)) != 1 {
		t.Fatalf("duplicate delivery not recorded in audit log")
	}
}

func TestProcessWebhook_RaceWithClientConfirmation(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	sig := signature.Sign(testClientSecret, []byte("order_o1|pay_p1"))
	if _, err := svc.ConfirmPayment(context.Background(), 1, "order_o1", "pay_p1", sig); err != nil {
		t.Fatalf("ConfirmPayment error: %v", err)
	}

	body, whSig := capturedWebhook(t, "pay_p1", "order_o1")
	if err := svc.ProcessWebhook(context.Background(), body, whSig); err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}

	if repo.balances[1] != 20 {
		t.Fatalf("balance = %d, want 20", repo.balances[1])
	}
	if repo.addCreditsCalls != 1 {
		t.Fatalf("addCredits calls = %d, want 1", repo.addCreditsCalls)
	}
}

func TestProcessWebhook_InvalidSignature(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	body, _ := capturedWebhook(t, "pay_p1", "order_o1")

	err := svc.ProcessWebhook(context.Background(), body, "forged")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
	if repo.orders["order_o1"].Status != model.OrderStatusPending {
		t.Fatalf("order mutated on forged webhook signature")
	}
}

func TestProcessWebhook_MalformedBody(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	body := []byte(`{"event":"payment.captured","payload":{}}`)
	sig := signature.Sign(testWebhookSecret, body)

	err := svc.ProcessWebhook(context.Background(), body, sig)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("err = %v, want ErrMalformedEvent", err)
	}
}

func TestProcessWebhook_UnknownEventAcknowledged(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	body, sig := webhookBody(t, "refund.created", "pay_p1", "order_o1")

	if err := svc.ProcessWebhook(context.Background(), body, sig); err != nil {
		t.Fatalf("unknown event not acknowledged: %v", err)
	}
	if len(repo.eventKeys) != 0 {
		t.Fatalf("event key inserted for unknown event")
	}
}

func TestProcessWebhook_LateSuccessAfterFailure(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	failBody, failSig := webhookBody(t, "payment.failed", "pay_p1", "order_o1")
	if err := svc.ProcessWebhook(context.Background(), failBody, failSig); err != nil {
		t.Fatalf("failed event error: %v", err)
	}
	if repo.orders["order_o1"].Status != model.OrderStatusFailed {
		t.Fatalf("order not marked failed")
	}

	// Позднее успешное подтверждение всё ещё переводит заказ в paid.
	okBody, okSig := capturedWebhook(t, "pay_p2", "order_o1")
	if err := svc.ProcessWebhook(context.Background(), okBody, okSig); err != nil {
		t.Fatalf("captured after failed error: %v", err)
	}

	if repo.orders["order_o1"].Status != model.OrderStatusPaid {
		t.Fatalf("failed order not transitioned to paid")
	}
	if repo.balances[1] != 20 {
		t.Fatalf("balance = %d, want 20", repo.balances[1])
	}
}

func TestProcessWebhook_CompensatesKeyOnProcessingFailure(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	// Заказа нет в хранилище: обработка события завершится ошибкой.
	body, sig := capturedWebhook(t, "pay_p1", "order_missing")

	err := svc.ProcessWebhook(context.Background(), body, sig)
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
	if len(repo.eventKeys) != 0 {
		t.Fatalf("event key not released after processing failure")
	}
}

func TestGrantCredits_RetrySucceedsOnSecondAttempt(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	repo.addCreditsErrs = []error{errors.New("transient"), nil}
	store := &stubAuditStore{}
	svc := newTestService(repo, &stubCharger{}, store)

	body, sig := capturedWebhook(t, "pay_p1", "order_o1")
	if err := svc.ProcessWebhook(context.Background(), body, sig); err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}

	if repo.balances[1] != 20 {
		t.Fatalf("balance = %d, want 20", repo.balances[1])
	}
	if repo.addCreditsCalls != 2 {
		t.Fatalf("addCredits calls = %d, want 2", repo.addCreditsCalls)
	}
	if len(store.find(audit.EventCreditRetry)) != 1 {
		t.Fatalf("credit retry not recorded in audit log")
	}
}

func TestGrantCredits_ExhaustedFlagsManualFix(t *testing.T) {
	repo := newStubRepo()
	seedPendingOrder(repo, 1)
	repo.addCreditsErrs = []error{errors.New("down"), errors.New("down")}
	store := &stubAuditStore{}
	svc := newTestService(repo, &stubCharger{}, store)

	sig := signature.Sign(testClientSecret, []byte("order_o1|pay_p1"))

	// Подтверждение остаётся успешным: оплата действительно прошла.
	credits, err := svc.ConfirmPayment(context.Background(), 1, "order_o1", "pay_p1", sig)
	if err != nil {
		t.Fatalf("ConfirmPayment error: %v", err)
	}
	if credits != 20 {
		t.Fatalf("creditsAdded = %d, want 20", credits)
	}

	if repo.orders["order_o1"].Status != model.OrderStatusPaid {
		t.Fatalf("paid order rolled back after crediting failure")
	}
	if repo.balances[1] != 0 {
		t.Fatalf("balance = %d, want 0", repo.balances[1])
	}

	failed := store.find(audit.EventCreditGrantFailed)
	if len(failed) != 1 {
		t.Fatalf("manual fix entry not recorded")
	}
	if !failed[0].ManualFix {
		t.Fatalf("manual fix flag not set")
	}
	if failed[0].Metadata["credits"] != "20" {
		t.Fatalf("intended credit amount = %q, want 20", failed[0].Metadata["credits"])
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, &stubCharger{}, &stubAuditStore{})

	_, err := svc.AuthenticateUser(context.Background(), "user", "pass")
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}
