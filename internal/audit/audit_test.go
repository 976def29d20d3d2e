package audit

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/payledger-system/internal/model"
)

type stubStore struct {
	entries []model.AuditEntry
	err     error
}

func (s *stubStore) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func TestRecord_PersistsEntry(t *testing.T) {
	store := &stubStore{}
	l := NewLogger(store, zap.NewNop())

	l.Record(context.Background(), model.AuditEntry{
		EventType: EventCreditGranted,
		OrderID:   "order_o1",
		Status:    "paid",
	})

	if len(store.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(store.entries))
	}
	if store.entries[0].Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
	if store.entries[0].EventType != EventCreditGranted {
		t.Fatalf("eventType = %q, want %q", store.entries[0].EventType, EventCreditGranted)
	}
}

func TestRecord_StoreFailureDoesNotPropagate(t *testing.T) {
	store := &stubStore{err: errors.New("db down")}
	l := NewLogger(store, zap.NewNop())

	// Ошибка записи аудита не должна ломать платёжный путь.
	l.Record(context.Background(), model.AuditEntry{EventType: EventWebhookReceived})
}

func TestRecord_NilStore(t *testing.T) {
	l := NewLogger(nil, zap.NewNop())

	l.Record(context.Background(), model.AuditEntry{EventType: EventOrderCreated})
}
