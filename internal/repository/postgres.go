// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/payledger-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ с указанным внешним идентификатором не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateEvent возвращается, если ключ события уже был вставлен другим обработчиком.
	ErrDuplicateEvent = errors.New("event already processed")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreateOrder сохраняет новый заказ в статусе pending и возвращает его идентификатор.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (user_id, plan_id, amount, currency, external_order_id, status, credits)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		order.UserID, order.PlanID, order.Amount, order.Currency,
		order.ExternalOrderID, string(model.OrderStatusPending), order.Credits,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return id, nil
}

// GetOrderByExternalID возвращает заказ по внешнему идентификатору провайдера.
func (r *PostgresRepository) GetOrderByExternalID(ctx context.Context, externalOrderID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, plan_id, amount, currency, external_order_id,
		        COALESCE(external_payment_id, ''), status, credits, created_at, paid_at
		 FROM orders
		 WHERE external_order_id = $1`,
		externalOrderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// GetOrdersByUser возвращает список заказов пользователя.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, plan_id, amount, currency, external_order_id,
		        COALESCE(external_payment_id, ''), status, credits, created_at, paid_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// MarkOrderPaid атомарно переводит заказ в статус paid одним условным обновлением.
//
// Возвращает заказ и признак того, что именно этот вызов выиграл переход.
// Условие "status <> paid" делает paid терминальным и допускает переход
// failed -> paid при позднем успешном подтверждении. Проигравший гонку
// вызов получает won == false и текущие данные заказа.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, externalOrderID, externalPaymentID string) (*model.Order, bool, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE orders
		 SET status = $2, external_payment_id = $3, paid_at = now()
		 WHERE external_order_id = $1 AND status <> $2
		 RETURNING id, user_id, plan_id, amount, currency, external_order_id,
		           COALESCE(external_payment_id, ''), status, credits, created_at, paid_at`,
		externalOrderID, string(model.OrderStatusPaid), externalPaymentID,
	)

	o, err := scanOrder(row)
	if err == nil {
		return o, true, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("mark order paid: %w", err)
	}

	// Обновление не затронуло строк: заказа либо нет, либо он уже оплачен.
	existing, err := r.GetOrderByExternalID(ctx, externalOrderID)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

// MarkOrderFailed переводит заказ из pending в failed.
// Оплаченный заказ обновление не трогает: failed никогда не перекрывает paid.
func (r *PostgresRepository) MarkOrderFailed(ctx context.Context, externalOrderID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2
		 WHERE external_order_id = $1 AND status = $3`,
		externalOrderID, string(model.OrderStatusFailed), string(model.OrderStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}
	return nil
}

// AddCredits атомарно увеличивает баланс пользователя на указанное число кредитов.
// Один upsert-инкремент, без чтения-изменения-записи.
func (r *PostgresRepository) AddCredits(ctx context.Context, userID, credits int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO balances (user_id, credits) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET credits = balances.credits + EXCLUDED.credits`,
		userID, credits,
	)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	return nil
}

// GetBalance возвращает текущий баланс кредитов пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var credits int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT credits FROM balances WHERE user_id = $1), 0)`,
		userID,
	).Scan(&credits)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return credits, nil
}

// InsertEventKey вставляет ключ идемпотентности события.
//
// Вставка выполняется до какой-либо обработки (insert-first): уникальное
// ограничение на ключ гарантирует ровно одного первого обработчика даже при
// конкурентных экземплярах. Конфликт вставки означает, что событие уже
// обработано, и возвращается ErrDuplicateEvent.
func (r *PostgresRepository) InsertEventKey(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, expires_at) VALUES ($1, $2)`,
		key, time.Now().Add(ttl),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, key)
		}
		return fmt.Errorf("insert event key: %w", err)
	}
	return nil
}

// DeleteEventKey удаляет ключ события. Используется для компенсации, когда
// обработка события не удалась после вставки ключа: повторная доставка
// должна получить шанс обработать событие заново.
func (r *PostgresRepository) DeleteEventKey(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("delete event key: %w", err)
	}
	return nil
}

// DeleteExpiredEventKeys удаляет просроченные ключи идемпотентности и
// возвращает число удалённых записей. Очистка освобождает только хранилище:
// повторное зачисление исключено статусом самого заказа.
func (r *PostgresRepository) DeleteExpiredEventKeys(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired event keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertAuditEntry добавляет запись в журнал аудита. Журнал только пополняется.
func (r *PostgresRepository) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = entry.Metadata
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, event_type, order_id, status, error, manual_fix, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.RequestID, entry.EventType, entry.OrderID, entry.Status, entry.Error, entry.ManualFix, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string

	err := row.Scan(
		&o.ID, &o.UserID, &o.PlanID, &o.Amount, &o.Currency,
		&o.ExternalOrderID, &o.ExternalPaymentID, &status, &o.Credits,
		&o.CreatedAt, &o.PaidAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)
	return &o, nil
}
