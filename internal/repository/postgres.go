package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cardservice/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository реализует Store поверх PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

var _ Store = (*PostgresRepository)(nil)

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

	r := &PostgresRepository{pool: pool, q: pool}

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

// withRetry повторяет fn при конфликтах сериализации, взаимных блокировках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return pgconn.SafeToRetry(err) || isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// InTx выполняет fn в транзакции READ COMMITTED. Строки, которые нужно сериализовать,
// блокируются явно через SELECT ... FOR UPDATE.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Store) error) error {
	if r.inTx {
		return fn(r)
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&PostgresRepository{pool: r.pool, q: tx, inTx: true}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	if r.inTx {
		return nil
	}
	r.pool.Close()
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// Пользователи

const userColumns = `id, external_id, email, role, status, current_score, tier,
	active_cards, total_limit, total_balance, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Role, &u.Status, &u.CurrentScore, &u.Tier,
		&u.CardSummary.ActiveCards, &u.CardSummary.TotalLimit, &u.CardSummary.TotalBalance,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByExternalID возвращает пользователя по идентификатору внешней системы аутентификации.
func (r *PostgresRepository) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	u, err := scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by external id: %w", err)
	}
	return u, nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.ExternalID, u.Email, u.Role, u.Status, u.CurrentScore, u.Tier,
		u.CardSummary.ActiveCards, u.CardSummary.TotalLimit, u.CardSummary.TotalBalance,
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrUserExists, u.ExternalID)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpdateUser сохраняет рейтинг, статус и сводку по картам пользователя.
func (r *PostgresRepository) UpdateUser(ctx context.Context, u *model.User) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE users SET email = $2, role = $3, status = $4, current_score = $5, tier = $6,
		 active_cards = $7, total_limit = $8, total_balance = $9, updated_at = $10
		 WHERE id = $1`,
		u.ID, u.Email, u.Role, u.Status, u.CurrentScore, u.Tier,
		u.CardSummary.ActiveCards, u.CardSummary.TotalLimit, u.CardSummary.TotalBalance, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// LockUser блокирует строку пользователя до конца транзакции.
func (r *PostgresRepository) LockUser(ctx context.Context, id string) error {
	var dummy int
	err := r.q.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lock user for update: %w", err)
	}
	return nil
}

// DeleteUserCascade удаляет пользователя и все связанные с ним данные, кроме журнала аудита и событий.
func (r *PostgresRepository) DeleteUserCascade(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Карты

const cardColumns = `id, user_id, number, last4, status, credit_limit, balance, available_credit,
	minimum_payment, payment_due_at, version, created_at, updated_at`

func scanCard(row pgx.Row) (*model.Card, error) {
	var c model.Card
	err := row.Scan(&c.ID, &c.UserID, &c.Number, &c.Last4, &c.Status, &c.Limit, &c.Balance, &c.AvailableCredit,
		&c.MinimumPayment, &c.PaymentDueAt, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCard возвращает карту по идентификатору.
func (r *PostgresRepository) GetCard(ctx context.Context, id string) (*model.Card, error) {
	c, err := scanCard(r.q.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("get card: %w", err)
	}
	return c, nil
}

// ListCardsByUser возвращает карты пользователя в порядке выпуска.
func (r *PostgresRepository) ListCardsByUser(ctx context.Context, userID string) ([]model.Card, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cards: %w", err)
	}
	defer rows.Close()

	var cards []model.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return cards, nil
}

// CreateCard сохраняет выпущенную карту.
func (r *PostgresRepository) CreateCard(ctx context.Context, c *model.Card) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO cards (`+cardColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.UserID, c.Number, c.Last4, c.Status, c.Limit, c.Balance, c.AvailableCredit,
		c.MinimumPayment, c.PaymentDueAt, c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create card: %w", err)
	}
	return nil
}

// UpdateCard сохраняет карту с проверкой версии.
func (r *PostgresRepository) UpdateCard(ctx context.Context, c *model.Card, expectedVersion int64) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE cards SET status = $3, credit_limit = $4, balance = $5, available_credit = $6,
		 minimum_payment = $7, payment_due_at = $8, version = $9, updated_at = $10
		 WHERE id = $1 AND version = $2`,
		c.ID, expectedVersion, c.Status, c.Limit, c.Balance, c.AvailableCredit,
		c.MinimumPayment, c.PaymentDueAt, c.Version, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cards WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check card: %w", err)
	}
	if !exists {
		return ErrCardNotFound
	}
	return ErrVersionConflict
}

// Заявки

const requestColumns = `id, user_id, idempotency_key, status, score_at_request, tier_at_request,
	requested_limit, decision, resulting_card_id, created_at, expires_at, updated_at`

func scanRequest(row pgx.Row) (*model.CardRequest, error) {
	var (
		req      model.CardRequest
		limit    decimal.NullDecimal
		decision []byte
		cardID   *string
	)
	err := row.Scan(&req.ID, &req.UserID, &req.IdempotencyKey, &req.Status, &req.ScoreAtRequest, &req.TierAtRequest,
		&limit, &decision, &cardID, &req.CreatedAt, &req.ExpiresAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if limit.Valid {
		v := limit.Decimal
		req.RequestedLimit = &v
	}
	if len(decision) > 0 {
		var d model.Decision
		if err := json.Unmarshal(decision, &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		req.Decision = &d
	}
	if cardID != nil {
		req.ResultingCardID = *cardID
	}
	return &req, nil
}

func (r *PostgresRepository) queryRequests(ctx context.Context, query string, args ...any) ([]model.CardRequest, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select card requests: %w", err)
	}
	defer rows.Close()

	var res []model.CardRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card request: %w", err)
		}
		res = append(res, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// GetCardRequest возвращает заявку по идентификатору.
func (r *PostgresRepository) GetCardRequest(ctx context.Context, id string) (*model.CardRequest, error) {
	req, err := scanRequest(r.q.QueryRow(ctx, `SELECT `+requestColumns+` FROM card_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get card request: %w", err)
	}
	return req, nil
}

// GetCardRequestByKey возвращает заявку пользователя по ключу идемпотентности.
func (r *PostgresRepository) GetCardRequestByKey(ctx context.Context, userID, key string) (*model.CardRequest, error) {
	req, err := scanRequest(r.q.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM card_requests WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("get card request by key: %w", err)
	}
	return req, nil
}

// ListCardRequestsByUser возвращает заявки пользователя, новые первыми.
func (r *PostgresRepository) ListCardRequestsByUser(ctx context.Context, userID string) ([]model.CardRequest, error) {
	return r.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM card_requests WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
}

// ListPendingCardRequests возвращает очередь заявок, ожидающих решения администратора.
func (r *PostgresRepository) ListPendingCardRequests(ctx context.Context, limit int) ([]model.CardRequest, error) {
	return r.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM card_requests
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		model.RequestStatusPending, limitOrAll(limit),
	)
}

// CreateCardRequest сохраняет новую заявку.
func (r *PostgresRepository) CreateCardRequest(ctx context.Context, req *model.CardRequest) error {
	decision, err := marshalDecision(req.Decision)
	if err != nil {
		return err
	}

	tag, err := r.q.Exec(ctx,
		`INSERT INTO card_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
		req.ID, req.UserID, req.IdempotencyKey, req.Status, req.ScoreAtRequest, req.TierAtRequest,
		nullDecimal(req.RequestedLimit), decision, nullString(req.ResultingCardID),
		req.CreatedAt, req.ExpiresAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create card request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateRequest
	}
	return nil
}

// DecideCardRequest сохраняет решение по заявке, если она ещё ожидает рассмотрения.
func (r *PostgresRepository) DecideCardRequest(ctx context.Context, req *model.CardRequest) error {
	decision, err := marshalDecision(req.Decision)
	if err != nil {
		return err
	}

	tag, err := r.q.Exec(ctx,
		`UPDATE card_requests SET status = $2, decision = $3, resulting_card_id = $4, updated_at = $5
		 WHERE id = $1 AND status = $6`,
		req.ID, req.Status, decision, nullString(req.ResultingCardID), req.UpdatedAt, model.RequestStatusPending,
	)
	if err != nil {
		return fmt.Errorf("decide card request: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM card_requests WHERE id = $1)`, req.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check card request: %w", err)
	}
	if !exists {
		return ErrRequestNotFound
	}
	return ErrRequestNotPending
}

func marshalDecision(d *model.Decision) (any, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	return raw, nil
}

// Операции

const transactionColumns = `id, card_id, user_id, type, amount, idempotency_key, merchant,
	payment_status, score_impact, created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	err := row.Scan(&t.ID, &t.CardID, &t.UserID, &t.Type, &t.Amount, &t.IdempotencyKey, &t.Merchant,
		&t.PaymentStatus, &t.ScoreImpact, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTransaction сохраняет операцию по карте.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (card_id, idempotency_key) DO NOTHING`,
		t.ID, t.CardID, t.UserID, t.Type, t.Amount, t.IdempotencyKey, t.Merchant,
		t.PaymentStatus, t.ScoreImpact, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

// GetTransactionByKey возвращает операцию по карте и ключу идемпотентности.
func (r *PostgresRepository) GetTransactionByKey(ctx context.Context, cardID, key string) (*model.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE card_id = $1 AND idempotency_key = $2`,
		cardID, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// ListTransactionsByCard возвращает операции по карте, новые первыми.
func (r *PostgresRepository) ListTransactionsByCard(ctx context.Context, cardID string, limit int) ([]model.Transaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE card_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		cardID, limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// История рейтинга

// AppendScore добавляет запись в историю рейтинга.
func (r *PostgresRepository) AppendScore(ctx context.Context, s model.Score) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO score_history (id, user_id, previous_value, value, delta, reason, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.PreviousValue, s.Value, s.Delta, s.Reason, s.Source, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append score: %w", err)
	}
	return nil
}

// ListScoreHistory возвращает историю рейтинга пользователя, новые записи первыми.
func (r *PostgresRepository) ListScoreHistory(ctx context.Context, userID string, limit int) ([]model.Score, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, user_id, previous_value, value, delta, reason, source, created_at
		 FROM score_history
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("select score history: %w", err)
	}
	defer rows.Close()

	var res []model.Score
	for rows.Next() {
		var s model.Score
		if err := rows.Scan(&s.ID, &s.UserID, &s.PreviousValue, &s.Value, &s.Delta, &s.Reason, &s.Source, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// Исходящие события

const eventColumns = `id, event_type, entity_type, entity_id, sequence_number, payload, status,
	retry_count, next_retry_at, last_error, created_at, sent_at`

func scanEvent(row pgx.Row) (*model.OutboxEvent, error) {
	var (
		e       model.OutboxEvent
		payload []byte
	)
	err := row.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.SequenceNumber, &payload, &e.Status,
		&e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt, &e.SentAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

func (r *PostgresRepository) queryEvents(ctx context.Context, query string, args ...any) ([]model.OutboxEvent, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select outbox events: %w", err)
	}
	defer rows.Close()

	var res []model.OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// AppendEvent назначает событию следующий номер последовательности сущности и сохраняет его.
func (r *PostgresRepository) AppendEvent(ctx context.Context, e *model.OutboxEvent) error {
	var seq int64
	err := r.q.QueryRow(ctx,
		`INSERT INTO outbox_sequences (entity_id, last_seq) VALUES ($1, 1)
		 ON CONFLICT (entity_id) DO UPDATE SET last_seq = outbox_sequences.last_seq + 1
		 RETURNING last_seq`,
		e.EntityID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	e.SequenceNumber = seq

	_, err = r.q.Exec(ctx,
		`INSERT INTO outbox_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.EventType, e.EntityType, e.EntityID, e.SequenceNumber, []byte(e.Payload), e.Status,
		e.RetryCount, e.NextRetryAt, e.LastError, e.CreatedAt, e.SentAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// GetEvent возвращает событие по идентификатору.
func (r *PostgresRepository) GetEvent(ctx context.Context, id string) (*model.OutboxEvent, error) {
	e, err := scanEvent(r.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return e, nil
}

// ListDueEvents возвращает события, готовые к доставке. Событие пропускается, если у той же
// сущности есть более раннее недоставленное событие, время повтора которого ещё не наступило.
func (r *PostgresRepository) ListDueEvents(ctx context.Context, now time.Time, limit int) ([]model.OutboxEvent, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM outbox_events e
		 WHERE e.status IN ($1, $2) AND e.next_retry_at <= $3
		   AND NOT EXISTS (
		       SELECT 1 FROM outbox_events p
		       WHERE p.entity_id = e.entity_id
		         AND p.sequence_number < e.sequence_number
		         AND p.status IN ($1, $2)
		         AND p.next_retry_at > $3
		   )
		 ORDER BY e.created_at, e.sequence_number
		 LIMIT $4`,
		model.EventStatusPending, model.EventStatusFailed, now, limitOrAll(limit),
	)
}

// ListEventsByEntity возвращает события сущности в порядке последовательности.
func (r *PostgresRepository) ListEventsByEntity(ctx context.Context, entityID string) ([]model.OutboxEvent, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE entity_id = $1 ORDER BY sequence_number`,
		entityID,
	)
}

// ListEventsByStatus возвращает события с указанным статусом.
func (r *PostgresRepository) ListEventsByStatus(ctx context.Context, status model.EventStatus, limit int) ([]model.OutboxEvent, error) {
	return r.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		 WHERE status = $1
		 ORDER BY created_at, sequence_number
		 LIMIT $2`,
		status, limitOrAll(limit),
	)
}

// UpdateEventDelivery сохраняет результат попытки доставки события.
func (r *PostgresRepository) UpdateEventDelivery(ctx context.Context, e *model.OutboxEvent) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE outbox_events SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, sent_at = $6
		 WHERE id = $1`,
		e.ID, e.Status, e.RetryCount, e.NextRetryAt, e.LastError, e.SentAt,
	)
	if err != nil {
		return fmt.Errorf("update outbox event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Идемпотентность

// GetIdempotencyRecord возвращает закэшированный ответ.
func (r *PostgresRepository) GetIdempotencyRecord(ctx context.Context, actorID, keyHash string) (*model.IdempotencyRecord, error) {
	var (
		rec      model.IdempotencyRecord
		response []byte
	)
	err := r.q.QueryRow(ctx,
		`SELECT actor_id, key_hash, operation, response, status_code, created_at, expires_at
		 FROM idempotency_records
		 WHERE actor_id = $1 AND key_hash = $2`,
		actorID, keyHash,
	).Scan(&rec.ActorID, &rec.KeyHash, &rec.Operation, &response, &rec.StatusCode, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.Response = response
	return &rec, nil
}

// CreateIdempotencyRecord сохраняет ответ. Повторная вставка не прерывает транзакцию.
func (r *PostgresRepository) CreateIdempotencyRecord(ctx context.Context, rec *model.IdempotencyRecord) error {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO idempotency_records (actor_id, key_hash, operation, response, status_code, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (actor_id, key_hash) DO NOTHING`,
		rec.ActorID, rec.KeyHash, rec.Operation, []byte(rec.Response), rec.StatusCode, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyExists
	}
	return nil
}

// DeleteIdempotencyRecord удаляет закэшированный ответ.
func (r *PostgresRepository) DeleteIdempotencyRecord(ctx context.Context, actorID, keyHash string) error {
	_, err := r.q.Exec(ctx,
		`DELETE FROM idempotency_records WHERE actor_id = $1 AND key_hash = $2`,
		actorID, keyHash,
	)
	if err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotencyRecords удаляет истёкшие ответы и возвращает их количество.
func (r *PostgresRepository) PurgeExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Аудит

// AppendAudit добавляет запись в журнал аудита.
func (r *PostgresRepository) AppendAudit(ctx context.Context, a *model.AuditLog) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO audit_logs (id, actor_id, action, target_type, target_id, before, after, reason, correlation_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.ActorID, a.Action, a.TargetType, a.TargetID, nullJSON(a.Before), nullJSON(a.After),
		a.Reason, a.CorrelationID, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAuditByTarget возвращает записи аудита по объекту в хронологическом порядке.
func (r *PostgresRepository) ListAuditByTarget(ctx context.Context, targetType, targetID string) ([]model.AuditLog, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, actor_id, action, target_type, target_id, before, after, reason, correlation_id, created_at
		 FROM audit_logs
		 WHERE target_type = $1 AND target_id = $2
		 ORDER BY created_at`,
		targetType, targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("select audit logs: %w", err)
	}
	defer rows.Close()

	var res []model.AuditLog
	for rows.Next() {
		var (
			a             model.AuditLog
			before, after []byte
		)
		if err := rows.Scan(&a.ID, &a.ActorID, &a.Action, &a.TargetType, &a.TargetID, &before, &after,
			&a.Reason, &a.CorrelationID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		a.Before, a.After = before, after
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// Удалённое согласование

const approvalColumns = `request_id, short_id, user_id, approval_status, notification_ids,
	responded_by, responded_at, created_at, expires_at`

func scanApproval(row pgx.Row) (*model.PendingApprovalTracker, error) {
	var t model.PendingApprovalTracker
	err := row.Scan(&t.RequestID, &t.ShortID, &t.UserID, &t.ApprovalStatus, &t.NotificationIDs,
		&t.RespondedBy, &t.RespondedAt, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *PostgresRepository) queryApprovals(ctx context.Context, query string, args ...any) ([]model.PendingApprovalTracker, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select pending approvals: %w", err)
	}
	defer rows.Close()

	var res []model.PendingApprovalTracker
	for rows.Next() {
		t, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending approval: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreatePendingApproval сохраняет трекер согласования.
func (r *PostgresRepository) CreatePendingApproval(ctx context.Context, t *model.PendingApprovalTracker) error {
	ids := t.NotificationIDs
	if ids == nil {
		ids = []string{}
	}
	_, err := r.q.Exec(ctx,
		`INSERT INTO pending_approvals (`+approvalColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.RequestID, t.ShortID, t.UserID, t.ApprovalStatus, ids,
		t.RespondedBy, t.RespondedAt, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrApprovalExists
		}
		return fmt.Errorf("create pending approval: %w", err)
	}
	return nil
}

// GetPendingApproval возвращает трекер согласования заявки.
func (r *PostgresRepository) GetPendingApproval(ctx context.Context, requestID string) (*model.PendingApprovalTracker, error) {
	t, err := scanApproval(r.q.QueryRow(ctx, `SELECT `+approvalColumns+` FROM pending_approvals WHERE request_id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrApprovalNotFound
		}
		return nil, fmt.Errorf("get pending approval: %w", err)
	}
	return t, nil
}

// FindPendingApprovalsByShortID возвращает все трекеры с указанным коротким идентификатором.
func (r *PostgresRepository) FindPendingApprovalsByShortID(ctx context.Context, shortID string) ([]model.PendingApprovalTracker, error) {
	return r.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals WHERE short_id = $1 ORDER BY created_at`,
		shortID,
	)
}

// UpdatePendingApproval сохраняет состояние трекера.
func (r *PostgresRepository) UpdatePendingApproval(ctx context.Context, t *model.PendingApprovalTracker) error {
	ids := t.NotificationIDs
	if ids == nil {
		ids = []string{}
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE pending_approvals SET approval_status = $2, notification_ids = $3, responded_by = $4, responded_at = $5
		 WHERE request_id = $1`,
		t.RequestID, t.ApprovalStatus, ids, t.RespondedBy, t.RespondedAt,
	)
	if err != nil {
		return fmt.Errorf("update pending approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrApprovalNotFound
	}
	return nil
}

// ExpirePendingApproval закрывает просроченный трекер, если решение по нему ещё не записано.
func (r *PostgresRepository) ExpirePendingApproval(ctx context.Context, requestID string, now time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`UPDATE pending_approvals SET approval_status = $2
		 WHERE request_id = $1 AND approval_status = $3 AND expires_at <= $4`,
		requestID, model.ApprovalExpired, model.ApprovalPending, now,
	)
	if err != nil {
		return false, fmt.Errorf("expire pending approval: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListExpiredPendingApprovals возвращает незавершённые трекеры с истёкшим сроком.
func (r *PostgresRepository) ListExpiredPendingApprovals(ctx context.Context, now time.Time, limit int) ([]model.PendingApprovalTracker, error) {
	return r.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM pending_approvals
		 WHERE approval_status = $1 AND expires_at <= $2
		 ORDER BY expires_at
		 LIMIT $3`,
		model.ApprovalPending, now, limitOrAll(limit),
	)
}

// Уведомления

const notificationColumns = `id, request_id, phone, message, status, provider_message_id,
	retry_count, next_retry_at, last_error, created_at, sent_at`

func (r *PostgresRepository) queryNotifications(ctx context.Context, query string, args ...any) ([]model.WhatsAppNotification, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.WhatsAppNotification
	for rows.Next() {
		var n model.WhatsAppNotification
		if err := rows.Scan(&n.ID, &n.RequestID, &n.Phone, &n.Message, &n.Status, &n.ProviderMessageID,
			&n.RetryCount, &n.NextRetryAt, &n.LastError, &n.CreatedAt, &n.SentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateNotification сохраняет исходящее уведомление.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n *model.WhatsAppNotification) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO whatsapp_notifications (`+notificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ID, n.RequestID, n.Phone, n.Message, n.Status, n.ProviderMessageID,
		n.RetryCount, n.NextRetryAt, n.LastError, n.CreatedAt, n.SentAt,
	)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// UpdateNotification сохраняет результат отправки уведомления.
func (r *PostgresRepository) UpdateNotification(ctx context.Context, n *model.WhatsAppNotification) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE whatsapp_notifications SET status = $2, provider_message_id = $3, retry_count = $4,
		 next_retry_at = $5, last_error = $6, sent_at = $7
		 WHERE id = $1`,
		n.ID, n.Status, n.ProviderMessageID, n.RetryCount, n.NextRetryAt, n.LastError, n.SentAt,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// ListNotificationsForRetry возвращает уведомления, которые пора отправить повторно.
func (r *PostgresRepository) ListNotificationsForRetry(ctx context.Context, now time.Time, limit int) ([]model.WhatsAppNotification, error) {
	return r.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM whatsapp_notifications
		 WHERE status IN ($1, $2) AND next_retry_at <= $3
		 ORDER BY created_at
		 LIMIT $4`,
		model.NotificationPending, model.NotificationFailed, now, limitOrAll(limit),
	)
}

// ListNotificationsByRequest возвращает уведомления по заявке.
func (r *PostgresRepository) ListNotificationsByRequest(ctx context.Context, requestID string) ([]model.WhatsAppNotification, error) {
	return r.queryNotifications(ctx,
		`SELECT `+notificationColumns+` FROM whatsapp_notifications WHERE request_id = $1 ORDER BY created_at`,
		requestID,
	)
}

// Входящие сообщения

// CreateInboundMessage сохраняет входящее сообщение, если оно ещё не было получено.
func (r *PostgresRepository) CreateInboundMessage(ctx context.Context, m *model.WhatsAppInboundMessage) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO whatsapp_inbound_messages (id, from_phone, body, status, action, reason, request_id, received_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.From, m.Body, m.Status, m.Action, m.Reason, m.RequestID, m.ReceivedAt, m.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create inbound message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetInboundMessage возвращает входящее сообщение по идентификатору провайдера.
func (r *PostgresRepository) GetInboundMessage(ctx context.Context, id string) (*model.WhatsAppInboundMessage, error) {
	var m model.WhatsAppInboundMessage
	err := r.q.QueryRow(ctx,
		`SELECT id, from_phone, body, status, action, reason, request_id, received_at, processed_at
		 FROM whatsapp_inbound_messages WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.From, &m.Body, &m.Status, &m.Action, &m.Reason, &m.RequestID, &m.ReceivedAt, &m.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInboundNotFound
		}
		return nil, fmt.Errorf("get inbound message: %w", err)
	}
	return &m, nil
}

// UpdateInboundMessage сохраняет итог обработки входящего сообщения.
func (r *PostgresRepository) UpdateInboundMessage(ctx context.Context, m *model.WhatsAppInboundMessage) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE whatsapp_inbound_messages SET status = $2, action = $3, reason = $4, request_id = $5, processed_at = $6
		 WHERE id = $1`,
		m.ID, m.Status, m.Action, m.Reason, m.RequestID, m.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update inbound message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInboundNotFound
	}
	return nil
}

// Токены подтверждения

// CreateConfirmationToken сохраняет хеш токена подтверждения.
func (r *PostgresRepository) CreateConfirmationToken(ctx context.Context, t *model.ConfirmationToken) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO confirmation_tokens (token_hash, actor_id, purpose, target_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TokenHash, t.ActorID, t.Purpose, t.TargetID, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create confirmation token: %w", err)
	}
	return nil
}

// GetConfirmationToken возвращает токен по хешу.
func (r *PostgresRepository) GetConfirmationToken(ctx context.Context, tokenHash string) (*model.ConfirmationToken, error) {
	var t model.ConfirmationToken
	err := r.q.QueryRow(ctx,
		`SELECT token_hash, actor_id, purpose, target_id, created_at, expires_at
		 FROM confirmation_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&t.TokenHash, &t.ActorID, &t.Purpose, &t.TargetID, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("get confirmation token: %w", err)
	}
	return &t, nil
}

// DeleteConfirmationToken удаляет токен.
func (r *PostgresRepository) DeleteConfirmationToken(ctx context.Context, tokenHash string) error {
	_, err := r.q.Exec(ctx, `DELETE FROM confirmation_tokens WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("delete confirmation token: %w", err)
	}
	return nil
}
