// Package idempotency хранит ответы на мутирующие команды, чтобы повторы с тем же ключом
// возвращали исходный результат без повторного выполнения.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/cardservice/internal/model"
	"github.com/mmeshcher/cardservice/internal/repository"
)

// DefaultTTL задаёт срок хранения ответа по умолчанию.
const DefaultTTL = 24 * time.Hour

// Records описывает хранилище закэшированных ответов.
type Records interface {
	GetIdempotencyRecord(ctx context.Context, actorID, keyHash string) (*model.IdempotencyRecord, error)
	CreateIdempotencyRecord(ctx context.Context, r *model.IdempotencyRecord) error
	DeleteIdempotencyRecord(ctx context.Context, actorID, keyHash string) error
}

// HashKey возвращает hex-представление SHA-256 от ключа клиента.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Cache читает и сохраняет ответы в области видимости пользователя.
type Cache struct {
	ttl time.Duration
}

// New создаёт кэш с указанным сроком хранения ответов.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl}
}

// TTL возвращает срок хранения ответов.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Lookup возвращает закэшированный ответ или nil, если его нет. Истёкшая запись удаляется.
func (c *Cache) Lookup(ctx context.Context, records Records, actorID, key string, now time.Time) (*model.IdempotencyRecord, error) {
	if key == "" {
		return nil, model.ValidationCode(model.CodeIdempotencyKeyMissing, "idempotency key is required")
	}
	hash := HashKey(key)

	rec, err := records.GetIdempotencyRecord(ctx, actorID, hash)
	if err != nil {
		if errors.Is(err, repository.ErrIdempotencyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup idempotency record: %w", err)
	}

	if rec.Expired(now) {
		if err := records.DeleteIdempotencyRecord(ctx, actorID, hash); err != nil {
			return nil, fmt.Errorf("delete expired idempotency record: %w", err)
		}
		return nil, nil
	}
	return rec, nil
}

// Store сохраняет ответ. Если запись с таким ключом уже есть, возвращается repository.ErrIdempotencyExists.
func (c *Cache) Store(ctx context.Context, records Records, actorID, key, operation string, statusCode int, response []byte, now time.Time) (*model.IdempotencyRecord, error) {
	if key == "" {
		return nil, model.ValidationCode(model.CodeIdempotencyKeyMissing, "idempotency key is required")
	}

	rec := &model.IdempotencyRecord{
		ActorID:    actorID,
		KeyHash:    HashKey(key),
		Operation:  operation,
		Response:   response,
		StatusCode: statusCode,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	}
	if err := records.CreateIdempotencyRecord(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrIdempotencyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("store idempotency record: %w", err)
	}
	return rec, nil
}
