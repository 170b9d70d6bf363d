// Package redis реализует хранилище идемпотентности поверх Redis.
// TTL записей обслуживает сам Redis, поэтому периодическая очистка
// здесь вырождается в no-op.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

const (
	keyPrefix = "checkout:idem:"
	opTimeout = 3 * time.Second
)

// storedRecord — сериализованное представление записи в Redis.
type storedRecord struct {
	RequestHash  string `json:"request_hash"`
	ResponseBody []byte `json:"response_body,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	Status       string `json:"status"`
	TTLAt        int64  `json:"ttl_at"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

type idempotencyRepository struct {
	client *redis.Client
}

// NewIdempotencyRepository создаёт Redis-реализацию IdempotencyRepository.
func NewIdempotencyRepository(client *redis.Client) domain.IdempotencyRepository {
	return &idempotencyRepository{client: client}
}

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func (r *idempotencyRepository) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)

	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}

	record := storedRecord{
		RequestHash: requestHash,
		Status:      string(domain.IdempotencyStatusProcessing),
		TTLAt:       ttlAt.UnixNano(),
		CreatedAt:   now.UnixNano(),
		UpdatedAt:   now.UnixNano(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("encode idempotency record: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	created, err := r.client.SetNX(ctx, keyPrefix+key, raw, time.Until(ttlAt)).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record: %w", err)
	}
	if !created {
		existing, getErr := r.Get(key)
		if getErr != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		if existing.RequestHash != requestHash {
			return existing, domain.ErrIdempotencyHashMismatch
		}
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	}

	return toDomainRecord(key, record), nil
}

func (r *idempotencyRepository) Get(key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	var record storedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}

	result := toDomainRecord(key, record)
	if !result.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", record.Status, key)
	}

	return result, nil
}

func (r *idempotencyRepository) MarkDone(key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(key string, responseBody []byte, httpStatus int) error {
	return r.markStatus(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// DeleteExpired — no-op: Redis удаляет просроченные ключи по своему TTL.
func (r *idempotencyRepository) DeleteExpired(_ time.Time, _ int) (int, error) {
	return 0, nil
}

func (r *idempotencyRepository) markStatus(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrIdempotencyKeyNotFound
		}
		return fmt.Errorf("load idempotency record: %w", err)
	}

	var record storedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("decode idempotency record: %w", err)
	}

	record.Status = string(status)
	record.ResponseBody = responseBody
	record.HTTPStatus = httpStatus
	record.UpdatedAt = time.Now().UTC().UnixNano()

	updated, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}

	// KeepTTL сохраняет исходный срок жизни записи.
	if err := r.client.Set(ctx, keyPrefix+key, updated, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("mark idempotency key status: %w", err)
	}

	return nil
}

func toDomainRecord(key string, record storedRecord) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          key,
		RequestHash:  record.RequestHash,
		ResponseBody: append([]byte(nil), record.ResponseBody...),
		HTTPStatus:   record.HTTPStatus,
		Status:       domain.IdempotencyStatus(record.Status),
		TTLAt:        time.Unix(0, record.TTLAt).UTC(),
		CreatedAt:    time.Unix(0, record.CreatedAt).UTC(),
		UpdatedAt:    time.Unix(0, record.UpdatedAt).UTC(),
	}
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
