package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"

	"skyreach/models"
)

// TokenStore hands out dispatch tokens keyed by (enrollment, step). Exactly
// one caller wins the token, so duplicate dispatches of the same step are
// rejected even across scheduler replicas.
type TokenStore interface {
	// Acquire returns true when the caller won the token.
	Acquire(ctx context.Context, enrollmentID uint, step int, token string) (bool, error)
	// Release frees the token so a failed dispatch can be retried.
	Release(ctx context.Context, enrollmentID uint, step int) error
}

// Tokens only guard the dispatch race window; the Delivered SendAttempt is
// the durable record, so redis keys can expire.
const redisTokenTTL = 30 * 24 * time.Hour

// RedisTokenStore implements TokenStore with SETNX against a shared redis.
type RedisTokenStore struct {
	client *redis.Client
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func tokenKey(enrollmentID uint, step int) string {
	return fmt.Sprintf("dispatch:%d:%d", enrollmentID, step)
}

func (s *RedisTokenStore) Acquire(ctx context.Context, enrollmentID uint, step int, token string) (bool, error) {
	return s.client.SetNX(ctx, tokenKey(enrollmentID, step), token, redisTokenTTL).Result()
}

func (s *RedisTokenStore) Release(ctx context.Context, enrollmentID uint, step int) error {
	return s.client.Del(ctx, tokenKey(enrollmentID, step)).Err()
}

// GormTokenStore is the single-store fallback: the unique index on
// (enrollment_id, step_position) makes the losing insert fail.
type GormTokenStore struct {
	db *gorm.DB
}

func NewGormTokenStore(db *gorm.DB) *GormTokenStore {
	return &GormTokenStore{db: db}
}

func (s *GormTokenStore) Acquire(ctx context.Context, enrollmentID uint, step int, token string) (bool, error) {
	err := s.db.WithContext(ctx).Create(&models.DispatchToken{
		EnrollmentID: enrollmentID,
		StepPosition: step,
		Token:        token,
	}).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

func (s *GormTokenStore) Release(ctx context.Context, enrollmentID uint, step int) error {
	return s.db.WithContext(ctx).
		Unscoped().
		Where("enrollment_id = ? AND step_position = ?", enrollmentID, step).
		Delete(&models.DispatchToken{}).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
