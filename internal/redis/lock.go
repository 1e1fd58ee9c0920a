package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// Locker guards critical sections that must be serialized across processes:
// slot reservation in the booking service and room creation in the provisioner.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// SlotKey names the lock for a (doctor, start time) slot.
func SlotKey(doctorID uuid.UUID, scheduledAt time.Time) string {
	return fmt.Sprintf("lock:slot:%s:%d", doctorID.String(), scheduledAt.UTC().Unix())
}

// SessionKey names the lock held while a room is provisioned for an appointment.
func SessionKey(appointmentID uuid.UUID) string {
	return fmt.Sprintf("lock:session:%s", appointmentID.String())
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLocker creates a locker that holds one Redis key per critical section
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *zap.Logger) Locker {
	return &redisLocker{
		client: client,
		ttl:    ttl,
		logger: logging.OrNop(logger),
	}
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// release must run even when the caller's ctx is already done;
		// a failed release leaves the key to expire after ttl
		if err := l.release(context.WithoutCancel(ctx), key, token); err != nil {
			l.logger.Warn("failed to release lock",
				zap.String("lock_key", key),
				zap.Duration("expires_in", l.ttl),
				zap.Error(err),
			)
		}
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
