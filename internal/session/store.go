package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store persists sessions keyed by appointment id. Get returns ErrSessionNotFound
// when nothing is stored.
type Store interface {
	Get(ctx context.Context, appointmentID uuid.UUID) (Session, error)
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, appointmentID uuid.UUID) error
}

// RedisStore keeps each session until its expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "session:"}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(id uuid.UUID) string {
	return s.prefix + id.String()
}

func (s *RedisStore) Get(ctx context.Context, appointmentID uuid.UUID) (Session, error) {
	raw, err := s.client.Get(ctx, s.key(appointmentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: load %s: %w", appointmentID, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, fmt.Errorf("session: decode %s: %w", appointmentID, err)
	}
	return sess, nil
}

func (s *RedisStore) Save(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", sess.AppointmentID, err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := s.client.Set(ctx, s.key(sess.AppointmentID), data, ttl).Err(); err != nil {
		return fmt.Errorf("session: save %s: %w", sess.AppointmentID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, appointmentID uuid.UUID) error {
	if err := s.client.Del(ctx, s.key(appointmentID)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", appointmentID, err)
	}
	return nil
}
