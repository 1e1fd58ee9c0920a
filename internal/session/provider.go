package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"
)

// RoomConfig is the room requested from the video provider.
type RoomConfig struct {
	Name            string
	NotBefore       time.Time
	ExpiresAt       time.Time
	Private         bool
	EnableRecording bool
	EnableChat      bool
	MaxParticipants int
}

type Room struct {
	ID      string
	JoinURL string
}

// VideoProvider is the third-party room API.
type VideoProvider interface {
	CreateRoom(ctx context.Context, cfg RoomConfig) (Room, error)
	CreateToken(ctx context.Context, roomID string, participant Participant, expiresAt time.Time) (string, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// ProviderError is a non-2xx answer from the video provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("video provider status %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the request may succeed if retried.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTransient classifies provider call failures for retry purposes.
// Timeouts, network errors, 5xx, 429 and an open breaker are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
