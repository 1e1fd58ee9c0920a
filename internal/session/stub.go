package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
)

// StubProvider hands out local rooms without calling a video service.
// Used in dev when VIDEO_API_KEY is unset.
type StubProvider struct {
	baseURL string
	logger  *zap.Logger
}

func NewStubProvider(baseURL string, logger *zap.Logger) *StubProvider {
	if baseURL == "" {
		baseURL = "https://video.localhost"
	}
	return &StubProvider{baseURL: baseURL, logger: logging.OrNop(logger)}
}

var _ VideoProvider = (*StubProvider)(nil)

func (s *StubProvider) CreateRoom(_ context.Context, cfg RoomConfig) (Room, error) {
	s.logger.Info("stub video provider: created room", zap.String("room", cfg.Name), zap.Time("expires_at", cfg.ExpiresAt))
	return Room{ID: cfg.Name, JoinURL: s.baseURL + "/" + cfg.Name}, nil
}

func (s *StubProvider) CreateToken(_ context.Context, _ string, participant Participant, _ time.Time) (string, error) {
	return string(participant) + "-" + uuid.NewString(), nil
}

func (s *StubProvider) DeleteRoom(_ context.Context, roomID string) error {
	s.logger.Info("stub video provider: deleted room", zap.String("room", roomID))
	return nil
}
