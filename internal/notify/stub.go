package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
)

// StubEmailGateway logs instead of sending. Used when EMAIL_PROVIDER=stub.
type StubEmailGateway struct {
	logger *zap.Logger
}

func NewStubEmailGateway(logger *zap.Logger) *StubEmailGateway {
	return &StubEmailGateway{logger: logging.OrNop(logger)}
}

func (s *StubEmailGateway) Send(_ context.Context, to, subject, _ string) error {
	s.logger.Info("stub email gateway: would send email", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// StubSMSGateway logs instead of sending. Used when SMS_PROVIDER=stub.
type StubSMSGateway struct {
	logger *zap.Logger
}

func NewStubSMSGateway(logger *zap.Logger) *StubSMSGateway {
	return &StubSMSGateway{logger: logging.OrNop(logger)}
}

func (s *StubSMSGateway) Send(_ context.Context, to, message string) error {
	s.logger.Info("stub sms gateway: would send sms", zap.String("to", to), zap.Int("length", len(message)))
	return nil
}
