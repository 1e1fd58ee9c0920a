// Package bootstrap wires the booking service from configuration. The
// api-server and reconcile-worker share it so both drive the same fan-out.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/auth"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/logging"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	"github.com/hackgods/telehealth-booking/internal/notify"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
	"github.com/hackgods/telehealth-booking/internal/session"
)

// Runtime is the wired booking core.
type Runtime struct {
	Service *appointment.Service
	Gate    *auth.Gate
}

// Build assembles the repository, locks, role gate, provisioner and
// dispatcher around the given Postgres pool and Redis client.
func Build(ctx context.Context, cfg config.Config, pool appointment.DBTX, rdb *redis.Client, m *metrics.BookingMetrics, logger *zap.Logger) (*Runtime, error) {
	logger = logging.OrNop(logger)

	video, err := BuildVideoProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	email, err := BuildEmailGateway(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sms, err := BuildSMSGateway(cfg, logger)
	if err != nil {
		return nil, err
	}

	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL, logger)
	provisioner := session.NewProvisioner(video, session.NewRedisStore(rdb), locker, session.ProvisionerConfig{
		GraceBuffer:      cfg.Video.GraceBuffer,
		Attempts:         cfg.Retry.Attempts,
		BaseDelay:        cfg.Retry.BaseDelay,
		CallTimeout:      cfg.CallTimeout,
		LockWait:         time.Duration(cfg.Retry.Attempts) * cfg.LockTTL,
		EnableRecording:  cfg.Video.EnableRecording,
		EnableChat:       cfg.Video.EnableChat,
		BreakerThreshold: cfg.Video.BreakerThreshold,
		BreakerTimeout:   cfg.Video.BreakerTimeout,
	}, m, logger.Named("session"))

	dispatcher := notify.NewDispatcher(email, sms, notify.DispatcherConfig{
		Attempts:    cfg.Retry.Attempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		CallTimeout: cfg.CallTimeout,
	}, m, logger.Named("notify"))

	gate := auth.NewGate(auth.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer), logger.Named("auth"))

	svc := appointment.NewService(
		appointment.NewPgRepository(pool),
		locker,
		gate,
		provisioner,
		dispatcher,
		cfg,
		m,
		logger.Named("booking"),
	)
	return &Runtime{Service: svc, Gate: gate}, nil
}

// BuildVideoProvider returns the Daily client, or a local stub outside prod
// when no API key is configured.
func BuildVideoProvider(cfg config.Config, logger *zap.Logger) (session.VideoProvider, error) {
	logger = logging.OrNop(logger)
	if cfg.Video.APIKey == "" {
		if cfg.IsProd() {
			return nil, fmt.Errorf("bootstrap: VIDEO_API_KEY is required in prod")
		}
		logger.Warn("VIDEO_API_KEY not set, using stub video provider")
		return session.NewStubProvider("", logger.Named("video")), nil
	}
	client, err := session.NewDailyClient(session.DailyConfig{
		BaseURL: cfg.Video.BaseURL,
		APIKey:  cfg.Video.APIKey,
		Timeout: cfg.CallTimeout,
		Logger:  logger.Named("video"),
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: video provider: %w", err)
	}
	return client, nil
}

func BuildEmailGateway(ctx context.Context, cfg config.Config, logger *zap.Logger) (notify.EmailGateway, error) {
	logger = logging.OrNop(logger)
	switch cfg.EmailProvider {
	case "sendgrid":
		gw, err := notify.NewSendGridGateway(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFromAddress,
			FromName:  cfg.EmailFromName,
		}, logger.Named("sendgrid"))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: email gateway: %w", err)
		}
		return gw, nil
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		gw, err := notify.NewSESGateway(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.EmailFromAddress,
			FromName:  cfg.EmailFromName,
		}, logger.Named("ses"))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: email gateway: %w", err)
		}
		return gw, nil
	case "stub", "":
		return notify.NewStubEmailGateway(logger.Named("email")), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown EMAIL_PROVIDER %q", cfg.EmailProvider)
	}
}

func BuildSMSGateway(cfg config.Config, logger *zap.Logger) (notify.SMSGateway, error) {
	logger = logging.OrNop(logger)
	switch cfg.SMSProvider {
	case "twilio":
		gw, err := notify.NewTwilioGateway(notify.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFromNumber,
		}, logger.Named("twilio"))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: sms gateway: %w", err)
		}
		return gw, nil
	case "stub", "":
		return notify.NewStubSMSGateway(logger.Named("sms")), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown SMS_PROVIDER %q", cfg.SMSProvider)
	}
}
