package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
)

// SESAPI is the subset of the SES v2 client the gateway uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESConfig struct {
	FromEmail string
	FromName  string
}

// SESGateway sends email through AWS SES.
type SESGateway struct {
	client    SESAPI
	fromEmail string
	fromName  string
	logger    *zap.Logger
}

func NewSESGateway(client SESAPI, cfg SESConfig, logger *zap.Logger) (*SESGateway, error) {
	if client == nil {
		return nil, errors.New("notify: SES client is required")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("notify: SES from address is required")
	}
	if cfg.FromName == "" {
		cfg.FromName = "Telehealth"
	}
	return &SESGateway{
		client:    client,
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logging.OrNop(logger),
	}, nil
}

var _ EmailGateway = (*SESGateway)(nil)

func (s *SESGateway) Send(ctx context.Context, to, subject, htmlBody string) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Html: &types.Content{
						Data:    aws.String(htmlBody),
						Charset: aws.String("UTF-8"),
					},
					Text: &types.Content{
						Data:    aws.String(plainText(htmlBody)),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	output, err := s.client.SendEmail(ctx, input)
	if err != nil {
		err = fmt.Errorf("notify: SES send: %w", err)
		var rejected *types.MessageRejected
		var badRequest *types.BadRequestException
		if errors.As(err, &rejected) || errors.As(err, &badRequest) {
			return Permanent(err)
		}
		return err
	}

	s.logger.Debug("email sent via SES", zap.String("subject", subject), zap.String("message_id", aws.ToString(output.MessageId)))
	return nil
}
