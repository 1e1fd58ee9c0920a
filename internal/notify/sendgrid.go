package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
)

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// SendGridGateway sends email through the SendGrid v3 API.
type SendGridGateway struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *zap.Logger
}

func NewSendGridGateway(cfg SendGridConfig, logger *zap.Logger) (*SendGridGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("notify: sendgrid API key is required")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("notify: sendgrid from address is required")
	}
	if cfg.FromName == "" {
		cfg.FromName = "Telehealth"
	}
	return &SendGridGateway{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logging.OrNop(logger),
	}, nil
}

var _ EmailGateway = (*SendGridGateway)(nil)

func (s *SendGridGateway) Send(ctx context.Context, to, subject, htmlBody string) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	message := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), plainText(htmlBody), htmlBody)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}

	if response.StatusCode >= 400 {
		s.logger.Warn("sendgrid returned error status", zap.Int("status", response.StatusCode), zap.String("body", response.Body))
		err := fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
		if response.StatusCode < 500 && response.StatusCode != http.StatusTooManyRequests {
			return Permanent(err)
		}
		return err
	}

	s.logger.Debug("email sent via sendgrid", zap.String("subject", subject), zap.Int("status", response.StatusCode))
	return nil
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	blankPattern = regexp.MustCompile(`\n\s*\n+`)
)

// plainText is the text/plain alternative for an HTML body.
func plainText(body string) string {
	text := tagPattern.ReplaceAllString(body, "")
	text = html.UnescapeString(text)
	text = blankPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
