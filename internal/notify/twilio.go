package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

var twilioTracer = otel.Tracer("telehealth.internal.notify.twilio")

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
	HTTPClient *http.Client
}

// TwilioGateway posts SMS messages using Twilio's REST API. It makes a single
// request per Send; retries belong to the dispatcher.
type TwilioGateway struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTwilioGateway(cfg TwilioConfig, logger *zap.Logger) (*TwilioGateway, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("notify: twilio credentials missing")
	}
	if cfg.From == "" {
		return nil, errors.New("notify: twilio from number required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTwilioBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwilioGateway{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logging.OrNop(logger),
	}, nil
}

var _ SMSGateway = (*TwilioGateway)(nil)

func (t *TwilioGateway) Send(ctx context.Context, to, message string) error {
	if strings.TrimSpace(message) == "" {
		return Permanent(errors.New("notify: sms body required"))
	}

	ctx, span := twilioTracer.Start(ctx, "notify.twilio.send")
	defer span.End()

	payload := url.Values{}
	payload.Set("To", to)
	payload.Set("From", t.from)
	payload.Set("Body", message)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, url.PathEscape(t.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
	if err != nil {
		return fmt.Errorf("notify: build twilio request: %w", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return fmt.Errorf("notify: twilio send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			SID string `json:"sid"`
		}
		_ = json.Unmarshal(body, &parsed)
		t.logger.Debug("twilio sms sent", zap.String("sid", parsed.SID))
		return nil
	}

	err = fmt.Errorf("notify: twilio send failed: %s", formatTwilioError(resp.StatusCode, body))
	span.RecordError(err)
	span.SetStatus(codes.Error, "twilio error")
	// non-rate-limit 4xx will not succeed on retry
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

func formatTwilioError(status int, body []byte) string {
	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Sprintf("status %d code %d: %s", status, apiErr.Code, apiErr.Message)
	}
	return fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
}
