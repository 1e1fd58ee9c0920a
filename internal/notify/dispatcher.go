package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
	"github.com/hackgods/telehealth-booking/internal/metrics"
)

type DispatcherConfig struct {
	Attempts    int
	BaseDelay   time.Duration
	CallTimeout time.Duration
}

func (c *DispatcherConfig) setDefaults() {
	if c.Attempts < 1 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// Dispatcher sends one message per call and reports the outcome. It holds no
// appointment state and never fails the caller; failures are outcomes.
type Dispatcher struct {
	email   EmailGateway
	sms     SMSGateway
	cfg     DispatcherConfig
	metrics *metrics.BookingMetrics
	logger  *zap.Logger
}

func NewDispatcher(email EmailGateway, sms SMSGateway, cfg DispatcherConfig, m *metrics.BookingMetrics, logger *zap.Logger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		email:   email,
		sms:     sms,
		cfg:     cfg,
		metrics: m,
		logger:  logging.OrNop(logger),
	}
}

// Notify renders the template and delivers it over the requested channel,
// retrying transient gateway errors with exponential backoff.
func (d *Dispatcher) Notify(ctx context.Context, req Request) Outcome {
	out := d.notify(ctx, req)

	d.metrics.ObserveNotification(string(req.Event), string(req.Channel), string(req.Recipient), string(out.Status))
	fields := []zap.Field{
		zap.String("appointment_id", req.AppointmentID.String()),
		zap.String("event", string(req.Event)),
		zap.String("channel", string(req.Channel)),
		zap.String("recipient", string(req.Recipient)),
		zap.Int("attempts", out.Attempts),
	}
	if out.Status == StatusSent {
		d.logger.Info("notification sent", fields...)
	} else {
		d.logger.Warn("notification failed", append(fields, zap.String("reason", out.Reason))...)
	}
	return out
}

func (d *Dispatcher) notify(ctx context.Context, req Request) Outcome {
	tmpl := req.Template
	if tmpl == nil {
		tmpl = TemplateFor(req.Event)
	}
	if tmpl == nil {
		return Failed(fmt.Sprintf("no template for event %q", req.Event), 0)
	}

	data := req.Data
	data.Recipient = req.Recipient
	msg := tmpl(data)

	var send func(ctx context.Context) error
	switch req.Channel {
	case ChannelEmail:
		if req.Contact.Email == "" {
			return Failed("no email address", 0)
		}
		if d.email == nil {
			return Failed("email channel not configured", 0)
		}
		send = func(ctx context.Context) error {
			return d.email.Send(ctx, req.Contact.Email, msg.Subject, msg.HTML)
		}
	case ChannelSMS:
		if req.Contact.Phone == "" {
			return Failed("no phone number", 0)
		}
		if d.sms == nil {
			return Failed("sms channel not configured", 0)
		}
		send = func(ctx context.Context) error {
			return d.sms.Send(ctx, req.Contact.Phone, msg.SMS)
		}
	default:
		return Failed(fmt.Sprintf("unsupported channel %q", req.Channel), 0)
	}

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(d.cfg.Attempts-1), retry.NewExponential(d.cfg.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()

		err := send(callCtx)
		if err == nil || IsPermanent(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && attempts == 0 {
			return Failed("cancelled before send", 0)
		}
		return Failed(err.Error(), attempts)
	}
	return Sent(attempts)
}
