package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrNotificationFailed = errors.New("notification failed")

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

type Recipient string

const (
	RecipientPatient Recipient = "patient"
	RecipientDoctor  Recipient = "doctor"
)

// Event names the appointment occurrence a message is about. Receipts are
// keyed by (event, channel, recipient).
type Event string

const (
	EventConfirmed Event = "confirmed"
	EventCancelled Event = "cancelled"
	EventFailed    Event = "failed"
)

var (
	Channels   = []Channel{ChannelEmail, ChannelSMS}
	Recipients = []Recipient{RecipientPatient, RecipientDoctor}
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Outcome is the terminal result of one send, recorded as a receipt.
type Outcome struct {
	Status   Status
	Reason   string
	Attempts int
}

func Sent(attempts int) Outcome {
	return Outcome{Status: StatusSent, Attempts: attempts}
}

func Failed(reason string, attempts int) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason, Attempts: attempts}
}

// Err returns nil for a sent outcome and an ErrNotificationFailed wrap otherwise.
func (o Outcome) Err() error {
	if o.Status == StatusSent {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotificationFailed, o.Reason)
}

// Contact is where a recipient can be reached. Either address may be empty.
type Contact struct {
	Name  string
	Email string
	Phone string
}

type EmailGateway interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type SMSGateway interface {
	Send(ctx context.Context, to, message string) error
}

// Request describes one (channel, recipient) send for an appointment event.
type Request struct {
	AppointmentID uuid.UUID
	Event         Event
	Channel       Channel
	Recipient     Recipient
	Contact       Contact
	Template      Template // nil selects TemplateFor(Event)
	Data          Data
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a gateway error as not worth retrying (bad address,
// rejected content, auth failure).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var perr *permanentError
	return errors.As(err, &perr)
}
