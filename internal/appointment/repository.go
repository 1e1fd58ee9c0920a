package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrContactNotFound         = errors.New("contact not found")
	ErrSlotConflict            = errors.New("slot already held by an active appointment")
	ErrStatusChanged           = errors.New("appointment status changed concurrently")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrTerminalState           = errors.New("appointment is in a terminal state")
	ErrInvalidRequest          = errors.New("invalid booking request")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// CreateRequested inserts a Requested appointment. A unique-slot violation
	// is reported as ErrSlotConflict.
	CreateRequested(ctx context.Context, req BookingRequest) (*Appointment, error)
	GetActiveAppointmentForSlot(ctx context.Context, doctorID uuid.UUID, scheduledAt time.Time) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// UpdateStatus moves an appointment from one status to another and sets
	// room_ref, only if the row is still in from. Otherwise ErrStatusChanged.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, roomRef *string) (*Appointment, error)

	// Reconciler
	FindStalled(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]Appointment, error)

	UpsertReceipt(ctx context.Context, r Receipt) error
	ListReceipts(ctx context.Context, appointmentID uuid.UUID) ([]Receipt, error)

	GetContact(ctx context.Context, id uuid.UUID) (*Contact, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
	ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error)
}
