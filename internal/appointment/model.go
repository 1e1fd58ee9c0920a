package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-booking/internal/auth"
	"github.com/hackgods/telehealth-booking/internal/notify"
)

type Status string

const (
	StatusRequested   Status = "requested"
	StatusConfirmed   Status = "confirmed"
	StatusProvisioned Status = "provisioned"
	StatusNotified    Status = "notified"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

// Terminal states are never left again.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusFailed
}

// HoldsRoom reports whether an appointment in this state must carry a room ref.
func (s Status) HoldsRoom() bool {
	return s == StatusProvisioned || s == StatusNotified
}

var transitions = map[Status][]Status{
	StatusRequested:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed:   {StatusProvisioned, StatusFailed, StatusCancelled},
	StatusProvisioned: {StatusNotified, StatusFailed, StatusCancelled},
	StatusNotified:    {StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID              uuid.UUID
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
	Status          Status
	RoomRef         *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a Appointment) Duration() time.Duration {
	return time.Duration(a.DurationMinutes) * time.Minute
}

func (a Appointment) resource() *auth.Resource {
	return &auth.Resource{PatientID: a.PatientID, DoctorID: a.DoctorID}
}

// BookingRequest is the input to RequestBooking.
type BookingRequest struct {
	PatientID       uuid.UUID
	DoctorID        uuid.UUID
	ScheduledAt     time.Time
	DurationMinutes int
}

// Receipt is the recorded outcome of one (event, channel, recipient) send.
type Receipt struct {
	AppointmentID uuid.UUID
	Event         notify.Event
	Channel       notify.Channel
	Recipient     notify.Recipient
	Status        notify.Status
	Reason        string
	Attempts      int
	UpdatedAt     time.Time
}

// Contact is a directory entry for a patient or doctor.
type Contact struct {
	ID    uuid.UUID
	Role  auth.Role
	Name  string
	Email string
	Phone string
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// JoinInfo is what one participant needs to enter the video room.
type JoinInfo struct {
	RoomID    string
	JoinURL   string
	Token     string
	ExpiresAt time.Time
}

// StatusView is the read projection returned by GetStatus.
type StatusView struct {
	Appointment
	Receipts []Receipt
	Join     *JoinInfo
}
