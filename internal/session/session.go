package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrSessionNotFound    = errors.New("session not found")
)

// Participant is the role a token is minted for.
type Participant string

const (
	ParticipantPatient Participant = "patient"
	ParticipantDoctor  Participant = "doctor"
)

// Session is a provisioned room plus one time-scoped token per participant.
type Session struct {
	AppointmentID uuid.UUID              `json:"appointment_id"`
	RoomID        string                 `json:"room_id"`
	JoinURL       string                 `json:"join_url"`
	Tokens        map[Participant]string `json:"tokens"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

func (s Session) Live(now time.Time) bool {
	return s.RoomID != "" && now.Before(s.ExpiresAt)
}

func (s Session) TokenFor(p Participant) string {
	return s.Tokens[p]
}

// ProvisionRequest carries the appointment fields the room is scoped to.
type ProvisionRequest struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	DoctorID      uuid.UUID
	ScheduledAt   time.Time
	Duration      time.Duration
}

func (r ProvisionRequest) validate() error {
	var problems []string
	if r.AppointmentID == uuid.Nil {
		problems = append(problems, "appointment id required")
	}
	if r.ScheduledAt.IsZero() {
		problems = append(problems, "scheduled time required")
	}
	if r.Duration <= 0 {
		problems = append(problems, "duration must be positive")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ProvisioningError is returned once provisioning has given up.
// Transient is true when retries were exhausted on transient provider errors.
type ProvisioningError struct {
	Transient bool
	Attempts  int
	Err       error
}

func (e *ProvisioningError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provisioning failed (%s, %d attempts): %v", kind, e.Attempts, e.Err)
}

func (e *ProvisioningError) Unwrap() []error {
	return []error{ErrProvisioningFailed, e.Err}
}
