package auth

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Role string

const (
	RolePatient    Role = "patient"
	RoleDoctor     Role = "doctor"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// IsAdmin reports whether the role may act on any appointment.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Actor is resolved per operation and never cached.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type Operation string

const (
	OpRequestBooking Operation = "request_booking"
	OpConfirmBooking Operation = "confirm_booking"
	OpCancel         Operation = "cancel"
	OpViewStatus     Operation = "view_status"
	OpViewAudit      Operation = "view_audit"
	OpViewSettings   Operation = "view_settings"
)

// Resource describes what an operation targets. Owner fields are set for
// appointment operations, Area for settings-class operations.
type Resource struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Area      Role
}
