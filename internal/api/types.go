package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-booking/internal/appointment"
)

type RequestBookingRequest struct {
	PatientID       string    `json:"patient_id"`
	DoctorID        string    `json:"doctor_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	RoomRef         *string   `json:"room_ref,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type ReceiptResponse struct {
	Event     string    `json:"event"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JoinResponse struct {
	RoomID    string    `json:"room_id"`
	JoinURL   string    `json:"join_url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type StatusResponse struct {
	AppointmentResponse
	Receipts []ReceiptResponse `json:"receipts"`
	Join     *JoinResponse     `json:"join,omitempty"`
}

type AuditEntryResponse struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type AreaResponse struct {
	Area    string    `json:"area"`
	ActorID uuid.UUID `json:"actor_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		PatientID:       a.PatientID,
		DoctorID:        a.DoctorID,
		ScheduledAt:     a.ScheduledAt,
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		RoomRef:         a.RoomRef,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toStatusResponse(v *appointment.StatusView) StatusResponse {
	resp := StatusResponse{
		AppointmentResponse: toAppointmentResponse(&v.Appointment),
		Receipts:            make([]ReceiptResponse, 0, len(v.Receipts)),
	}
	for _, rc := range v.Receipts {
		resp.Receipts = append(resp.Receipts, ReceiptResponse{
			Event:     string(rc.Event),
			Channel:   string(rc.Channel),
			Recipient: string(rc.Recipient),
			Status:    string(rc.Status),
			Reason:    rc.Reason,
			Attempts:  rc.Attempts,
			UpdatedAt: rc.UpdatedAt,
		})
	}
	if v.Join != nil {
		resp.Join = &JoinResponse{
			RoomID:    v.Join.RoomID,
			JoinURL:   v.Join.JoinURL,
			Token:     v.Join.Token,
			ExpiresAt: v.Join.ExpiresAt,
		}
	}
	return resp
}
