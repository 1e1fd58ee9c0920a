package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hackgods/telehealth-booking/internal/auth"
	"github.com/hackgods/telehealth-booking/internal/notify"
)

// DBTX is the subset of *pgxpool.Pool the repository uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool DBTX
}

func NewPgRepository(pool DBTX) *PgRepository {
	return &PgRepository{pool: pool}
}

const uniqueViolation = "23505"

const appointmentColumns = `id, patient_id, doctor_id, scheduled_at, duration_minutes, status, room_ref, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	var roomRef *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&status,
		&roomRef,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = Status(status)
	a.RoomRef = roomRef
	return &a, nil
}

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var r Receipt
	var event, channel, recipient, status string
	var reason *string

	if err := row.Scan(&r.AppointmentID, &event, &channel, &recipient, &status, &reason, &r.Attempts, &r.UpdatedAt); err != nil {
		return nil, err
	}

	r.Event = notify.Event(event)
	r.Channel = notify.Channel(channel)
	r.Recipient = notify.Recipient(recipient)
	r.Status = notify.Status(status)
	if reason != nil {
		r.Reason = *reason
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Interface methods

func (r *PgRepository) CreateRequested(ctx context.Context, req BookingRequest) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, scheduled_at, duration_minutes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'requested', now(), now())
		RETURNING `+appointmentColumns,
		id, req.PatientID, req.DoctorID, req.ScheduledAt.UTC(), req.DurationMinutes)

	appt, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return appt, nil
}

func (r *PgRepository) GetActiveAppointmentForSlot(ctx context.Context, doctorID uuid.UUID, scheduledAt time.Time) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND scheduled_at = $2
		  AND status NOT IN ('cancelled', 'failed')
	`, doctorID, scheduledAt.UTC())
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, roomRef *string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    room_ref = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		RETURNING `+appointmentColumns,
		id, string(to), roomRef, string(from))

	appt, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStatusChanged
	}
	return appt, err
}

func (r *PgRepository) FindStalled(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]Appointment, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = ANY($1)
		  AND updated_at < $2
		ORDER BY updated_at
		LIMIT 100
	`, names, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpsertReceipt(ctx context.Context, rc Receipt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_receipts (appointment_id, event, channel, recipient, status, reason, attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (appointment_id, event, channel, recipient) DO UPDATE
		SET status = EXCLUDED.status,
		    reason = EXCLUDED.reason,
		    attempts = EXCLUDED.attempts,
		    updated_at = now()
	`, rc.AppointmentID, string(rc.Event), string(rc.Channel), string(rc.Recipient), string(rc.Status), nullableString(rc.Reason), rc.Attempts)
	if err != nil {
		return fmt.Errorf("upsert receipt: %w", err)
	}
	return nil
}

func (r *PgRepository) ListReceipts(ctx context.Context, appointmentID uuid.UUID) ([]Receipt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT appointment_id, event, channel, recipient, status, reason, attempts, updated_at
		FROM notification_receipts
		WHERE appointment_id = $1
		ORDER BY event, recipient, channel
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Receipt
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rc)
	}
	return result, rows.Err()
}

func (r *PgRepository) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	var c Contact
	var role string
	var email, phone *string

	err := r.pool.QueryRow(ctx, `
		SELECT id, role, name, email, phone
		FROM contacts
		WHERE id = $1
	`, id).Scan(&c.ID, &role, &c.Name, &email, &phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}

	c.Role = auth.Role(role)
	if email != nil {
		c.Email = *email
	}
	if phone != nil {
		c.Phone = *phone
	}
	return &c, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func (r *PgRepository) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, appointment_id, payload, created_at
		FROM event_logs
		WHERE appointment_id = $1
		ORDER BY id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []EventLog
	for rows.Next() {
		var ev EventLog
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AppointmentID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
