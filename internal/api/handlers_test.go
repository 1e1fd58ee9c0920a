package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/auth"
)

type fakeService struct {
	err       error
	gotToken  string
	gotReq    appointment.BookingRequest
	appt      *appointment.Appointment
	view      *appointment.StatusView
	events    []appointment.EventLog
	cancelled []uuid.UUID
}

func (f *fakeService) RequestBooking(_ context.Context, token string, req appointment.BookingRequest) (*appointment.Appointment, error) {
	f.gotToken, f.gotReq = token, req
	return f.appt, f.err
}

func (f *fakeService) ConfirmBooking(_ context.Context, token string, _ uuid.UUID) (*appointment.Appointment, error) {
	f.gotToken = token
	return f.appt, f.err
}

func (f *fakeService) Cancel(_ context.Context, token string, id uuid.UUID) (*appointment.Appointment, error) {
	f.gotToken = token
	f.cancelled = append(f.cancelled, id)
	return f.appt, f.err
}

func (f *fakeService) GetStatus(_ context.Context, token string, _ uuid.UUID) (*appointment.StatusView, error) {
	f.gotToken = token
	return f.view, f.err
}

func (f *fakeService) GetAuditLog(_ context.Context, token string, _ uuid.UUID) ([]appointment.EventLog, error) {
	f.gotToken = token
	return f.events, f.err
}

type fakeGate struct {
	actor auth.Actor
	err   error
	got   *auth.Resource
}

func (g *fakeGate) Authorize(_ context.Context, _ string, _ auth.Operation, target *auth.Resource) (auth.Actor, error) {
	g.got = target
	return g.actor, g.err
}

func newTestRouter(svc *fakeService, gate *fakeGate, pg, rd Pinger) http.Handler {
	return NewRouter(RouterConfig{
		Service:  svc,
		Gate:     gate,
		Postgres: pg,
		Redis:    rd,
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		Env:      "test",
		Version:  "v0",
	})
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleAppointment() *appointment.Appointment {
	room := "appt-1"
	return &appointment.Appointment{
		ID:              uuid.New(),
		PatientID:       uuid.New(),
		DoctorID:        uuid.New(),
		ScheduledAt:     time.Date(2030, 1, 2, 15, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		Status:          appointment.StatusProvisioned,
		RoomRef:         &room,
	}
}

func TestRequestBooking(t *testing.T) {
	appt := sampleAppointment()
	svc := &fakeService{appt: appt}
	h := newTestRouter(svc, &fakeGate{}, nil, nil)

	body := fmt.Sprintf(`{"patient_id":%q,"doctor_id":%q,"scheduled_at":"2030-01-02T15:00:00Z","duration_minutes":30}`,
		appt.PatientID, appt.DoctorID)
	rec := do(t, h, http.MethodPost, "/appointments", "tok", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "tok", svc.gotToken)
	assert.Equal(t, appt.DoctorID, svc.gotReq.DoctorID)
	assert.Equal(t, 30, svc.gotReq.DurationMinutes)
	assert.True(t, svc.gotReq.ScheduledAt.Equal(appt.ScheduledAt))

	var resp AppointmentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, appt.ID, resp.ID)
	assert.Equal(t, "provisioned", resp.Status)
	require.NotNil(t, resp.RoomRef)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestBooking_BadInput(t *testing.T) {
	h := newTestRouter(&fakeService{}, &fakeGate{}, nil, nil)

	rec := do(t, h, http.MethodPost, "/appointments", "tok", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/appointments", "tok", `{"patient_id":"x","doctor_id":"y"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "invalid_patient_id", resp.Error)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		name string
	}{
		{auth.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{fmt.Errorf("%w: not a participant", auth.ErrForbidden), http.StatusForbidden, "forbidden"},
		{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
		{fmt.Errorf("%w: bad duration", appointment.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{appointment.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
		{appointment.ErrTerminalState, http.StatusConflict, "terminal_state"},
		{fmt.Errorf("load: %w: %w", appointment.ErrStoreUnavailable, errors.New("reset")), http.StatusServiceUnavailable, "store_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&fakeService{err: tt.err}, &fakeGate{}, nil, nil)
			rec := do(t, h, http.MethodPost, "/appointments/"+uuid.NewString()+"/cancel", "tok", "")
			assert.Equal(t, tt.code, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.name, resp.Error)
		})
	}
}

func TestBearerToken(t *testing.T) {
	svc := &fakeService{appt: sampleAppointment()}
	h := newTestRouter(svc, &fakeGate{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/appointments/"+uuid.NewString()+"/confirm", nil)
	req.Header.Set("Authorization", "Basic abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, svc.gotToken)

	rec := do(t, h, http.MethodPost, "/appointments/"+uuid.NewString()+"/confirm", "abc.def", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc.def", svc.gotToken)
}

func TestInvalidAppointmentID(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, &fakeGate{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/appointments/not-a-uuid", "tok", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.gotToken)
}

func TestGetStatus(t *testing.T) {
	appt := sampleAppointment()
	svc := &fakeService{view: &appointment.StatusView{
		Appointment: *appt,
		Receipts: []appointment.Receipt{
			{AppointmentID: appt.ID, Event: "confirmed", Channel: "email", Recipient: "patient", Status: "failed", Reason: "no email address"},
		},
		Join: &appointment.JoinInfo{RoomID: "appt-1", JoinURL: "https://video.test/appt-1", Token: "tok-patient"},
	}}
	h := newTestRouter(svc, &fakeGate{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/appointments/"+appt.ID.String(), "tok", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, appt.ID, resp.ID)
	require.Len(t, resp.Receipts, 1)
	assert.Equal(t, "no email address", resp.Receipts[0].Reason)
	require.NotNil(t, resp.Join)
	assert.Equal(t, "tok-patient", resp.Join.Token)
}

func TestAuditLog(t *testing.T) {
	id := uuid.New()
	svc := &fakeService{events: []appointment.EventLog{
		{ID: 1, EventType: appointment.EventAppointmentRequested, AppointmentID: &id, Payload: []byte(`{"doctor_id":"d"}`)},
	}}
	h := newTestRouter(svc, &fakeGate{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/appointments/"+id.String()+"/audit", "tok", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []AuditEntryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, appointment.EventAppointmentRequested, resp[0].EventType)
	assert.JSONEq(t, `{"doctor_id":"d"}`, string(resp[0].Payload))
}

func TestAreaHandler(t *testing.T) {
	actor := auth.Actor{ID: uuid.New(), Role: auth.RoleDoctor}
	gate := &fakeGate{actor: actor}
	h := newTestRouter(&fakeService{}, gate, nil, nil)

	rec := do(t, h, http.MethodGet, "/areas/doctor", "tok", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gate.got)
	assert.Equal(t, auth.RoleDoctor, gate.got.Area)

	rec = do(t, h, http.MethodGet, "/areas/janitor", "tok", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	gate.err = auth.ErrForbidden
	rec = do(t, h, http.MethodGet, "/areas/admin", "tok", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	up := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name   string
		pg, rd Pinger
		code   int
		status string
	}{
		{"all up", up, up, http.StatusOK, "ok"},
		{"redis down", up, down, http.StatusOK, "degraded"},
		{"postgres down", down, up, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(&fakeService{}, &fakeGate{}, tt.pg, tt.rd)
			rec := do(t, h, http.MethodGet, "/health/ready", "", "")
			assert.Equal(t, tt.code, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.status, resp.Status)
		})
	}

	h := newTestRouter(&fakeService{}, &fakeGate{}, nil, nil)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/live", "", "").Code)
	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}
