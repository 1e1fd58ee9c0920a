package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-booking/internal/auth"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	"github.com/hackgods/telehealth-booking/internal/notify"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
	"github.com/hackgods/telehealth-booking/internal/session"
)

// memRepo mirrors the Postgres schema rules: the partial unique slot index,
// conditional status updates and the room_ref check constraint.
type memRepo struct {
	mu         sync.Mutex
	appts      map[uuid.UUID]*Appointment
	receipts   map[string]Receipt
	contacts   map[uuid.UUID]Contact
	events     []EventLog
	violations []string

	getErr   error
	getCalls int
	hang     bool // GetAppointmentByID blocks until its ctx is done

	calls      int
	noDeadline int
}

// track counts calls made without a deadline. Callers hold r.mu.
func (r *memRepo) track(ctx context.Context) {
	r.calls++
	if _, ok := ctx.Deadline(); !ok {
		r.noDeadline++
	}
}

func newMemRepo() *memRepo {
	return &memRepo{
		appts:    make(map[uuid.UUID]*Appointment),
		receipts: make(map[string]Receipt),
		contacts: make(map[uuid.UUID]Contact),
	}
}

func (r *memRepo) activeForSlot(doctorID uuid.UUID, at time.Time) *Appointment {
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.ScheduledAt.Equal(at) && !a.Status.Terminal() {
			return a
		}
	}
	return nil
}

func (r *memRepo) CreateRequested(ctx context.Context, req BookingRequest) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	if r.activeForSlot(req.DoctorID, req.ScheduledAt) != nil {
		return nil, ErrSlotConflict
	}
	now := time.Now()
	a := &Appointment{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Status:          StatusRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.appts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (r *memRepo) GetActiveAppointmentForSlot(ctx context.Context, doctorID uuid.UUID, at time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	a := r.activeForSlot(doctorID, at)
	if a == nil {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	r.track(ctx)
	r.getCalls++
	hang := r.hang
	r.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, roomRef *string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return nil, ErrStatusChanged
	}
	if to.HoldsRoom() != (roomRef != nil) {
		r.violations = append(r.violations, fmt.Sprintf("%s: %s with room_ref=%v", id, to, roomRef))
		return nil, errors.New("violates check constraint room_ref_matches_status")
	}
	a.Status = to
	a.RoomRef = roomRef
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memRepo) FindStalled(ctx context.Context, statuses []Status, before time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	var out []Appointment
	for _, a := range r.appts {
		for _, s := range statuses {
			if a.Status == s && a.UpdatedAt.Before(before) {
				out = append(out, *a)
			}
		}
	}
	return out, nil
}

func receiptKey(id uuid.UUID, e notify.Event, c notify.Channel, rc notify.Recipient) string {
	return fmt.Sprintf("%s/%s/%s/%s", id, e, c, rc)
}

func (r *memRepo) UpsertReceipt(ctx context.Context, rc Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	rc.UpdatedAt = time.Now()
	r.receipts[receiptKey(rc.AppointmentID, rc.Event, rc.Channel, rc.Recipient)] = rc
	return nil
}

func (r *memRepo) ListReceipts(ctx context.Context, id uuid.UUID) ([]Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	var out []Receipt
	for _, rc := range r.receipts {
		if rc.AppointmentID == id {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return receiptKey(id, out[i].Event, out[i].Channel, out[i].Recipient) <
			receiptKey(id, out[j].Event, out[j].Channel, out[j].Recipient)
	})
	return out, nil
}

func (r *memRepo) GetContact(ctx context.Context, id uuid.UUID) (*Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	c, ok := r.contacts[id]
	if !ok {
		return nil, ErrContactNotFound
	}
	return &c, nil
}

func (r *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

func (r *memRepo) ListEvents(ctx context.Context, id uuid.UUID) ([]EventLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.track(ctx)
	var out []EventLog
	for _, ev := range r.events {
		if ev.AppointmentID != nil && *ev.AppointmentID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memRepo) seed(a Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appts[a.ID] = &a
}

// seedReceipt stores rc as given, keeping its UpdatedAt.
func (r *memRepo) seedReceipt(rc Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts[receiptKey(rc.AppointmentID, rc.Event, rc.Channel, rc.Recipient)] = rc
}

func (r *memRepo) setHang(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hang = v
}

func (r *memRepo) deadlineStats() (calls, withoutDeadline int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.noDeadline
}

func (r *memRepo) get(id uuid.UUID) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.appts[id]
}

// receiptsFor returns status by "event/channel/recipient".
func (r *memRepo) receiptsFor(id uuid.UUID) map[string]Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Receipt)
	for _, rc := range r.receipts {
		if rc.AppointmentID == id {
			out[fmt.Sprintf("%s/%s/%s", rc.Event, rc.Channel, rc.Recipient)] = rc
		}
	}
	return out
}

func (r *memRepo) eventTypes(id uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.AppointmentID != nil && *ev.AppointmentID == id {
			out = append(out, ev.EventType)
		}
	}
	return out
}

type fakeVideo struct {
	mu        sync.Mutex
	createErr error
	release   chan struct{} // when set, CreateRoom blocks until closed
	created   []string
	deleted   []string
}

func (f *fakeVideo) CreateRoom(ctx context.Context, cfg session.RoomConfig) (session.Room, error) {
	f.mu.Lock()
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return session.Room{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return session.Room{}, f.createErr
	}
	f.created = append(f.created, cfg.Name)
	return session.Room{ID: cfg.Name, JoinURL: "https://video.test/" + cfg.Name}, nil
}

func (f *fakeVideo) CreateToken(_ context.Context, roomID string, p session.Participant, _ time.Time) (string, error) {
	return fmt.Sprintf("tok-%s-%s", p, roomID), nil
}

func (f *fakeVideo) DeleteRoom(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, roomID)
	return nil
}

func (f *fakeVideo) deletedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeGateway struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (g *fakeGateway) deliver(to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.sent = append(g.sent, to)
	return nil
}

func (g *fakeGateway) sentTo() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

type fakeEmail struct{ fakeGateway }

func (g *fakeEmail) Send(_ context.Context, to, _, _ string) error { return g.deliver(to) }

type fakeSMS struct{ fakeGateway }

func (g *fakeSMS) Send(_ context.Context, to, _ string) error { return g.deliver(to) }

type busyLocker struct {
	mu    sync.Mutex
	calls int
}

func (l *busyLocker) WithLock(context.Context, string, func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return redisclient.ErrLockNotAcquired
}

type brokenLocker struct{}

func (brokenLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return errors.New("acquire lock: dial tcp: connection refused")
}

const (
	testSecret = "booking-secret"
	testIssuer = "telehealth"
)

type testEnv struct {
	svc   *Service
	repo  *memRepo
	video *fakeVideo
	email *fakeEmail
	sms   *fakeSMS

	patient auth.Actor
	doctor  auth.Actor
	admin   auth.Actor
}

type envOption func(*envSetup)

type envSetup struct {
	locker      redisclient.Locker
	callTimeout time.Duration
}

func withLocker(l redisclient.Locker) envOption {
	return func(s *envSetup) { s.locker = l }
}

func withCallTimeout(d time.Duration) envOption {
	return func(s *envSetup) { s.callTimeout = d }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	setup := envSetup{
		locker:      redisclient.NewRedisLocker(client, 5*time.Second, nil),
		callTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&setup)
	}

	e := &testEnv{
		repo:    newMemRepo(),
		video:   &fakeVideo{},
		email:   &fakeEmail{},
		sms:     &fakeSMS{},
		patient: auth.Actor{ID: uuid.New(), Role: auth.RolePatient},
		doctor:  auth.Actor{ID: uuid.New(), Role: auth.RoleDoctor},
		admin:   auth.Actor{ID: uuid.New(), Role: auth.RoleAdmin},
	}
	e.addContact(e.patient, "Pat Jones", "pat@example.com", "+15550001")
	e.addContact(e.doctor, "Lee", "lee@clinic.test", "+15550002")

	m := metrics.NewBookingMetrics("test", prometheus.NewRegistry())
	provisioner := session.NewProvisioner(
		e.video,
		session.NewRedisStore(client),
		redisclient.NewRedisLocker(client, 5*time.Second, nil),
		session.ProvisionerConfig{GraceBuffer: 10 * time.Minute, Attempts: 3, BaseDelay: time.Millisecond, CallTimeout: 2 * time.Second},
		m, nil,
	)
	dispatcher := notify.NewDispatcher(e.email, e.sms, notify.DispatcherConfig{
		Attempts:    3,
		BaseDelay:   time.Millisecond,
		CallTimeout: time.Second,
	}, m, nil)
	gate := auth.NewGate(auth.NewJWTResolver(testSecret, testIssuer), nil)

	cfg := config.Config{
		LockRetryDelay: 5 * time.Millisecond,
		CallTimeout:    setup.callTimeout,
		Retry:          config.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond},
		PublicBaseURL:  "https://app.test",
	}
	e.svc = NewService(e.repo, setup.locker, gate, provisioner, dispatcher, cfg, m, nil)
	t.Cleanup(e.svc.Wait)
	return e
}

func (e *testEnv) addContact(a auth.Actor, name, email, phone string) {
	e.repo.mu.Lock()
	defer e.repo.mu.Unlock()
	e.repo.contacts[a.ID] = Contact{ID: a.ID, Role: a.Role, Name: name, Email: email, Phone: phone}
}

func (e *testEnv) token(t *testing.T, a auth.Actor) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, testIssuer, a, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) booking() BookingRequest {
	return BookingRequest{
		PatientID:       e.patient.ID,
		DoctorID:        e.doctor.ID,
		ScheduledAt:     time.Now().Add(48 * time.Hour).Truncate(time.Minute),
		DurationMinutes: 30,
	}
}

// book runs RequestBooking as the env's patient and waits for the fan-out.
func (e *testEnv) book(t *testing.T) Appointment {
	t.Helper()
	appt, err := e.svc.RequestBooking(context.Background(), e.token(t, e.patient), e.booking())
	require.NoError(t, err)
	e.svc.Wait()
	return e.repo.get(appt.ID)
}
