package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/auth"
	"github.com/hackgods/telehealth-booking/internal/config"
	"github.com/hackgods/telehealth-booking/internal/logging"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	"github.com/hackgods/telehealth-booking/internal/notify"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
	"github.com/hackgods/telehealth-booking/internal/session"
)

const (
	minDurationMinutes = 5
	maxDurationMinutes = 240
)

// Authorizer is the role gate every operation passes through.
type Authorizer interface {
	Authorize(ctx context.Context, token string, op auth.Operation, target *auth.Resource) (auth.Actor, error)
}

// SessionProvisioner owns video sessions. The service only stores the room ref.
type SessionProvisioner interface {
	Provision(ctx context.Context, req session.ProvisionRequest) (session.Session, error)
	Lookup(ctx context.Context, appointmentID uuid.UUID) (session.Session, error)
	Release(ctx context.Context, appointmentID uuid.UUID) error
}

type Notifier interface {
	Notify(ctx context.Context, req notify.Request) notify.Outcome
}

// Service is the booking coordinator and the only writer of appointment state.
type Service struct {
	repo        Repository
	locker      redisclient.Locker
	gate        Authorizer
	provisioner SessionProvisioner
	notifier    Notifier
	cfg         config.Config
	metrics     *metrics.BookingMetrics
	logger      *zap.Logger
	now         func() time.Time

	wg       sync.WaitGroup
	inflight sync.Map // appointment id -> struct{}, one fan-out per appointment per process
}

func NewService(
	repo Repository,
	locker redisclient.Locker,
	gate Authorizer,
	provisioner SessionProvisioner,
	notifier Notifier,
	cfg config.Config,
	m *metrics.BookingMetrics,
	logger *zap.Logger,
) *Service {
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 150 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Service{
		repo:        repo,
		locker:      locker,
		gate:        gate,
		provisioner: provisioner,
		notifier:    notifier,
		cfg:         cfg,
		metrics:     m,
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
}

// RequestBooking reserves the (doctor, time) slot for the calling patient and
// commits the appointment as Confirmed. Provisioning and notifications run
// in the background; the caller does not wait for them.
func (s *Service) RequestBooking(ctx context.Context, token string, req BookingRequest) (*Appointment, error) {
	if _, err := s.gate.Authorize(ctx, token, auth.OpRequestBooking, &auth.Resource{PatientID: req.PatientID}); err != nil {
		s.metrics.ObserveBooking(outcomeLabel(err))
		return nil, err
	}

	req.ScheduledAt = req.ScheduledAt.UTC().Truncate(time.Second)
	if err := s.validate(req); err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}

	appt, err := s.reserveSlot(ctx, req)
	if err != nil {
		s.metrics.ObserveBooking(outcomeLabel(err))
		return nil, err
	}

	s.metrics.ObserveBooking("confirmed")
	s.logger.Info("appointment confirmed",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("doctor_id", appt.DoctorID.String()),
		zap.Time("scheduled_at", appt.ScheduledAt),
	)

	s.startFanout(ctx, *appt)
	return appt, nil
}

func (s *Service) validate(req BookingRequest) error {
	var problems []string
	if req.PatientID == uuid.Nil {
		problems = append(problems, "patient id required")
	}
	if req.DoctorID == uuid.Nil {
		problems = append(problems, "doctor id required")
	}
	if req.PatientID == req.DoctorID {
		problems = append(problems, "doctor and patient must differ")
	}
	if req.DurationMinutes < minDurationMinutes || req.DurationMinutes > maxDurationMinutes {
		problems = append(problems, fmt.Sprintf("duration must be between %d and %d minutes", minDurationMinutes, maxDurationMinutes))
	}
	if !req.ScheduledAt.After(s.now()) {
		problems = append(problems, "scheduled time must be in the future")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// reserveSlot serializes reservation per slot with a distributed lock. A busy
// lock is retried once, then reported as a conflict. If Redis itself is down
// the unique slot index still guards the insert, so booking proceeds unlocked.
func (s *Service) reserveSlot(ctx context.Context, req BookingRequest) (*Appointment, error) {
	key := redisclient.SlotKey(req.DoctorID, req.ScheduledAt)

	for attempt := 0; attempt < 2; attempt++ {
		var (
			created *Appointment
			ran     bool
		)
		err := s.locker.WithLock(ctx, key, func(lockCtx context.Context) error {
			ran = true
			appt, err := s.createConfirmed(lockCtx, req)
			created = appt
			return err
		})

		switch {
		case err == nil:
			return created, nil
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			if attempt == 0 {
				if werr := sleep(ctx, s.cfg.LockRetryDelay); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, ErrSlotConflict
		case !ran:
			s.logger.Warn("slot lock unavailable, relying on unique slot index",
				zap.String("lock_key", key), zap.Error(err))
			return s.createConfirmed(ctx, req)
		default:
			return nil, err
		}
	}
	return nil, ErrSlotConflict
}

func (s *Service) createConfirmed(ctx context.Context, req BookingRequest) (*Appointment, error) {
	checkCtx, cancel := s.storeCtx(ctx)
	existing, err := s.repo.GetActiveAppointmentForSlot(checkCtx, req.DoctorID, req.ScheduledAt)
	cancel()
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, storeErr("check slot", err)
	}
	if existing != nil {
		return nil, ErrSlotConflict
	}

	createCtx, cancel := s.storeCtx(ctx)
	appt, err := s.repo.CreateRequested(createCtx, req)
	cancel()
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			return nil, err
		}
		return nil, storeErr("create appointment", err)
	}
	s.logEvent(ctx, appt.ID, EventAppointmentRequested, map[string]any{
		"patient_id":       appt.PatientID.String(),
		"doctor_id":        appt.DoctorID.String(),
		"scheduled_at":     appt.ScheduledAt,
		"duration_minutes": appt.DurationMinutes,
	})

	// commit point: the slot is reserved once this write lands
	return s.transition(ctx, appt, StatusConfirmed, nil)
}

// ConfirmBooking re-drives a Requested appointment into Confirmed and starts
// its fan-out. Appointments past Requested are returned unchanged.
func (s *Service) ConfirmBooking(ctx context.Context, token string, id uuid.UUID) (*Appointment, error) {
	appt, _, err := s.loadAuthorized(ctx, token, auth.OpConfirmBooking, id)
	if err != nil {
		return nil, err
	}

	if appt.Status != StatusRequested {
		return appt, nil
	}

	confirmed, err := s.transition(ctx, appt, StatusConfirmed, nil)
	if errors.Is(err, ErrStatusChanged) {
		return s.load(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	s.startFanout(ctx, *confirmed)
	return confirmed, nil
}

// Cancel moves the appointment to Cancelled from any non-terminal state.
// Cancelling a cancelled appointment succeeds without doing anything.
func (s *Service) Cancel(ctx context.Context, token string, id uuid.UUID) (*Appointment, error) {
	appt, actor, err := s.loadAuthorized(ctx, token, auth.OpCancel, id)
	if err != nil {
		return nil, err
	}

	// async transitions may land between our read and write; each lost race
	// moves the row forward, so this converges within the state count
	for range len(transitions) + 1 {
		switch appt.Status {
		case StatusCancelled:
			return appt, nil
		case StatusFailed:
			return nil, ErrTerminalState
		}

		cancelled, err := s.transition(ctx, appt, StatusCancelled, nil)
		if errors.Is(err, ErrStatusChanged) {
			if appt, err = s.load(ctx, id); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("appointment cancelled",
			zap.String("appointment_id", id.String()),
			zap.String("actor_id", actor.ID.String()),
			zap.String("from", string(appt.Status)),
		)
		s.afterCancel(ctx, *cancelled)
		return cancelled, nil
	}
	return nil, ErrStatusChanged
}

// GetStatus returns the appointment, its receipts and, for a participant of a
// provisioned appointment, that participant's own join token.
func (s *Service) GetStatus(ctx context.Context, token string, id uuid.UUID) (*StatusView, error) {
	appt, actor, err := s.loadAuthorized(ctx, token, auth.OpViewStatus, id)
	if err != nil {
		return nil, err
	}

	var receipts []Receipt
	err = s.withStoreRetry(ctx, "list receipts", func(ctx context.Context) error {
		var err error
		receipts, err = s.repo.ListReceipts(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	view := &StatusView{Appointment: *appt, Receipts: receipts}
	if !appt.Status.HoldsRoom() {
		return view, nil
	}

	participant, ok := participantFor(actor, *appt)
	if !ok {
		return view, nil
	}
	sess, err := s.provisioner.Lookup(ctx, id)
	if err != nil {
		s.logger.Warn("join info unavailable", zap.String("appointment_id", id.String()), zap.Error(err))
		return view, nil
	}
	view.Join = &JoinInfo{
		RoomID:    sess.RoomID,
		JoinURL:   sess.JoinURL,
		Token:     sess.TokenFor(participant),
		ExpiresAt: sess.ExpiresAt,
	}
	return view, nil
}

// GetAuditLog returns the appointment's event trail. Admins only.
func (s *Service) GetAuditLog(ctx context.Context, token string, id uuid.UUID) ([]EventLog, error) {
	if _, _, err := s.loadAuthorized(ctx, token, auth.OpViewAudit, id); err != nil {
		return nil, err
	}

	var events []EventLog
	err := s.withStoreRetry(ctx, "list events", func(ctx context.Context) error {
		var err error
		events, err = s.repo.ListEvents(ctx, id)
		return err
	})
	return events, err
}

// ReconcileStalled re-drives appointments that have not moved for longer
// than olderThan, e.g. after a crash between commit and fan-out. Requested and
// Confirmed rows restart the fan-out; Provisioned rows resume their
// confirmation notices. It is intended to be called by the worker periodically.
func (s *Service) ReconcileStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	findCtx, cancel := s.storeCtx(ctx)
	stalled, err := s.repo.FindStalled(findCtx, []Status{StatusRequested, StatusConfirmed, StatusProvisioned}, cutoff)
	cancel()
	if err != nil {
		return 0, storeErr("find stalled appointments", err)
	}

	redriven := 0
	for i := range stalled {
		appt := stalled[i]
		switch appt.Status {
		case StatusProvisioned:
			if s.resumeNotify(ctx, appt, cutoff) {
				redriven++
			}
			continue
		case StatusRequested:
			confirmed, err := s.transition(ctx, &appt, StatusConfirmed, nil)
			if err != nil {
				if !errors.Is(err, ErrStatusChanged) {
					s.logger.Warn("failed to confirm stalled appointment", zap.String("appointment_id", appt.ID.String()), zap.Error(err))
				}
				continue
			}
			appt = *confirmed
		}
		if s.startFanout(ctx, appt) {
			redriven++
		}
	}
	return redriven, nil
}

// Wait blocks until every background fan-out started by this service is done.
func (s *Service) Wait() {
	s.wg.Wait()
}

// loadAuthorized loads the target appointment and runs the gate against it.
// For an unknown id the token is still checked, so unauthenticated callers
// cannot probe which ids exist.
func (s *Service) loadAuthorized(ctx context.Context, token string, op auth.Operation, id uuid.UUID) (*Appointment, auth.Actor, error) {
	appt, err := s.load(ctx, id)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, aerr := s.gate.Authorize(ctx, token, op, &auth.Resource{}); errors.Is(aerr, auth.ErrUnauthenticated) {
			return nil, auth.Actor{}, aerr
		}
		return nil, auth.Actor{}, err
	}
	if err != nil {
		return nil, auth.Actor{}, err
	}

	actor, err := s.gate.Authorize(ctx, token, op, appt.resource())
	if err != nil {
		return nil, auth.Actor{}, err
	}
	return appt, actor, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var appt *Appointment
	err := s.withStoreRetry(ctx, "load appointment", func(ctx context.Context) error {
		var err error
		appt, err = s.repo.GetAppointmentByID(ctx, id)
		return err
	})
	return appt, err
}

// withStoreRetry retries reads that fail for reasons other than a domain
// sentinel, then reports ErrStoreUnavailable.
func (s *Service) withStoreRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.cfg.Retry.Attempts-1), retry.NewExponential(s.cfg.Retry.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := s.storeCtx(ctx)
		defer cancel()
		err := fn(callCtx)
		if err == nil || isDomainErr(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err == nil || isDomainErr(err) {
		return err
	}
	return storeErr(op, err)
}

// storeCtx bounds a single store call by CallTimeout. Background fan-out
// runs detached from the request, so this is its only deadline.
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

func participantFor(actor auth.Actor, appt Appointment) (session.Participant, bool) {
	switch {
	case actor.Role == auth.RolePatient && actor.ID == appt.PatientID:
		return session.ParticipantPatient, true
	case actor.Role == auth.RoleDoctor && actor.ID == appt.DoctorID:
		return session.ParticipantDoctor, true
	default:
		return "", false
	}
}

func isDomainErr(err error) bool {
	for _, target := range []error{
		ErrAppointmentNotFound, ErrContactNotFound, ErrSlotConflict, ErrStatusChanged,
		ErrInvalidStatusTransition, ErrTerminalState, ErrInvalidRequest, ErrStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func storeErr(op string, err error) error {
	if isDomainErr(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrSlotConflict):
		return "slot_conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
