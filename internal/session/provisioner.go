package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/logging"
	"github.com/hackgods/telehealth-booking/internal/metrics"
	redisclient "github.com/hackgods/telehealth-booking/internal/redis"
)

type ProvisionerConfig struct {
	GraceBuffer      time.Duration // join-early / leave-late tolerance around the slot
	Attempts         int
	BaseDelay        time.Duration
	CallTimeout      time.Duration
	LockWait         time.Duration // how long to wait on another process provisioning the same appointment
	EnableRecording  bool
	EnableChat       bool
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

func (c *ProvisionerConfig) setDefaults() {
	if c.Attempts < 1 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 3 * c.CallTimeout
	}
	if c.GraceBuffer < 0 {
		c.GraceBuffer = 0
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// Provisioner creates, reuses and releases video sessions. It never touches
// appointment state; callers apply its outcomes.
type Provisioner struct {
	provider VideoProvider
	store    Store
	locker   redisclient.Locker
	breaker  *gobreaker.CircuitBreaker[any]
	cfg      ProvisionerConfig
	metrics  *metrics.BookingMetrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewProvisioner(provider VideoProvider, store Store, locker redisclient.Locker, cfg ProvisionerConfig, m *metrics.BookingMetrics, logger *zap.Logger) *Provisioner {
	cfg.setDefaults()
	logger = logging.OrNop(logger)

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "video-provider",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		// a rejected room config says nothing about provider health
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Provisioner{
		provider: provider,
		store:    store,
		locker:   locker,
		breaker:  breaker,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Provision returns the live session for the appointment, creating the room
// and participant tokens if none exists. Transient provider failures are
// retried with exponential backoff; the final error is a *ProvisioningError.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (Session, error) {
	start := p.now()
	if err := req.validate(); err != nil {
		p.metrics.ObserveProvisioning("invalid", time.Since(start))
		return Session{}, &ProvisioningError{Err: err}
	}

	if sess, ok := p.existing(ctx, req.AppointmentID); ok {
		p.metrics.ObserveProvisioning("reused", time.Since(start))
		return sess, nil
	}

	var (
		result   Session
		room     *Room
		attempts int
		lastErr  error
	)

	backoff := retry.WithMaxRetries(uint64(p.cfg.Attempts-1), retry.NewExponential(p.cfg.BaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		sess, err := p.attempt(ctx, req, &room)
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			sess, err = p.awaitHolder(ctx, req, &room)
		}
		if err == nil {
			result = sess
			return nil
		}
		lastErr = err
		if isPermanent(err) {
			return err
		}
		p.logger.Warn("provisioning attempt failed",
			zap.String("appointment_id", req.AppointmentID.String()),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return retry.RetryableError(err)
	})
	if err == nil {
		p.metrics.ObserveProvisioning("ok", time.Since(start))
		return result, nil
	}

	if lastErr == nil {
		lastErr = err
	}
	if room != nil {
		p.deleteRoom(context.WithoutCancel(ctx), room.ID)
	}

	perr := &ProvisioningError{Transient: !isPermanent(lastErr), Attempts: attempts, Err: lastErr}
	outcome := "permanent_failure"
	if perr.Transient {
		outcome = "transient_failure"
	}
	p.metrics.ObserveProvisioning(outcome, time.Since(start))
	p.logger.Error("provisioning gave up",
		zap.String("appointment_id", req.AppointmentID.String()),
		zap.Bool("transient", perr.Transient),
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	return Session{}, perr
}

// attempt runs one provisioning pass under the per-appointment lock. A room
// created by an earlier pass is reused so retries do not orphan rooms.
func (p *Provisioner) attempt(ctx context.Context, req ProvisionRequest, room **Room) (Session, error) {
	var out Session
	err := p.locker.WithLock(ctx, redisclient.SessionKey(req.AppointmentID), func(ctx context.Context) error {
		if sess, ok := p.existing(ctx, req.AppointmentID); ok {
			out = sess
			return nil
		}

		notBefore := req.ScheduledAt.Add(-p.cfg.GraceBuffer)
		expiresAt := req.ScheduledAt.Add(req.Duration + p.cfg.GraceBuffer)

		if *room == nil {
			created, err := p.call(ctx, func(ctx context.Context) (any, error) {
				return p.provider.CreateRoom(ctx, RoomConfig{
					Name:            roomName(req.AppointmentID),
					NotBefore:       notBefore,
					ExpiresAt:       expiresAt,
					Private:         true,
					EnableRecording: p.cfg.EnableRecording,
					EnableChat:      p.cfg.EnableChat,
					MaxParticipants: 2,
				})
			})
			if err != nil {
				return fmt.Errorf("create room: %w", err)
			}
			r := created.(Room)
			*room = &r
		}

		tokens := make(map[Participant]string, 2)
		for _, participant := range []Participant{ParticipantPatient, ParticipantDoctor} {
			tok, err := p.call(ctx, func(ctx context.Context) (any, error) {
				return p.provider.CreateToken(ctx, (*room).ID, participant, expiresAt)
			})
			if err != nil {
				return fmt.Errorf("mint %s token: %w", participant, err)
			}
			tokens[participant] = tok.(string)
		}

		sess := Session{
			AppointmentID: req.AppointmentID,
			RoomID:        (*room).ID,
			JoinURL:       (*room).JoinURL,
			Tokens:        tokens,
			ExpiresAt:     expiresAt,
		}
		if err := p.store.Save(ctx, sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

// awaitHolder waits while another process holds the session lock for the
// same appointment. It returns that process's session once stored, or runs
// its own pass if the lock is freed without one.
func (p *Provisioner) awaitHolder(ctx context.Context, req ProvisionRequest, room **Room) (Session, error) {
	p.logger.Debug("session lock held elsewhere, waiting",
		zap.String("appointment_id", req.AppointmentID.String()))

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.LockWait)
	defer cancel()
	ticker := time.NewTicker(p.cfg.BaseDelay)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			return Session{}, fmt.Errorf("session lock still held after %s: %w", p.cfg.LockWait, waitCtx.Err())
		case <-ticker.C:
		}

		if sess, ok := p.existing(ctx, req.AppointmentID); ok {
			return sess, nil
		}
		sess, err := p.attempt(ctx, req, room)
		if !errors.Is(err, redisclient.ErrLockNotAcquired) {
			return sess, err
		}
	}
}

// Lookup returns the live session for an appointment.
func (p *Provisioner) Lookup(ctx context.Context, appointmentID uuid.UUID) (Session, error) {
	sess, err := p.store.Get(ctx, appointmentID)
	if err != nil {
		return Session{}, err
	}
	if !sess.Live(p.now()) {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Release drops the stored session and deletes its room. Missing sessions are not an error.
func (p *Provisioner) Release(ctx context.Context, appointmentID uuid.UUID) error {
	sess, err := p.store.Get(ctx, appointmentID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var errs []error
	if _, err := p.call(ctx, func(ctx context.Context) (any, error) {
		return nil, p.provider.DeleteRoom(ctx, sess.RoomID)
	}); err != nil {
		errs = append(errs, fmt.Errorf("delete room %s: %w", sess.RoomID, err))
	}
	if err := p.store.Delete(ctx, appointmentID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Provisioner) existing(ctx context.Context, appointmentID uuid.UUID) (Session, bool) {
	sess, err := p.store.Get(ctx, appointmentID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			p.logger.Warn("session lookup failed", zap.String("appointment_id", appointmentID.String()), zap.Error(err))
		}
		return Session{}, false
	}
	return sess, sess.Live(p.now())
}

func (p *Provisioner) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return p.breaker.Execute(func() (any, error) {
		return fn(callCtx)
	})
}

func (p *Provisioner) deleteRoom(ctx context.Context, roomID string) {
	if _, err := p.call(ctx, func(ctx context.Context) (any, error) {
		return nil, p.provider.DeleteRoom(ctx, roomID)
	}); err != nil {
		p.logger.Warn("failed to delete abandoned room", zap.String("room_id", roomID), zap.Error(err))
	}
}

func roomName(appointmentID uuid.UUID) string {
	return "appt-" + appointmentID.String()
}

func isPermanent(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && !perr.Transient()
}
