package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/notify"
	"github.com/hackgods/telehealth-booking/internal/session"
)

const (
	EventAppointmentRequested   = "APPOINTMENT_REQUESTED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentProvisioned = "APPOINTMENT_PROVISIONED"
	EventAppointmentNotified    = "APPOINTMENT_NOTIFIED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentFailed      = "APPOINTMENT_FAILED"
	EventNotificationSent       = "NOTIFICATION_SENT"
	EventNotificationFailed     = "NOTIFICATION_FAILED"
	EventSessionReleaseFailed   = "SESSION_RELEASE_FAILED"
)

var statusEvents = map[Status]string{
	StatusConfirmed:   EventAppointmentConfirmed,
	StatusProvisioned: EventAppointmentProvisioned,
	StatusNotified:    EventAppointmentNotified,
	StatusCancelled:   EventAppointmentCancelled,
	StatusFailed:      EventAppointmentFailed,
}

// transition applies one conditional status write and records it.
func (s *Service) transition(ctx context.Context, appt *Appointment, to Status, roomRef *string) (*Appointment, error) {
	if !canTransition(appt.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, appt.Status, to)
	}
	if to.HoldsRoom() != (roomRef != nil) {
		return nil, fmt.Errorf("%w: room ref must be set exactly for provisioned and notified", ErrInvalidStatusTransition)
	}

	writeCtx, cancel := s.storeCtx(ctx)
	updated, err := s.repo.UpdateStatus(writeCtx, appt.ID, appt.Status, to, roomRef)
	cancel()
	if err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, err
		}
		return nil, storeErr("update status", err)
	}

	s.metrics.ObserveTransition(string(appt.Status), string(to))
	payload := map[string]any{
		"from": appt.Status,
		"to":   to,
	}
	if roomRef != nil {
		payload["room_ref"] = *roomRef
	}
	s.logEvent(ctx, updated.ID, statusEvents[to], payload)

	return updated, nil
}

// applyAsync applies an outcome reported by the provisioner or dispatcher.
// It never moves an appointment out of a terminal state: ErrTerminalState
// means the outcome arrived too late and was dropped.
func (s *Service) applyAsync(ctx context.Context, id uuid.UUID, from, to Status, roomRef *string) (*Appointment, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, ErrTerminalState
	}
	if current.Status != from {
		return nil, fmt.Errorf("%w: now %s", ErrStatusChanged, current.Status)
	}
	if to.HoldsRoom() && roomRef == nil {
		roomRef = current.RoomRef
	}

	updated, err := s.transition(ctx, current, to, roomRef)
	if errors.Is(err, ErrStatusChanged) {
		if latest, lerr := s.load(ctx, id); lerr == nil && latest.Status.Terminal() {
			return nil, ErrTerminalState
		}
	}
	return updated, err
}

// startFanout runs provisioning and the notification sends for a Confirmed
// appointment in the background. It reports false if a fan-out for the same
// appointment is already running in this process.
func (s *Service) startFanout(ctx context.Context, appt Appointment) bool {
	return s.startBackground(ctx, appt.ID, func(bg context.Context) {
		s.orchestrate(bg, appt)
	})
}

func (s *Service) startBackground(ctx context.Context, id uuid.UUID, fn func(ctx context.Context)) bool {
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		return false
	}

	bg := context.WithoutCancel(ctx)
	s.spawn(func() {
		defer s.inflight.Delete(id)
		s.metrics.FanoutStarted()
		defer s.metrics.FanoutDone()

		fn(bg)
	})
	return true
}

func (s *Service) orchestrate(ctx context.Context, appt Appointment) {
	log := s.logger.With(zap.String("appointment_id", appt.ID.String()))

	sess, err := s.provisioner.Provision(ctx, session.ProvisionRequest{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		DoctorID:      appt.DoctorID,
		ScheduledAt:   appt.ScheduledAt,
		Duration:      appt.Duration(),
	})
	if err != nil {
		log.Error("provisioning failed", zap.Error(err))
		failed, terr := s.applyAsync(ctx, appt.ID, StatusConfirmed, StatusFailed, nil)
		if terr != nil {
			log.Info("provisioning failure not applied", zap.Error(terr))
			return
		}
		s.notifyEvent(ctx, *failed, notify.EventFailed, failureReason(err), nil, nil)
		return
	}

	roomRef := sess.RoomID
	provisioned, err := s.applyAsync(ctx, appt.ID, StatusConfirmed, StatusProvisioned, &roomRef)
	if err != nil {
		log.Info("provisioned session not applied", zap.Error(err))
		if errors.Is(err, ErrTerminalState) {
			// cancelled while the room was being built
			s.releaseSession(ctx, appt.ID)
		}
		return
	}

	s.notifyConfirmed(ctx, *provisioned, nil)
}

// notifyConfirmed sends the confirmation notices and moves the appointment to
// Notified on the first one delivered.
func (s *Service) notifyConfirmed(ctx context.Context, appt Appointment, want func(notify.Channel, notify.Recipient) bool) {
	var once sync.Once
	s.notifyEvent(ctx, appt, notify.EventConfirmed, "", want, func() {
		once.Do(func() {
			if _, err := s.applyAsync(ctx, appt.ID, StatusProvisioned, StatusNotified, nil); err != nil {
				s.logger.Debug("notified transition not applied",
					zap.String("appointment_id", appt.ID.String()), zap.Error(err))
			}
		})
	})
}

type sendKey struct {
	channel   notify.Channel
	recipient notify.Recipient
}

// resumeNotify finishes a Provisioned appointment whose confirmation fan-out
// stopped early. If a notice was already delivered only the Notified write is
// missing. Otherwise sends with no receipt, or stuck Pending since before
// cutoff, are issued again; Failed sends already used their retries.
func (s *Service) resumeNotify(ctx context.Context, appt Appointment, cutoff time.Time) bool {
	log := s.logger.With(zap.String("appointment_id", appt.ID.String()))

	var receipts []Receipt
	err := s.withStoreRetry(ctx, "list receipts", func(ctx context.Context) error {
		var err error
		receipts, err = s.repo.ListReceipts(ctx, appt.ID)
		return err
	})
	if err != nil {
		log.Warn("failed to load receipts of stalled appointment", zap.Error(err))
		return false
	}

	settled := make(map[sendKey]bool)
	for _, rc := range receipts {
		if rc.Event != notify.EventConfirmed {
			continue
		}
		if rc.Status == notify.StatusSent {
			if _, err := s.applyAsync(ctx, appt.ID, StatusProvisioned, StatusNotified, nil); err != nil {
				log.Info("notified transition not applied", zap.Error(err))
				return false
			}
			return true
		}
		if rc.Status == notify.StatusFailed || rc.UpdatedAt.After(cutoff) {
			settled[sendKey{rc.Channel, rc.Recipient}] = true
		}
	}
	if len(settled) == len(notify.Channels)*2 {
		return false
	}

	return s.startBackground(ctx, appt.ID, func(bg context.Context) {
		log.Info("resuming confirmation notices", zap.Int("settled", len(settled)))
		s.notifyConfirmed(bg, appt, func(c notify.Channel, r notify.Recipient) bool {
			return !settled[sendKey{c, r}]
		})
	})
}

func (s *Service) afterCancel(ctx context.Context, appt Appointment) {
	bg := context.WithoutCancel(ctx)
	s.spawn(func() {
		s.releaseSession(bg, appt.ID)
		s.notifyEvent(bg, appt, notify.EventCancelled, "", nil, nil)
	})
}

func (s *Service) releaseSession(ctx context.Context, id uuid.UUID) {
	if err := s.provisioner.Release(ctx, id); err != nil {
		s.logger.Warn("failed to release session", zap.String("appointment_id", id.String()), zap.Error(err))
		s.logEvent(ctx, id, EventSessionReleaseFailed, map[string]any{"error": err.Error()})
	}
}

// notifyEvent issues the four (channel, recipient) sends for an event, or the
// subset want accepts. Each send runs on its own and records its own receipt;
// nothing waits for all of them. onSent, if set, runs after every successful send.
func (s *Service) notifyEvent(ctx context.Context, appt Appointment, event notify.Event, reason string,
	want func(notify.Channel, notify.Recipient) bool, onSent func()) {
	patient := s.contact(ctx, appt.PatientID)
	doctor := s.contact(ctx, appt.DoctorID)

	parties := []struct {
		who         notify.Recipient
		self, other notify.Contact
	}{
		{notify.RecipientPatient, patient, doctor},
		{notify.RecipientDoctor, doctor, patient},
	}

	for _, party := range parties {
		data := notify.Data{
			AppointmentID:   appt.ID.String(),
			RecipientName:   party.self.Name,
			CounterpartName: party.other.Name,
			ScheduledAt:     appt.ScheduledAt,
			DurationMinutes: appt.DurationMinutes,
			StatusURL:       s.statusURL(appt.ID),
			Reason:          reason,
		}
		for _, channel := range notify.Channels {
			if want != nil && !want(channel, party.who) {
				continue
			}
			req := notify.Request{
				AppointmentID: appt.ID,
				Event:         event,
				Channel:       channel,
				Recipient:     party.who,
				Contact:       party.self,
				Data:          data,
			}
			s.recordReceipt(ctx, req, notify.Outcome{Status: notify.StatusPending})

			s.spawn(func() {
				out := s.notifier.Notify(ctx, req)
				s.recordReceipt(ctx, req, out)
				if out.Status == notify.StatusSent && onSent != nil {
					onSent()
				}
			})
		}
	}
}

func (s *Service) recordReceipt(ctx context.Context, req notify.Request, out notify.Outcome) {
	rc := Receipt{
		AppointmentID: req.AppointmentID,
		Event:         req.Event,
		Channel:       req.Channel,
		Recipient:     req.Recipient,
		Status:        out.Status,
		Reason:        out.Reason,
		Attempts:      out.Attempts,
	}
	writeCtx, cancel := s.storeCtx(ctx)
	err := s.repo.UpsertReceipt(writeCtx, rc)
	cancel()
	if err != nil {
		s.logger.Error("failed to record receipt",
			zap.String("appointment_id", req.AppointmentID.String()),
			zap.String("event", string(req.Event)),
			zap.String("channel", string(req.Channel)),
			zap.String("recipient", string(req.Recipient)),
			zap.Error(err),
		)
	}

	if out.Status == notify.StatusPending {
		return
	}
	eventType := EventNotificationSent
	if out.Status == notify.StatusFailed {
		eventType = EventNotificationFailed
	}
	s.logEvent(ctx, req.AppointmentID, eventType, map[string]any{
		"event":     req.Event,
		"channel":   req.Channel,
		"recipient": req.Recipient,
		"attempts":  out.Attempts,
		"reason":    out.Reason,
	})
}

// contact returns an empty contact when none is on file; the dispatcher then
// records the missing address as the failure reason.
func (s *Service) contact(ctx context.Context, id uuid.UUID) notify.Contact {
	var c *Contact
	err := s.withStoreRetry(ctx, "load contact", func(ctx context.Context) error {
		var err error
		c, err = s.repo.GetContact(ctx, id)
		return err
	})
	if err != nil {
		s.logger.Warn("contact unavailable", zap.String("contact_id", id.String()), zap.Error(err))
		return notify.Contact{}
	}
	return notify.Contact{Name: c.Name, Email: c.Email, Phone: c.Phone}
}

func (s *Service) statusURL(id uuid.UUID) string {
	if s.cfg.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/appointments/" + id.String()
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func failureReason(err error) string {
	var perr *session.ProvisioningError
	if errors.As(err, &perr) && perr.Transient {
		return "the video service was unavailable"
	}
	return "the video room could not be created"
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	writeCtx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.repo.InsertEvent(writeCtx, ev); err != nil {
		s.logger.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}
