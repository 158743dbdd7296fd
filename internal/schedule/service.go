package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0t4v14n0/medmais-scheduling/internal/config"
	redisclient "github.com/0t4v14n0/medmais-scheduling/internal/redis"
)

const (
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled   = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentCancelledLate = "APPOINTMENT_CANCELLED_LATE"
	EventAppointmentCompleted     = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow        = "APPOINTMENT_NO_SHOW"
	EventBlockCreated             = "BLOCK_CREATED"
	EventBlockDeleted             = "BLOCK_DELETED"
)

var (
	ErrInvalidRange      = errors.New("invalid date range")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBlockConflict     = errors.New("block overlaps a booked appointment")
	ErrFollowUpExists    = errors.New("origin appointment already has a follow-up")
	ErrForbidden         = errors.New("actor may not perform this operation")
)

// Notifier is invoked after a successful mutation. Delivery is someone
// else's problem; implementations must never fail the booking.
type Notifier interface {
	AppointmentReserved(ctx context.Context, appt *Appointment)
	AppointmentRescheduled(ctx context.Context, appt *Appointment, oldStart time.Time)
	AppointmentCancelled(ctx context.Context, appt *Appointment)
}

type nopNotifier struct{}

func (nopNotifier) AppointmentReserved(context.Context, *Appointment)                {}
func (nopNotifier) AppointmentRescheduled(context.Context, *Appointment, time.Time) {}
func (nopNotifier) AppointmentCancelled(context.Context, *Appointment)              {}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	notifier Notifier
	logger   *zap.Logger
	cfg      config.Config
	now      func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, notifier Notifier, logger *zap.Logger, cfg config.Config) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

type ReserveParams struct {
	PractitionerID      uuid.UUID
	UnitID              uuid.UUID
	PatientID           uuid.UUID
	StartTime           time.Time
	OriginAppointmentID *uuid.UUID
}

type BlockParams struct {
	PractitionerID uuid.UUID
	UnitID         *uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	Reason         string
}

// ComputeSlots derives the free slots for a practitioner at a unit between
// fromDay and toDay (inclusive UTC dates). An empty result is not an error.
func (s *Service) ComputeSlots(ctx context.Context, practitionerID, unitID uuid.UUID, fromDay, toDay time.Time) ([]Slot, error) {
	from, to, err := s.rangeWindow(fromDay, toDay)
	if err != nil {
		return nil, err
	}

	aff, err := s.resolveCalendar(ctx, practitionerID, unitID)
	if err != nil {
		return nil, err
	}

	tmpl, err := s.repo.ListWorkingIntervals(ctx, practitionerID, unitID)
	if err != nil {
		return nil, fmt.Errorf("load working intervals: %w", err)
	}
	blocks, err := s.repo.ListBlocksInRange(ctx, practitionerID, &unitID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	appts, err := s.repo.ListAppointmentsInRange(ctx, practitionerID, &unitID, from, to, occupyingStatuses)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}

	return slotsForRange(aff, tmpl, blocks, appts, from, to), nil
}

// Reserve books a slot for a patient. The slot is re-derived from schedule,
// blocks, and committed appointments inside the calendar lock, so a stale
// availability query can never double-book.
func (s *Service) Reserve(ctx context.Context, actor Actor, params ReserveParams) (*Appointment, error) {
	if actor.Role == RolePatient && actor.ID != params.PatientID {
		return nil, ErrForbidden
	}

	if _, err := s.repo.GetPatientByID(ctx, params.PatientID); err != nil {
		return nil, err
	}
	aff, err := s.resolveCalendar(ctx, params.PractitionerID, params.UnitID)
	if err != nil {
		return nil, err
	}

	start := params.StartTime.UTC()

	if params.OriginAppointmentID != nil {
		origin, err := s.repo.GetAppointmentByID(ctx, *params.OriginAppointmentID)
		if err != nil {
			return nil, err
		}
		if origin.PatientID != params.PatientID {
			return nil, ErrForbidden
		}
		if !origin.Status.Terminal() {
			return nil, ErrInvalidTransition
		}
	}

	var created *Appointment

	err = s.locker.WithCalendarLock(ctx, params.PractitionerID, func(lockCtx context.Context) error {
		ok, err := s.slotExists(lockCtx, aff, start, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSlotUnavailable
		}

		if params.OriginAppointmentID != nil {
			// Re-checked inside the critical section; a unique index backs this up.
			_, err := s.repo.GetFollowUp(lockCtx, *params.OriginAppointmentID)
			if err == nil {
				return ErrFollowUpExists
			}
			if !errors.Is(err, ErrAppointmentNotFound) {
				return fmt.Errorf("check follow-up: %w", err)
			}
		}

		appt := Appointment{
			ID:                  uuid.New(),
			PractitionerID:      params.PractitionerID,
			PatientID:           params.PatientID,
			UnitID:              params.UnitID,
			StartTime:           start,
			DurationMinutes:     aff.SlotMinutes,
			Status:              StatusOpen,
			OriginAppointmentID: params.OriginAppointmentID,
		}
		created, err = s.repo.CreateAppointment(lockCtx, appt)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"practitioner_id": params.PractitionerID.String(),
			"unit_id":         params.UnitID.String(),
			"patient_id":      params.PatientID.String(),
			"start_time":      start,
		}
		if params.OriginAppointmentID != nil {
			payload["origin_appointment_id"] = params.OriginAppointmentID.String()
		}
		s.logEvent(lockCtx, actor, EventAppointmentCreated, &created.ID, nil, payload)

		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	s.notifier.AppointmentReserved(ctx, created)

	return created, nil
}

// Reschedule moves an open appointment to a new start. If the target slot
// is unavailable the stored row is untouched.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, newStart time.Time) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RolePatient && actor.ID != appt.PatientID {
		return nil, ErrForbidden
	}
	if appt.Status != StatusOpen {
		return nil, ErrInvalidTransition
	}

	aff, err := s.resolveCalendar(ctx, appt.PractitionerID, appt.UnitID)
	if err != nil {
		return nil, err
	}

	target := newStart.UTC()
	var (
		updated  *Appointment
		oldStart time.Time
	)

	err = s.locker.WithCalendarLock(ctx, appt.PractitionerID, func(lockCtx context.Context) error {
		cur, err := s.repo.GetAppointmentByID(lockCtx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusOpen {
			return ErrInvalidTransition
		}
		oldStart = cur.StartTime

		// The appointment being moved does not occupy its own old slot.
		ok, err := s.slotExists(lockCtx, aff, target, &cur.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSlotUnavailable
		}

		updated, err = s.repo.UpdateAppointmentStart(lockCtx, id, StatusOpen, target)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				// Lost a CAS race with a status transition.
				return ErrInvalidTransition
			}
			return err
		}

		s.logEvent(lockCtx, actor, EventAppointmentRescheduled, &updated.ID, nil, map[string]any{
			"old_start": oldStart,
			"new_start": target,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	s.notifier.AppointmentRescheduled(ctx, updated, oldStart)

	return updated, nil
}

// Cancel transitions an open appointment to cancelled. Idempotent when
// already cancelled; any other terminal status is rejected. Cancelling an
// appointment whose start has elapsed succeeds but is audited distinctly.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RolePatient && actor.ID != appt.PatientID {
		return nil, ErrForbidden
	}
	if appt.Status == StatusCancelled {
		return appt, nil
	}
	if appt.Status != StatusOpen {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, StatusOpen, StatusCancelled)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Raced with another transition; re-read to keep cancel idempotent.
			cur, curErr := s.repo.GetAppointmentByID(ctx, id)
			if curErr == nil && cur.Status == StatusCancelled {
				return cur, nil
			}
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	eventType := EventAppointmentCancelled
	if s.now().After(appt.StartTime) {
		eventType = EventAppointmentCancelledLate
	}
	s.logEvent(ctx, actor, eventType, &updated.ID, nil, map[string]any{
		"scheduled_start": appt.StartTime,
	})

	s.notifier.AppointmentCancelled(ctx, updated)

	return updated, nil
}

// Complete records that the consultation happened. Not reversible.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	if actor.Role == RolePatient {
		return nil, ErrForbidden
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusOpen {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, StatusOpen, StatusCompleted)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("complete appointment: %w", err)
	}

	s.logEvent(ctx, actor, EventAppointmentCompleted, &updated.ID, nil, map[string]any{})

	return updated, nil
}

// MarkNoShow records that the patient never arrived. The scheduled start
// must have elapsed.
func (s *Service) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	if actor.Role == RolePatient {
		return nil, ErrForbidden
	}

	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusOpen {
		return nil, ErrInvalidTransition
	}
	if !s.now().After(appt.StartTime) {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, StatusOpen, StatusNoShow)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("mark no-show: %w", err)
	}

	s.logEvent(ctx, actor, EventAppointmentNoShow, &updated.ID, nil, map[string]any{
		"reason": "manual",
	})

	return updated, nil
}

// SweepNoShows marks every open appointment whose start elapsed beyond the
// grace window as no_show. Intended to be called periodically by the worker.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.NoShowGrace)

	candidates, err := s.repo.ListOpenStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find elapsed open appointments: %w", err)
	}

	swept := 0
	for _, appt := range candidates {
		_, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusOpen, StatusNoShow)
		if err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.logger.Warn("failed to sweep appointment",
					zap.String("appointment_id", appt.ID.String()),
					zap.Error(err))
			}
			continue
		}
		swept++
		s.logEvent(ctx, Actor{Role: RoleSystem}, EventAppointmentNoShow, &appt.ID, nil, map[string]any{
			"reason": "sweep",
		})
	}

	return swept, nil
}

// CreateBlock registers an unavailability window. It fails if any open
// appointment overlaps the window; blocking never orphans a booked patient.
func (s *Service) CreateBlock(ctx context.Context, actor Actor, params BlockParams) (*Block, error) {
	if actor.Role == RolePatient {
		return nil, ErrForbidden
	}
	if actor.Role == RolePractitioner && actor.ID != params.PractitionerID {
		return nil, ErrForbidden
	}
	if !params.EndTime.After(params.StartTime) {
		return nil, ErrInvalidRange
	}

	practitioner, err := s.repo.GetPractitionerByID(ctx, params.PractitionerID)
	if err != nil {
		return nil, err
	}
	if !practitioner.Active {
		return nil, ErrPractitionerNotFound
	}
	if params.UnitID != nil {
		if _, err := s.repo.GetUnitByID(ctx, *params.UnitID); err != nil {
			return nil, err
		}
		if _, err := s.repo.GetAffiliation(ctx, params.PractitionerID, *params.UnitID); err != nil {
			return nil, err
		}
	}

	start := params.StartTime.UTC()
	end := params.EndTime.UTC()

	var created *Block

	err = s.locker.WithCalendarLock(ctx, params.PractitionerID, func(lockCtx context.Context) error {
		appts, err := s.repo.ListAppointmentsInRange(lockCtx, params.PractitionerID, params.UnitID, start, end, []AppointmentStatus{StatusOpen})
		if err != nil {
			return fmt.Errorf("check booked appointments: %w", err)
		}
		if len(appts) > 0 {
			return ErrBlockConflict
		}

		b := Block{
			ID:             uuid.New(),
			PractitionerID: params.PractitionerID,
			UnitID:         params.UnitID,
			StartTime:      start,
			EndTime:        end,
			Reason:         params.Reason,
			CreatedBy:      actor.ID,
		}
		created, err = s.repo.CreateBlock(lockCtx, b)
		if err != nil {
			return fmt.Errorf("create block: %w", err)
		}

		s.logEvent(lockCtx, actor, EventBlockCreated, nil, &created.ID, map[string]any{
			"start_time": start,
			"end_time":   end,
			"reason":     params.Reason,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrBlockConflict
		}
		return nil, err
	}

	return created, nil
}

// DeleteBlock removes a block unconditionally.
func (s *Service) DeleteBlock(ctx context.Context, actor Actor, id uuid.UUID) error {
	if actor.Role == RolePatient {
		return ErrForbidden
	}

	if err := s.repo.DeleteBlock(ctx, id); err != nil {
		return err
	}

	s.logEvent(ctx, actor, EventBlockDeleted, nil, &id, map[string]any{})

	return nil
}

// ListBlocks returns the practitioner's blocks overlapping the date range,
// ordered by start time.
func (s *Service) ListBlocks(ctx context.Context, practitionerID uuid.UUID, fromDay, toDay time.Time) ([]Block, error) {
	from, to, err := s.rangeWindow(fromDay, toDay)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPractitionerByID(ctx, practitionerID); err != nil {
		return nil, err
	}
	return s.repo.ListBlocksInRange(ctx, practitionerID, nil, from, to)
}

func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RolePatient && actor.ID != appt.PatientID {
		return nil, ErrForbidden
	}
	return appt, nil
}

func (s *Service) ListAppointmentsByPatient(ctx context.Context, actor Actor, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if actor.Role == RolePatient && actor.ID != patientID {
		return nil, ErrForbidden
	}

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
}

// resolveCalendar validates practitioner, unit, and their affiliation.
func (s *Service) resolveCalendar(ctx context.Context, practitionerID, unitID uuid.UUID) (*Affiliation, error) {
	practitioner, err := s.repo.GetPractitionerByID(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	if !practitioner.Active {
		return nil, ErrPractitionerNotFound
	}
	if _, err := s.repo.GetUnitByID(ctx, unitID); err != nil {
		return nil, err
	}
	aff, err := s.repo.GetAffiliation(ctx, practitionerID, unitID)
	if err != nil {
		return nil, err
	}
	if !aff.Active {
		return nil, ErrNoAffiliation
	}
	return aff, nil
}

// slotExists re-derives the slots for the day containing start and checks
// that start is one of them. excludeAppt drops that appointment from the
// busy set (used when it is the one being moved).
func (s *Service) slotExists(ctx context.Context, aff *Affiliation, start time.Time, excludeAppt *uuid.UUID) (bool, error) {
	dayStart := startOfDayUTC(start)
	dayEnd := dayStart.AddDate(0, 0, 1)

	tmpl, err := s.repo.ListWorkingIntervals(ctx, aff.PractitionerID, aff.UnitID)
	if err != nil {
		return false, fmt.Errorf("load working intervals: %w", err)
	}
	blocks, err := s.repo.ListBlocksInRange(ctx, aff.PractitionerID, &aff.UnitID, dayStart, dayEnd)
	if err != nil {
		return false, fmt.Errorf("load blocks: %w", err)
	}
	appts, err := s.repo.ListAppointmentsInRange(ctx, aff.PractitionerID, &aff.UnitID, dayStart, dayEnd, occupyingStatuses)
	if err != nil {
		return false, fmt.Errorf("load appointments: %w", err)
	}
	if excludeAppt != nil {
		kept := appts[:0]
		for _, a := range appts {
			if a.ID != *excludeAppt {
				kept = append(kept, a)
			}
		}
		appts = kept
	}

	for _, slot := range slotsForRange(aff, tmpl, blocks, appts, dayStart, dayEnd) {
		if slot.StartTime.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}

// rangeWindow turns an inclusive UTC date range into a [from, to) window
// and enforces the configured maximum span.
func (s *Service) rangeWindow(fromDay, toDay time.Time) (time.Time, time.Time, error) {
	from := startOfDayUTC(fromDay)
	toStart := startOfDayUTC(toDay)
	if toStart.Before(from) {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}

	days := int(toStart.Sub(from)/(24*time.Hour)) + 1
	if days > s.cfg.AvailabilityMaxDays {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}

	return from, toStart.AddDate(0, 0, 1), nil
}

func (s *Service) logEvent(ctx context.Context, actor Actor, eventType string, appointmentID, blockID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload",
			zap.String("event_type", eventType),
			zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		BlockID:       blockID,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
