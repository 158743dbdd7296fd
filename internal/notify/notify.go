package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/0t4v14n0/medmais-scheduling/internal/schedule"
)

// LogDispatcher satisfies schedule.Notifier by logging the would-be
// notification. Actual delivery (email/SMS) lives outside this service;
// swapping in a real transport only requires another implementation.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) AppointmentReserved(_ context.Context, appt *schedule.Appointment) {
	d.logger.Info("notify: appointment reserved",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("patient_id", appt.PatientID.String()),
		zap.String("practitioner_id", appt.PractitionerID.String()),
		zap.Time("start_time", appt.StartTime),
	)
}

func (d *LogDispatcher) AppointmentRescheduled(_ context.Context, appt *schedule.Appointment, oldStart time.Time) {
	d.logger.Info("notify: appointment rescheduled",
		zap.String("appointment_id", appt.ID.String()),
		zap.Time("old_start", oldStart),
		zap.Time("new_start", appt.StartTime),
	)
}

func (d *LogDispatcher) AppointmentCancelled(_ context.Context, appt *schedule.Appointment) {
	d.logger.Info("notify: appointment cancelled",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("patient_id", appt.PatientID.String()),
	)
}
