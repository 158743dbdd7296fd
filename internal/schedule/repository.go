package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPractitionerNotFound = errors.New("practitioner not found")
	ErrUnitNotFound         = errors.New("unit not found")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrNoAffiliation        = errors.New("practitioner does not operate at this unit")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrBlockNotFound        = errors.New("block not found")

	// ErrSlotUnavailable covers every write-side conflict: a stale slot, an
	// overlapping committed appointment, a covering block, and calendar lock
	// contention. Callers recover the same way in all cases: re-query
	// availability and retry.
	ErrSlotUnavailable = errors.New("slot is not available")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetUnitByID(ctx context.Context, id uuid.UUID) (*Unit, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetAffiliation(ctx context.Context, practitionerID, unitID uuid.UUID) (*Affiliation, error)
	ListWorkingIntervals(ctx context.Context, practitionerID, unitID uuid.UUID) ([]WorkingInterval, error)

	// Blocks overlapping [from, to). A non-nil unitID narrows to blocks for
	// that unit plus practitioner-wide (nil unit) blocks; nil returns all.
	ListBlocksInRange(ctx context.Context, practitionerID uuid.UUID, unitID *uuid.UUID, from, to time.Time) ([]Block, error)
	CreateBlock(ctx context.Context, b Block) (*Block, error)
	DeleteBlock(ctx context.Context, id uuid.UUID) error

	// Appointments overlapping [from, to) in one of the given statuses.
	ListAppointmentsInRange(ctx context.Context, practitionerID uuid.UUID, unitID *uuid.UUID, from, to time.Time, statuses []AppointmentStatus) ([]Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetFollowUp(ctx context.Context, originID uuid.UUID) (*Appointment, error)
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)

	// Compare-and-swap updates: the row must still be in the `from` status
	// or ErrAppointmentNotFound is returned.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	UpdateAppointmentStart(ctx context.Context, id uuid.UUID, from AppointmentStatus, newStart time.Time) (*Appointment, error)

	// No-show sweep
	ListOpenStartedBefore(ctx context.Context, cutoff time.Time) ([]Appointment, error)

	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	// Audit trail
	InsertEvent(ctx context.Context, ev EventLog) error
}
