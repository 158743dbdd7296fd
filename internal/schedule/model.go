package schedule

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusOpen      AppointmentStatus = "open"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// Terminal reports whether no further transition is allowed from s.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// occupyingStatuses are the statuses whose intervals count as booked time.
// Cancelled and no-show rows stay in history but free their interval.
var occupyingStatuses = []AppointmentStatus{StatusOpen, StatusCompleted}

type Role string

const (
	RolePatient      Role = "patient"
	RolePractitioner Role = "practitioner"
	RoleReception    Role = "reception"

	// RoleSystem is used by background jobs (no-show sweep), never by HTTP callers.
	RoleSystem Role = "system"
)

// Actor is the already-authenticated caller. Identity resolution happens
// upstream; the engine only enforces domain preconditions against it.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type Practitioner struct {
	ID          uuid.UUID
	Name        string
	Specialties []string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Unit struct {
	ID        uuid.UUID
	Name      string
	Address   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Affiliation ties a practitioner to a unit and fixes the appointment
// duration they book there.
type Affiliation struct {
	PractitionerID uuid.UUID
	UnitID         uuid.UUID
	SlotMinutes    int
	Active         bool
}

// WorkingInterval is one entry of a weekly working-hour template,
// expressed in minutes from midnight UTC.
type WorkingInterval struct {
	Weekday     time.Weekday
	StartMinute int
	EndMinute   int
}

// Block is a practitioner unavailability window. A nil UnitID covers every
// unit the practitioner works at.
type Block struct {
	ID             uuid.UUID
	PractitionerID uuid.UUID
	UnitID         *uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	Reason         string
	CreatedBy      uuid.UUID
	CreatedAt      time.Time
}

type Appointment struct {
	ID                  uuid.UUID
	PractitionerID      uuid.UUID
	PatientID           uuid.UUID
	UnitID              uuid.UUID
	StartTime           time.Time
	DurationMinutes     int
	Status              AppointmentStatus
	OriginAppointmentID *uuid.UUID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (a *Appointment) EndTime() time.Time {
	return a.StartTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Slot is a derived free interval; never persisted.
type Slot struct {
	PractitionerID uuid.UUID
	UnitID         uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	BlockID       *uuid.UUID
	ActorID       uuid.UUID
	ActorRole     Role
	Payload       []byte
	CreatedAt     time.Time
}
