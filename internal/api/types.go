package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/0t4v14n0/medmais-scheduling/internal/schedule"
)

type ReserveRequest struct {
	PractitionerID      string    `json:"practitioner_id" validate:"required,uuid"`
	UnitID              string    `json:"unit_id" validate:"required,uuid"`
	PatientID           string    `json:"patient_id" validate:"required,uuid"`
	StartTime           time.Time `json:"start_time" validate:"required"`
	OriginAppointmentID *string   `json:"origin_appointment_id,omitempty" validate:"omitempty,uuid"`
}

type RescheduleRequest struct {
	StartTime time.Time `json:"start_time" validate:"required"`
}

type CreateBlockRequest struct {
	PractitionerID string    `json:"practitioner_id" validate:"required,uuid"`
	UnitID         *string   `json:"unit_id,omitempty" validate:"omitempty,uuid"`
	StartTime      time.Time `json:"start_time" validate:"required"`
	EndTime        time.Time `json:"end_time" validate:"required"`
	Reason         string    `json:"reason" validate:"required,max=255"`
}

type SlotResponse struct {
	PractitionerID uuid.UUID `json:"practitioner_id"`
	UnitID         uuid.UUID `json:"unit_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

type AvailabilityResponse struct {
	Slots []SlotResponse `json:"slots"`
}

type AppointmentResponse struct {
	ID                  uuid.UUID  `json:"id"`
	PractitionerID      uuid.UUID  `json:"practitioner_id"`
	PatientID           uuid.UUID  `json:"patient_id"`
	UnitID              uuid.UUID  `json:"unit_id"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             time.Time  `json:"end_time"`
	DurationMinutes     int        `json:"duration_minutes"`
	Status              string     `json:"status"`
	OriginAppointmentID *uuid.UUID `json:"origin_appointment_id,omitempty"`
}

type BlockResponse struct {
	ID             uuid.UUID  `json:"id"`
	PractitionerID uuid.UUID  `json:"practitioner_id"`
	UnitID         *uuid.UUID `json:"unit_id,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	Reason         string     `json:"reason"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *schedule.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                  a.ID,
		PractitionerID:      a.PractitionerID,
		PatientID:           a.PatientID,
		UnitID:              a.UnitID,
		StartTime:           a.StartTime,
		EndTime:             a.EndTime(),
		DurationMinutes:     a.DurationMinutes,
		Status:              string(a.Status),
		OriginAppointmentID: a.OriginAppointmentID,
	}
}

func toBlockResponse(b *schedule.Block) BlockResponse {
	return BlockResponse{
		ID:             b.ID,
		PractitionerID: b.PractitionerID,
		UnitID:         b.UnitID,
		StartTime:      b.StartTime,
		EndTime:        b.EndTime,
		Reason:         b.Reason,
	}
}
