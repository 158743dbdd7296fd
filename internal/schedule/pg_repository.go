package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repository uses. Tests substitute
// a pgxmock pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

// Helpers

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Specialties,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPractitionerNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanUnit(row pgx.Row) (*Unit, error) {
	var u Unit

	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Address,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnitNotFound
		}
		return nil, err
	}

	return &u, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanBlock(row pgx.Row) (*Block, error) {
	var b Block
	var unitID *uuid.UUID

	err := row.Scan(
		&b.ID,
		&b.PractitionerID,
		&unitID,
		&b.StartTime,
		&b.EndTime,
		&b.Reason,
		&b.CreatedBy,
		&b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}

	b.UnitID = unitID
	return &b, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var originID *uuid.UUID

	err := row.Scan(
		&a.ID,
		&a.PractitionerID,
		&a.PatientID,
		&a.UnitID,
		&a.StartTime,
		&a.DurationMinutes,
		&a.Status,
		&originID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.OriginAppointmentID = originID
	return &a, nil
}

const appointmentColumns = `id, practitioner_id, patient_id, unit_id, start_time, duration_minutes, status, origin_appointment_id, created_at, updated_at`

// translateConflict maps Postgres exclusion/unique violations on the
// appointments table to domain errors. The gist exclusion constraint is the
// storage-level backstop for the no-overlap invariant.
func translateConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01": // exclusion_violation
			return ErrSlotUnavailable
		case "23505": // unique_violation
			if pgErr.ConstraintName == "appointments_origin_unique" {
				return ErrFollowUpExists
			}
			return ErrSlotUnavailable
		}
	}
	return err
}

// Interface methods

func (r *PgRepository) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialties, active, created_at, updated_at
		FROM practitioners
		WHERE id = $1
	`, id)
	return scanPractitioner(row)
}

func (r *PgRepository) GetUnitByID(ctx context.Context, id uuid.UUID) (*Unit, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, address, created_at, updated_at
		FROM units
		WHERE id = $1
	`, id)
	return scanUnit(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAffiliation(ctx context.Context, practitionerID, unitID uuid.UUID) (*Affiliation, error) {
	var a Affiliation

	row := r.db.QueryRow(ctx, `
		SELECT practitioner_id, unit_id, slot_minutes, active
		FROM practitioner_units
		WHERE practitioner_id = $1 AND unit_id = $2
	`, practitionerID, unitID)

	err := row.Scan(&a.PractitionerID, &a.UnitID, &a.SlotMinutes, &a.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoAffiliation
		}
		return nil, err
	}

	return &a, nil
}

func (r *PgRepository) ListWorkingIntervals(ctx context.Context, practitionerID, unitID uuid.UUID) ([]WorkingInterval, error) {
	rows, err := r.db.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM practitioner_schedules
		WHERE practitioner_id = $1 AND unit_id = $2
		ORDER BY weekday, start_minute
	`, practitionerID, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WorkingInterval
	for rows.Next() {
		var wi WorkingInterval
		var weekday int
		if err := rows.Scan(&weekday, &wi.StartMinute, &wi.EndMinute); err != nil {
			return nil, err
		}
		wi.Weekday = time.Weekday(weekday)
		result = append(result, wi)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ListBlocksInRange(ctx context.Context, practitionerID uuid.UUID, unitID *uuid.UUID, from, to time.Time) ([]Block, error) {
	query := `
		SELECT id, practitioner_id, unit_id, start_time, end_time, reason, created_by, created_at
		FROM blocks
		WHERE practitioner_id = $1
		  AND start_time < $3
		  AND end_time > $2
	`
	args := []any{practitionerID, from, to}
	if unitID != nil {
		query += ` AND (unit_id IS NULL OR unit_id = $4)`
		args = append(args, *unitID)
	}
	query += ` ORDER BY start_time`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CreateBlock(ctx context.Context, b Block) (*Block, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO blocks (id, practitioner_id, unit_id, start_time, end_time, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id, practitioner_id, unit_id, start_time, end_time, reason, created_by, created_at
	`, b.ID, b.PractitionerID, b.UnitID, b.StartTime, b.EndTime, b.Reason, b.CreatedBy)

	return scanBlock(row)
}

func (r *PgRepository) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM blocks
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlockNotFound
	}
	return nil
}

func (r *PgRepository) ListAppointmentsInRange(ctx context.Context, practitionerID uuid.UUID, unitID *uuid.UUID, from, to time.Time, statuses []AppointmentStatus) ([]Appointment, error) {
	states := make([]string, len(statuses))
	for i, st := range statuses {
		states[i] = string(st)
	}

	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE practitioner_id = $1
		  AND start_time < $3
		  AND start_time + make_interval(mins => duration_minutes) > $2
		  AND status = ANY($4)
	`
	args := []any{practitionerID, from, to, states}
	if unitID != nil {
		query += ` AND unit_id = $5`
		args = append(args, *unitID)
	}
	query += ` ORDER BY start_time`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetFollowUp(ctx context.Context, originID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE origin_appointment_id = $1
	`, originID)
	return scanAppointment(row)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, practitioner_id, patient_id, unit_id, start_time, duration_minutes, status, origin_appointment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+appointmentColumns+`
	`, a.ID, a.PractitionerID, a.PatientID, a.UnitID, a.StartTime, a.DurationMinutes, a.Status, a.OriginAppointmentID)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, translateConflict(err)
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointmentStart(ctx context.Context, id uuid.UUID, from AppointmentStatus, newStart time.Time) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, newStart, from)

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, translateConflict(err)
	}
	return updated, nil
}

func (r *PgRepository) ListOpenStartedBefore(ctx context.Context, cutoff time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'open'
		  AND start_time < $1
		ORDER BY start_time
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, block_id, actor_id, actor_role, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, ev.EventType, ev.AppointmentID, ev.BlockID, ev.ActorID, string(ev.ActorRole), ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
