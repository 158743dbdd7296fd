package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0t4v14n0/medmais-scheduling/internal/config"
	"github.com/0t4v14n0/medmais-scheduling/internal/schedule"
)

// 2025-06-02 is a Monday.
var mondayUTC = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

// passLocker serializes nothing; handler tests run requests one at a time.
type passLocker struct{}

func (passLocker) WithCalendarLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// memRepo is a minimal in-memory schedule.Repository for exercising the
// HTTP layer end to end.
type memRepo struct {
	practitioner schedule.Practitioner
	unit         schedule.Unit
	patient      schedule.Patient
	affiliation  schedule.Affiliation
	intervals    []schedule.WorkingInterval
	blocks       map[uuid.UUID]schedule.Block
	appointments map[uuid.UUID]schedule.Appointment
}

func newMemRepo() *memRepo {
	r := &memRepo{
		practitioner: schedule.Practitioner{ID: uuid.New(), Name: "Dr. Prado", Active: true},
		unit:         schedule.Unit{ID: uuid.New(), Name: "Centro"},
		patient:      schedule.Patient{ID: uuid.New(), Name: "Clara"},
		blocks:       make(map[uuid.UUID]schedule.Block),
		appointments: make(map[uuid.UUID]schedule.Appointment),
	}
	r.affiliation = schedule.Affiliation{
		PractitionerID: r.practitioner.ID,
		UnitID:         r.unit.ID,
		SlotMinutes:    30,
		Active:         true,
	}
	r.intervals = []schedule.WorkingInterval{
		{Weekday: time.Monday, StartMinute: 9 * 60, EndMinute: 12 * 60},
	}
	return r
}

func (r *memRepo) GetPractitionerByID(_ context.Context, id uuid.UUID) (*schedule.Practitioner, error) {
	if id != r.practitioner.ID {
		return nil, schedule.ErrPractitionerNotFound
	}
	p := r.practitioner
	return &p, nil
}

func (r *memRepo) GetUnitByID(_ context.Context, id uuid.UUID) (*schedule.Unit, error) {
	if id != r.unit.ID {
		return nil, schedule.ErrUnitNotFound
	}
	u := r.unit
	return &u, nil
}

func (r *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*schedule.Patient, error) {
	if id != r.patient.ID {
		return nil, schedule.ErrPatientNotFound
	}
	p := r.patient
	return &p, nil
}

func (r *memRepo) GetAffiliation(_ context.Context, practitionerID, unitID uuid.UUID) (*schedule.Affiliation, error) {
	if practitionerID != r.practitioner.ID || unitID != r.unit.ID {
		return nil, schedule.ErrNoAffiliation
	}
	a := r.affiliation
	return &a, nil
}

func (r *memRepo) ListWorkingIntervals(_ context.Context, practitionerID, unitID uuid.UUID) ([]schedule.WorkingInterval, error) {
	return append([]schedule.WorkingInterval(nil), r.intervals...), nil
}

func (r *memRepo) ListBlocksInRange(_ context.Context, practitionerID uuid.UUID, unitID *uuid.UUID, from, to time.Time) ([]schedule.Block, error) {
	var out []schedule.Block
	for _, b := range r.blocks {
		if b.PractitionerID == practitionerID && b.StartTime.Before(to) && b.EndTime.After(from) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *memRepo) CreateBlock(_ context.Context, b schedule.Block) (*schedule.Block, error) {
	b.CreatedAt = time.Now()
	r.blocks[b.ID] = b
	return &b, nil
}

func (r *memRepo) DeleteBlock(_ context.Context, id uuid.UUID) error {
	if _, ok := r.blocks[id]; !ok {
		return schedule.ErrBlockNotFound
	}
	delete(r.blocks, id)
	return nil
}

func (r *memRepo) ListAppointmentsInRange(_ context.Context, practitionerID uuid.UUID, unitID *uuid.UUID, from, to time.Time, statuses []schedule.AppointmentStatus) ([]schedule.Appointment, error) {
	wanted := make(map[schedule.AppointmentStatus]bool)
	for _, st := range statuses {
		wanted[st] = true
	}
	var out []schedule.Appointment
	for _, a := range r.appointments {
		if a.PractitionerID == practitionerID && wanted[a.Status] && a.StartTime.Before(to) && a.EndTime().After(from) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*schedule.Appointment, error) {
	a, ok := r.appointments[id]
	if !ok {
		return nil, schedule.ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memRepo) GetFollowUp(_ context.Context, originID uuid.UUID) (*schedule.Appointment, error) {
	for _, a := range r.appointments {
		if a.OriginAppointmentID != nil && *a.OriginAppointmentID == originID {
			return &a, nil
		}
	}
	return nil, schedule.ErrAppointmentNotFound
}

func (r *memRepo) CreateAppointment(_ context.Context, a schedule.Appointment) (*schedule.Appointment, error) {
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *memRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to schedule.AppointmentStatus) (*schedule.Appointment, error) {
	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, schedule.ErrAppointmentNotFound
	}
	a.Status = to
	r.appointments[id] = a
	return &a, nil
}

func (r *memRepo) UpdateAppointmentStart(_ context.Context, id uuid.UUID, from schedule.AppointmentStatus, newStart time.Time) (*schedule.Appointment, error) {
	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, schedule.ErrAppointmentNotFound
	}
	a.StartTime = newStart
	r.appointments[id] = a
	return &a, nil
}

func (r *memRepo) ListOpenStartedBefore(_ context.Context, cutoff time.Time) ([]schedule.Appointment, error) {
	var out []schedule.Appointment
	for _, a := range r.appointments {
		if a.Status == schedule.StatusOpen && a.StartTime.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]schedule.Appointment, error) {
	var out []schedule.Appointment
	for _, a := range r.appointments {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (r *memRepo) InsertEvent(_ context.Context, _ schedule.EventLog) error {
	return nil
}

type apiFixture struct {
	repo    *memRepo
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo := newMemRepo()
	svc := schedule.NewService(repo, passLocker{}, nil, zap.NewNop(), config.Config{
		AvailabilityMaxDays: 60,
		NoShowGrace:         30 * time.Minute,
	})

	handler := NewRouter(RouterConfig{
		Service: svc,
		Logger:  zap.NewNop(),
		Env:     "test",
		Version: "test",
	})

	return &apiFixture{repo: repo, handler: handler}
}

func (f *apiFixture) do(t *testing.T, method, target string, body any, asReception bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, target, &buf)
	if asReception {
		req.Header.Set("X-Actor-ID", uuid.NewString())
		req.Header.Set("X-Actor-Role", "reception")
	}

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Error
}

func TestLivenessEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/health/live", nil, false)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestActorRequired(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/availability", nil, false)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_actor", errorCode(t, rr))

	req := httptest.NewRequest(http.MethodGet, "/availability", nil)
	req.Header.Set("X-Actor-ID", uuid.NewString())
	req.Header.Set("X-Actor-Role", "superuser")
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_actor", errorCode(t, rr))
}

func TestAvailabilityEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	target := fmt.Sprintf("/availability?practitioner_id=%s&unit_id=%s&from=2025-06-02&to=2025-06-02",
		f.repo.practitioner.ID, f.repo.unit.ID)
	rr := f.do(t, http.MethodGet, target, nil, true)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp AvailabilityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Slots, 6)
	assert.Equal(t, mondayUTC.Add(9*time.Hour), resp.Slots[0].StartTime)
	assert.Equal(t, mondayUTC.Add(11*time.Hour+30*time.Minute), resp.Slots[5].StartTime)
}

func TestAvailabilityBadParams(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/availability?practitioner_id=nope&unit_id="+f.repo.unit.ID.String()+"&from=2025-06-02&to=2025-06-02", nil, true)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_practitioner_id", errorCode(t, rr))

	target := fmt.Sprintf("/availability?practitioner_id=%s&unit_id=%s&from=junk&to=2025-06-02",
		f.repo.practitioner.ID, f.repo.unit.ID)
	rr = f.do(t, http.MethodGet, target, nil, true)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_range", errorCode(t, rr))
}

func TestReserveEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	body := ReserveRequest{
		PractitionerID: f.repo.practitioner.ID.String(),
		UnitID:         f.repo.unit.ID.String(),
		PatientID:      f.repo.patient.ID.String(),
		StartTime:      mondayUTC.Add(9 * time.Hour),
	}

	rr := f.do(t, http.MethodPost, "/appointments", body, true)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created AppointmentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "open", created.Status)
	assert.Equal(t, 30, created.DurationMinutes)
	assert.Equal(t, mondayUTC.Add(9*time.Hour+30*time.Minute), created.EndTime)

	// Same slot again conflicts.
	rr = f.do(t, http.MethodPost, "/appointments", body, true)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "slot_unavailable", errorCode(t, rr))
}

func TestReserveValidation(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/appointments", ReserveRequest{
		PractitionerID: "not-a-uuid",
		UnitID:         f.repo.unit.ID.String(),
		PatientID:      f.repo.patient.ID.String(),
		StartTime:      mondayUTC.Add(9 * time.Hour),
	}, true)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation_failed", errorCode(t, rr))
}

func TestAppointmentLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/appointments", ReserveRequest{
		PractitionerID: f.repo.practitioner.ID.String(),
		UnitID:         f.repo.unit.ID.String(),
		PatientID:      f.repo.patient.ID.String(),
		StartTime:      mondayUTC.Add(9 * time.Hour),
	}, true)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created AppointmentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	// Reschedule to a free slot.
	rr = f.do(t, http.MethodPost, "/appointments/"+created.ID.String()+"/reschedule", RescheduleRequest{
		StartTime: mondayUTC.Add(10 * time.Hour),
	}, true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var moved AppointmentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &moved))
	assert.Equal(t, mondayUTC.Add(10*time.Hour), moved.StartTime)

	// Cancel, then a second transition is rejected.
	rr = f.do(t, http.MethodPost, "/appointments/"+created.ID.String()+"/cancel", nil, true)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/appointments/"+created.ID.String()+"/complete", nil, true)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rr))
}

func TestGetAppointmentNotFound(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil, true)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "appointment_not_found", errorCode(t, rr))
}

func TestCompleteForbiddenForPatientActor(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/appointments", ReserveRequest{
		PractitionerID: f.repo.practitioner.ID.String(),
		UnitID:         f.repo.unit.ID.String(),
		PatientID:      f.repo.patient.ID.String(),
		StartTime:      mondayUTC.Add(9 * time.Hour),
	}, true)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created AppointmentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodPost, "/appointments/"+created.ID.String()+"/complete", nil)
	req.Header.Set("X-Actor-ID", f.repo.patient.ID.String())
	req.Header.Set("X-Actor-Role", "patient")
	rr2 := httptest.NewRecorder()
	f.handler.ServeHTTP(rr2, req)

	require.Equal(t, http.StatusForbidden, rr2.Code)
	assert.Equal(t, "forbidden", errorCode(t, rr2))
}

func TestBlockEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/blocks", CreateBlockRequest{
		PractitionerID: f.repo.practitioner.ID.String(),
		StartTime:      mondayUTC.Add(10 * time.Hour),
		EndTime:        mondayUTC.Add(11 * time.Hour),
		Reason:         "staff meeting",
	}, true)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var block BlockResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &block))
	assert.Nil(t, block.UnitID)

	target := fmt.Sprintf("/blocks?practitioner_id=%s&from=2025-06-02&to=2025-06-02", f.repo.practitioner.ID)
	rr = f.do(t, http.MethodGet, target, nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	var blocks []BlockResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &blocks))
	require.Len(t, blocks, 1)
	assert.Equal(t, "staff meeting", blocks[0].Reason)

	rr = f.do(t, http.MethodDelete, "/blocks/"+block.ID.String(), nil, true)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodDelete, "/blocks/"+block.ID.String(), nil, true)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "block_not_found", errorCode(t, rr))
}

func TestCreateBlockConflictEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/appointments", ReserveRequest{
		PractitionerID: f.repo.practitioner.ID.String(),
		UnitID:         f.repo.unit.ID.String(),
		PatientID:      f.repo.patient.ID.String(),
		StartTime:      mondayUTC.Add(9 * time.Hour),
	}, true)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, "/blocks", CreateBlockRequest{
		PractitionerID: f.repo.practitioner.ID.String(),
		StartTime:      mondayUTC.Add(9 * time.Hour),
		EndTime:        mondayUTC.Add(10 * time.Hour),
		Reason:         "late start",
	}, true)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "block_conflicts_with_appointment", errorCode(t, rr))
}

func TestListAppointmentsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	for _, hour := range []int{9, 10} {
		rr := f.do(t, http.MethodPost, "/appointments", ReserveRequest{
			PractitionerID: f.repo.practitioner.ID.String(),
			UnitID:         f.repo.unit.ID.String(),
			PatientID:      f.repo.patient.ID.String(),
			StartTime:      mondayUTC.Add(time.Duration(hour) * time.Hour),
		}, true)
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := f.do(t, http.MethodGet, "/appointments?patient_id="+f.repo.patient.ID.String(), nil, true)
	require.Equal(t, http.StatusOK, rr.Code)
	var appts []AppointmentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &appts))
	require.Len(t, appts, 2)
	assert.Equal(t, mondayUTC.Add(10*time.Hour), appts[0].StartTime)
}
