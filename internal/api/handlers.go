package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/0t4v14n0/medmais-scheduling/internal/schedule"
)

var validate = validator.New()

const dateLayout = "2006-01-02"

func availabilityHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		practitionerID, ok := queryUUID(w, r, "practitioner_id")
		if !ok {
			return
		}
		unitID, ok := queryUUID(w, r, "unit_id")
		if !ok {
			return
		}
		from, to, ok := queryDateRange(w, r)
		if !ok {
			return
		}

		slots, err := svc.ComputeSlots(r.Context(), practitionerID, unitID, from, to)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := AvailabilityResponse{Slots: make([]SlotResponse, 0, len(slots))}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, SlotResponse{
				PractitionerID: s.PractitionerID,
				UnitID:         s.UnitID,
				StartTime:      s.StartTime,
				EndTime:        s.EndTime,
			})
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func reserveHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReserveRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		params := schedule.ReserveParams{
			PractitionerID: uuid.MustParse(req.PractitionerID),
			UnitID:         uuid.MustParse(req.UnitID),
			PatientID:      uuid.MustParse(req.PatientID),
			StartTime:      req.StartTime,
		}
		if req.OriginAppointmentID != nil {
			originID := uuid.MustParse(*req.OriginAppointmentID)
			params.OriginAppointmentID = &originID
		}

		appt, err := svc.Reserve(r.Context(), ActorFromContext(r.Context()), params)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), ActorFromContext(r.Context()), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := queryUUID(w, r, "patient_id")
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		appts, err := svc.ListAppointmentsByPatient(r.Context(), ActorFromContext(r.Context()), patientID, limit, offset)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func rescheduleHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		appt, err := svc.Reschedule(r.Context(), ActorFromContext(r.Context()), id, req.StartTime)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Cancel(r.Context(), ActorFromContext(r.Context()), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Complete(r.Context(), ActorFromContext(r.Context()), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func noShowHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.MarkNoShow(r.Context(), ActorFromContext(r.Context()), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func createBlockHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBlockRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		params := schedule.BlockParams{
			PractitionerID: uuid.MustParse(req.PractitionerID),
			StartTime:      req.StartTime,
			EndTime:        req.EndTime,
			Reason:         req.Reason,
		}
		if req.UnitID != nil {
			unitID := uuid.MustParse(*req.UnitID)
			params.UnitID = &unitID
		}

		block, err := svc.CreateBlock(r.Context(), ActorFromContext(r.Context()), params)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toBlockResponse(block))
	}
}

func listBlocksHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		practitionerID, ok := queryUUID(w, r, "practitioner_id")
		if !ok {
			return
		}
		from, to, ok := queryDateRange(w, r)
		if !ok {
			return
		}

		blocks, err := svc.ListBlocks(r.Context(), practitionerID, from, to)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]BlockResponse, 0, len(blocks))
		for i := range blocks {
			resp = append(resp, toBlockResponse(&blocks[i]))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func deleteBlockHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		if err := svc.DeleteBlock(r.Context(), ActorFromContext(r.Context()), id); err != nil {
			handleDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// Request helpers

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.URL.Query().Get(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryDateRange parses from/to as UTC dates (YYYY-MM-DD).
func queryDateRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	from, err := time.ParseInLocation(dateLayout, r.URL.Query().Get("from"), time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", "from must be a date in YYYY-MM-DD form")
		return time.Time{}, time.Time{}, false
	}
	to, err := time.ParseInLocation(dateLayout, r.URL.Query().Get("to"), time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", "to must be a date in YYYY-MM-DD form")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schedule.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, schedule.ErrPractitionerNotFound):
		writeError(w, http.StatusNotFound, "practitioner_not_found", err.Error())
	case errors.Is(err, schedule.ErrUnitNotFound):
		writeError(w, http.StatusNotFound, "unit_not_found", err.Error())
	case errors.Is(err, schedule.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, schedule.ErrNoAffiliation):
		writeError(w, http.StatusUnprocessableEntity, "no_affiliation", err.Error())
	case errors.Is(err, schedule.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, schedule.ErrBlockNotFound):
		writeError(w, http.StatusNotFound, "block_not_found", err.Error())
	case errors.Is(err, schedule.ErrSlotUnavailable):
		// The one error clients auto-recover from: re-query availability.
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, schedule.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, schedule.ErrBlockConflict):
		writeError(w, http.StatusConflict, "block_conflicts_with_appointment", err.Error())
	case errors.Is(err, schedule.ErrFollowUpExists):
		writeError(w, http.StatusConflict, "follow_up_exists", err.Error())
	case errors.Is(err, schedule.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
