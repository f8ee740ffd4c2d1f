package httpapi

import (
	"net/http"
	"strings"
	"time"

	"calibra.org/internal/auth"
	"calibra.org/internal/equipment"
)

type equipmentRequest struct {
	Name               string     `json:"name"`
	SerialNumber       string     `json:"serial_number"`
	Manufacturer       string     `json:"manufacturer"`
	Model              string     `json:"model"`
	Location           string     `json:"location"`
	Department         string     `json:"department"`
	Status             string     `json:"status"`
	LastCalibratedAt   *time.Time `json:"last_calibrated_at"`
	NextCalibrationDue *time.Time `json:"next_calibration_due"`
	Notes              string     `json:"notes"`
}

type updateEquipmentRequest struct {
	Name               *string    `json:"name"`
	SerialNumber       *string    `json:"serial_number"`
	Manufacturer       *string    `json:"manufacturer"`
	Model              *string    `json:"model"`
	Location           *string    `json:"location"`
	Department         *string    `json:"department"`
	Status             *string    `json:"status"`
	LastCalibratedAt   *time.Time `json:"last_calibrated_at"`
	NextCalibrationDue *time.Time `json:"next_calibration_due"`
	Notes              *string    `json:"notes"`
}

// Roles allowed to register and edit equipment. Retiring is narrower.
var (
	equipmentWriteRoles  = []string{"admin", "manager", "technician"}
	equipmentRetireRoles = []string{"admin", "manager"}
)

func (a *API) handleEquipmentCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listEquipment(w, r)
	case http.MethodPost:
		a.createEquipment(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listEquipment(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireReadAccess(w, r, auth.ScopeEquipment); !ok {
		return
	}
	q := r.URL.Query()
	if status := q.Get("status"); status != "" && !equipment.ValidStatus(status) {
		writeError(w, r, http.StatusBadRequest, "status must be one of active, under_maintenance, retired")
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.equipment.List(r.Context(), equipment.Filter{
		Status:     q.Get("status"),
		Department: q.Get("department"),
		Search:     q.Get("search"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		handleEquipmentError(w, r, err)
		return
	}
	if items == nil {
		items = []*equipment.Equipment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"equipment": items,
	})
}

func (a *API) createEquipment(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoles(w, r, equipmentWriteRoles...)
	if !ok {
		return
	}
	var req equipmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.equipment.Create(r.Context(), &equipment.Equipment{
		Name:               req.Name,
		SerialNumber:       req.SerialNumber,
		Manufacturer:       req.Manufacturer,
		Model:              req.Model,
		Location:           req.Location,
		Department:         req.Department,
		Status:             req.Status,
		LastCalibratedAt:   req.LastCalibratedAt,
		NextCalibrationDue: req.NextCalibrationDue,
		Notes:              req.Notes,
		CreatedBy:          p.ID,
	})
	if err != nil {
		handleEquipmentError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/equipment/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleEquipmentItem(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/equipment/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.requireReadAccess(w, r, auth.ScopeEquipment); !ok {
			return
		}
		item, err := a.equipment.Get(r.Context(), id)
		if err != nil {
			handleEquipmentError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodPut:
		if _, ok := a.requireRoles(w, r, equipmentWriteRoles...); !ok {
			return
		}
		var req updateEquipmentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := a.equipment.Update(r.Context(), id, equipment.Update{
			Name:               req.Name,
			SerialNumber:       req.SerialNumber,
			Manufacturer:       req.Manufacturer,
			Model:              req.Model,
			Location:           req.Location,
			Department:         req.Department,
			Status:             req.Status,
			LastCalibratedAt:   req.LastCalibratedAt,
			NextCalibrationDue: req.NextCalibrationDue,
			Notes:              req.Notes,
		})
		if err != nil {
			handleEquipmentError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if _, ok := a.requireRoles(w, r, equipmentRetireRoles...); !ok {
			return
		}
		if err := a.equipment.Retire(r.Context(), id); err != nil {
			handleEquipmentError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireReadAccess(w, r, auth.ScopeEquipment); !ok {
		return
	}
	metrics, err := a.equipment.Metrics(r.Context())
	if err != nil {
		handleEquipmentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}
