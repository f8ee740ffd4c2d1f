package equipment

import (
	"errors"
	"strings"
	"time"
)

// Equipment statuses.
const (
	StatusActive           = "active"
	StatusUnderMaintenance = "under_maintenance"
	StatusRetired          = "retired"
)

// Equipment is a calibrated instrument tracked by the registry.
type Equipment struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	SerialNumber       string     `json:"serial_number"`
	Manufacturer       string     `json:"manufacturer,omitempty"`
	Model              string     `json:"model,omitempty"`
	Location           string     `json:"location"`
	Department         string     `json:"department,omitempty"`
	Status             string     `json:"status"`
	LastCalibratedAt   *time.Time `json:"last_calibrated_at,omitempty"`
	NextCalibrationDue *time.Time `json:"next_calibration_due,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	CreatedBy          string     `json:"created_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Update carries a partial mutation; nil fields are left untouched.
type Update struct {
	Name               *string
	SerialNumber       *string
	Manufacturer       *string
	Model              *string
	Location           *string
	Department         *string
	Status             *string
	LastCalibratedAt   *time.Time
	NextCalibrationDue *time.Time
	Notes              *string
}

// Filter narrows List results.
type Filter struct {
	Status     string
	Department string
	Search     string
	Limit      int
	Offset     int
}

// DashboardMetrics summarizes the registry for the dashboard endpoint.
type DashboardMetrics struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	CalibrationDueSoon int            `json:"calibration_due_soon"`
	CalibrationOverdue int            `json:"calibration_overdue"`
}

var (
	ErrNotFound      = errors.New("equipment: not found")
	ErrConflict      = errors.New("equipment: serial number already registered")
	ErrInvalidStatus = errors.New("equipment: invalid status")
)

// ValidationError reports all problems with an input at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "equipment: invalid input: " + strings.Join(e.Problems, "; ")
}

// ValidStatus reports whether s is one of the known statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusActive, StatusUnderMaintenance, StatusRetired:
		return true
	}
	return false
}

// Validate checks required fields and reports every problem at once.
func Validate(e *Equipment) error {
	var problems []string
	if strings.TrimSpace(e.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(e.SerialNumber) == "" {
		problems = append(problems, "serial_number is required")
	}
	if strings.TrimSpace(e.Location) == "" {
		problems = append(problems, "location is required")
	}
	if e.Status != "" && !ValidStatus(e.Status) {
		problems = append(problems, "status must be one of active, under_maintenance, retired")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
