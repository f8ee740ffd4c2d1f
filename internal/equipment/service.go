package equipment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"calibra.org/internal/ids"
)

// Service defines equipment registry operations.
type Service interface {
	Create(ctx context.Context, e *Equipment) (*Equipment, error)
	Get(ctx context.Context, id string) (*Equipment, error)
	List(ctx context.Context, filter Filter) ([]*Equipment, error)
	Update(ctx context.Context, id string, upd Update) (*Equipment, error)
	Retire(ctx context.Context, id string) error
	Metrics(ctx context.Context) (DashboardMetrics, error)
}

// InMemory implements Service with in-process concurrency safety. Used by
// tests and local development; production runs on the Postgres store.
type InMemory struct {
	mu       sync.RWMutex
	items    map[string]*Equipment
	bySerial map[string]string // serial -> id
	now      func() time.Time
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{
		items:    make(map[string]*Equipment),
		bySerial: make(map[string]string),
		now:      time.Now,
	}
}

func (s *InMemory) Create(ctx context.Context, e *Equipment) (*Equipment, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	serial := strings.TrimSpace(e.SerialNumber)
	if _, exists := s.bySerial[serial]; exists {
		return nil, ErrConflict
	}

	now := s.now().UTC()
	stored := *e
	stored.ID = ids.New()
	stored.SerialNumber = serial
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.items[stored.ID] = &stored
	s.bySerial[serial] = stored.ID

	out := stored
	return &out, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (*Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func (s *InMemory) List(ctx context.Context, filter Filter) ([]*Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var out []*Equipment
	for _, e := range s.items {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Department != "" && e.Department != filter.Department {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(e.Name), search) &&
			!strings.Contains(strings.ToLower(e.SerialNumber), search) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, id string, upd Update) (*Equipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Mutate a copy and commit only after validation, so a rejected update
	// leaves both the item and the serial index untouched.
	e := *stored
	if upd.SerialNumber != nil {
		serial := strings.TrimSpace(*upd.SerialNumber)
		if owner, exists := s.bySerial[serial]; exists && owner != id {
			return nil, ErrConflict
		}
		e.SerialNumber = serial
	}
	if upd.Name != nil {
		e.Name = *upd.Name
	}
	if upd.Manufacturer != nil {
		e.Manufacturer = *upd.Manufacturer
	}
	if upd.Model != nil {
		e.Model = *upd.Model
	}
	if upd.Location != nil {
		e.Location = *upd.Location
	}
	if upd.Department != nil {
		e.Department = *upd.Department
	}
	if upd.Status != nil {
		if !ValidStatus(*upd.Status) {
			return nil, ErrInvalidStatus
		}
		e.Status = *upd.Status
	}
	if upd.LastCalibratedAt != nil {
		e.LastCalibratedAt = upd.LastCalibratedAt
	}
	if upd.NextCalibrationDue != nil {
		e.NextCalibrationDue = upd.NextCalibrationDue
	}
	if upd.Notes != nil {
		e.Notes = *upd.Notes
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	e.UpdatedAt = s.now().UTC()

	if e.SerialNumber != stored.SerialNumber {
		delete(s.bySerial, stored.SerialNumber)
		s.bySerial[e.SerialNumber] = id
	}
	*stored = e

	out := e
	return &out, nil
}

func (s *InMemory) Retire(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusRetired
	e.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemory) Metrics(ctx context.Context) (DashboardMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := DashboardMetrics{ByStatus: make(map[string]int)}
	now := s.now().UTC()
	soon := now.Add(30 * 24 * time.Hour)
	for _, e := range s.items {
		m.Total++
		m.ByStatus[e.Status]++
		if e.Status == StatusRetired || e.NextCalibrationDue == nil {
			continue
		}
		switch {
		case e.NextCalibrationDue.Before(now):
			m.CalibrationOverdue++
		case e.NextCalibrationDue.Before(soon):
			m.CalibrationDueSoon++
		}
	}
	return m, nil
}
