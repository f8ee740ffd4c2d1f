package main

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"calibra.org/internal/auth"
)

// memoryBackend is the DSN-less development store. State lives for the
// lifetime of the process; the role catalog mirrors the seed data.
type memoryBackend struct {
	identities *memIdentityStore
	roles      *memRoleStore
	audit      *memAuditStore
}

func newMemoryBackend() *memoryBackend {
	roles := &memRoleStore{
		catalog: []auth.Role{
			{ID: "role-admin", Name: "admin", DisplayName: "Administrator", Superuser: true},
			{ID: "role-manager", Name: "manager", DisplayName: "Lab Manager"},
			{ID: "role-technician", Name: "technician", DisplayName: "Calibration Technician"},
			{ID: "role-viewer", Name: "viewer", DisplayName: "Read Only"},
			{ID: "role-quality-auditor", Name: "quality_auditor", DisplayName: "Quality Auditor"},
		},
	}
	return &memoryBackend{
		identities: &memIdentityStore{byID: make(map[string]*auth.Identity), roles: roles},
		roles:      roles,
		audit:      &memAuditStore{},
	}
}

type memIdentityStore struct {
	mu    sync.RWMutex
	byID  map[string]*auth.Identity
	roles *memRoleStore
}

func (s *memIdentityStore) Create(ctx context.Context, identity *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if strings.EqualFold(existing.Email, identity.Email) {
			return auth.ErrConflict
		}
	}
	cp := *identity
	s.byID[identity.ID] = &cp
	return nil
}

func (s *memIdentityStore) Find(ctx context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (s *memIdentityStore) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, identity := range s.byID {
		if strings.EqualFold(identity.Email, email) {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *memIdentityStore) List(ctx context.Context) ([]*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*auth.Identity, 0, len(s.byID))
	for _, identity := range s.byID {
		cp := *identity
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memIdentityStore) Update(ctx context.Context, id string, upd auth.IdentityUpdate) (*auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.FirstName != nil {
		identity.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		identity.LastName = *upd.LastName
	}
	if upd.Department != nil {
		identity.Department = *upd.Department
	}
	if upd.Active != nil {
		identity.Active = *upd.Active
	}
	if upd.MustChangePassword != nil {
		identity.MustChangePassword = *upd.MustChangePassword
	}
	if upd.PasswordHash != nil {
		identity.PasswordHash = *upd.PasswordHash
	}
	identity.UpdatedAt = time.Now().UTC()
	cp := *identity
	return &cp, nil
}

func (s *memIdentityStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.Active = false
	identity.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memIdentityStore) RecordLogin(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.LastLoginAt = &at
	return nil
}

func (s *memIdentityStore) HasSuperusers(ctx context.Context) (bool, error) {
	if s.roles == nil {
		return false, nil
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.byID))
	for id, identity := range s.byID {
		if identity.Active {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	now := time.Now().UTC()
	for _, id := range ids {
		roles, err := s.roles.ActiveRolesFor(ctx, id, now)
		if err != nil {
			return false, err
		}
		for _, r := range roles {
			if r.Superuser {
				return true, nil
			}
		}
	}
	return false, nil
}

type memRoleStore struct {
	mu          sync.RWMutex
	catalog     []auth.Role
	assignments []auth.RoleAssignment
}

func (s *memRoleStore) List(ctx context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, len(s.catalog))
	copy(out, s.catalog)
	return out, nil
}

func (s *memRoleStore) Find(ctx context.Context, id string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.catalog {
		if r.ID == id {
			return r, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (s *memRoleStore) ActiveRolesFor(ctx context.Context, identityID string, now time.Time) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for _, a := range s.assignments {
		if a.IdentityID != identityID || !a.Active {
			continue
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			continue
		}
		for _, r := range s.catalog {
			if r.ID == a.RoleID {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *memRoleStore) Assign(ctx context.Context, assignment auth.RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, r := range s.catalog {
		if r.ID == assignment.RoleID {
			found = true
			break
		}
	}
	if !found {
		return auth.ErrNotFound
	}
	for i, a := range s.assignments {
		if a.IdentityID == assignment.IdentityID && a.RoleID == assignment.RoleID {
			s.assignments[i] = assignment
			return nil
		}
	}
	s.assignments = append(s.assignments, assignment)
	return nil
}

func (s *memRoleStore) Unassign(ctx context.Context, identityID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.assignments {
		if a.IdentityID == identityID && a.RoleID == roleID && a.Active {
			s.assignments[i].Active = false
			return nil
		}
	}
	return auth.ErrNotFound
}

type memAuditStore struct {
	mu      sync.RWMutex
	entries []*auth.AuditEntry
}

func (s *memAuditStore) Append(ctx context.Context, entry *auth.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *memAuditStore) List(ctx context.Context, filter auth.AuditFilter) ([]*auth.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*auth.AuditEntry
	for _, e := range s.entries {
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.OccurredAt.After(filter.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*auth.AuditEntry{}, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
