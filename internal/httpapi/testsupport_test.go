package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"calibra.org/internal/audit"
	"calibra.org/internal/auth"
	"calibra.org/internal/equipment"
	"calibra.org/internal/ids"
)

// In-memory store implementations shared by the handler tests.

type fakeIdentities struct {
	mu    sync.Mutex
	byID  map[string]*auth.Identity
	roles *fakeRoles
}

func newFakeIdentities(roles *fakeRoles) *fakeIdentities {
	return &fakeIdentities{byID: make(map[string]*auth.Identity), roles: roles}
}

func (f *fakeIdentities) Create(ctx context.Context, identity *auth.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.Email == identity.Email {
			return auth.ErrConflict
		}
	}
	cp := *identity
	f.byID[identity.ID] = &cp
	return nil
}

func (f *fakeIdentities) Find(ctx context.Context, id string) (*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (f *fakeIdentities) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.byID {
		if identity.Email == email {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f *fakeIdentities) List(ctx context.Context) ([]*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*auth.Identity, 0, len(f.byID))
	for _, identity := range f.byID {
		cp := *identity
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeIdentities) Update(ctx context.Context, id string, upd auth.IdentityUpdate) (*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
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
	cp := *identity
	return &cp, nil
}

func (f *fakeIdentities) Deactivate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.Active = false
	return nil
}

func (f *fakeIdentities) RecordLogin(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.LastLoginAt = &at
	return nil
}

func (f *fakeIdentities) HasSuperusers(ctx context.Context) (bool, error) {
	f.mu.Lock()
	active := make(map[string]bool, len(f.byID))
	for id, identity := range f.byID {
		active[id] = identity.Active
	}
	f.mu.Unlock()

	superRoles := make(map[string]bool)
	for _, role := range f.roles.catalog {
		if role.Superuser {
			superRoles[role.ID] = true
		}
	}
	f.roles.mu.Lock()
	defer f.roles.mu.Unlock()
	for _, a := range f.roles.assignments {
		if a.Active && superRoles[a.RoleID] && active[a.IdentityID] {
			return true, nil
		}
	}
	return false, nil
}

type fakeRoles struct {
	mu          sync.Mutex
	catalog     []auth.Role
	assignments []auth.RoleAssignment
}

func (f *fakeRoles) List(ctx context.Context) ([]auth.Role, error) {
	out := make([]auth.Role, len(f.catalog))
	copy(out, f.catalog)
	return out, nil
}

func (f *fakeRoles) Find(ctx context.Context, id string) (auth.Role, error) {
	for _, role := range f.catalog {
		if role.ID == id {
			return role, nil
		}
	}
	return auth.Role{}, auth.ErrNotFound
}

func (f *fakeRoles) ActiveRolesFor(ctx context.Context, identityID string, now time.Time) ([]auth.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []auth.Role
	for _, a := range f.assignments {
		if a.IdentityID != identityID || !a.Active {
			continue
		}
		if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			continue
		}
		for _, role := range f.catalog {
			if role.ID == a.RoleID {
				out = append(out, role)
			}
		}
	}
	return out, nil
}

func (f *fakeRoles) Assign(ctx context.Context, assignment auth.RoleAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments = append(f.assignments, assignment)
	return nil
}

func (f *fakeRoles) Unassign(ctx context.Context, identityID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.assignments {
		if a.IdentityID == identityID && a.RoleID == roleID && a.Active {
			f.assignments[i].Active = false
			return nil
		}
	}
	return auth.ErrNotFound
}

type fakeAuditLog struct {
	mu      sync.Mutex
	entries []*auth.AuditEntry
}

func (f *fakeAuditLog) Append(ctx context.Context, entry *auth.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *entry
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeAuditLog) List(ctx context.Context, filter auth.AuditFilter) ([]*auth.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*auth.AuditEntry
	for _, e := range f.entries {
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeAuditLog) snapshot() []*auth.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*auth.AuditEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *fakeAuditLog) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = nil
}

// apiFixture is a running server over in-memory stores plus the seams the
// tests assert against.

type apiFixture struct {
	t          *testing.T
	baseURL    string
	client     *http.Client
	identities *fakeIdentities
	roles      *fakeRoles
	auditLog   *fakeAuditLog
	recorder   *audit.Recorder
	service    *auth.Service
	auditors   *auth.AuditorCodec
}

func newTestAPI(t *testing.T) *apiFixture {
	t.Helper()

	roles := &fakeRoles{catalog: []auth.Role{
		{ID: "role-admin", Name: "admin", DisplayName: "Administrator", Superuser: true},
		{ID: "role-manager", Name: "manager", DisplayName: "Manager"},
		{ID: "role-technician", Name: "technician", DisplayName: "Technician"},
		{ID: "role-viewer", Name: "viewer", DisplayName: "Viewer"},
		{ID: "role-quality-auditor", Name: "quality_auditor", DisplayName: "Quality Auditor"},
	}}
	identities := newFakeIdentities(roles)
	auditLog := &fakeAuditLog{}

	sessions, err := auth.NewTokenCodec("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	auditors, err := auth.NewAuditorCodec("auditor-secret", 4*time.Hour)
	if err != nil {
		t.Fatalf("NewAuditorCodec: %v", err)
	}
	service, err := auth.NewService(identities, roles, auditLog, sessions)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	recorder := audit.NewRecorder(auditLog)

	api := New(Options{
		Version:       "test",
		Auth:          service,
		Sessions:      sessions,
		AuditorTokens: auditors,
		Equipment:     equipment.NewInMemory(),
		AuditLog:      auditLog,
		Recorder:      recorder,
		RateBurst:     1000,
		RatePerSec:    1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{
		t:          t,
		baseURL:    srv.URL,
		client:     srv.Client(),
		identities: identities,
		roles:      roles,
		auditLog:   auditLog,
		recorder:   recorder,
		service:    service,
		auditors:   auditors,
	}
}

func (f *apiFixture) seedUser(email, password string, roleIDs ...string) *auth.Identity {
	f.t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		f.t.Fatalf("HashPassword: %v", err)
	}
	identity := &auth.Identity{
		ID:           ids.New(),
		Email:        email,
		FirstName:    "Test",
		LastName:     "User",
		PasswordHash: hash,
		Active:       true,
	}
	if err := f.identities.Create(context.Background(), identity); err != nil {
		f.t.Fatalf("Create: %v", err)
	}
	for _, roleID := range roleIDs {
		if err := f.roles.Assign(context.Background(), auth.RoleAssignment{
			IdentityID: identity.ID,
			RoleID:     roleID,
			AssignedBy: "system",
			AssignedAt: time.Now().UTC(),
			Active:     true,
		}); err != nil {
			f.t.Fatalf("Assign: %v", err)
		}
	}
	return identity
}

// login seeds nothing; the account must already exist.
func (f *apiFixture) login(email, password string) string {
	f.t.Helper()
	resp := f.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.t.Fatalf("login failed with status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		f.t.Fatalf("decode login response: %v", err)
	}
	f.auditLog.reset()
	return body.Token
}

func (f *apiFixture) mintAuditorToken(scopes ...string) string {
	f.t.Helper()
	token, _, err := f.auditors.Sign("acme-audit", scopes, 0)
	if err != nil {
		f.t.Fatalf("Sign auditor token: %v", err)
	}
	return token
}

func (f *apiFixture) do(method, path string, body any, headers map[string]string) *http.Response {
	f.t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.baseURL+path, payload)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		f.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (f *apiFixture) get(path string, params url.Values, headers map[string]string) *http.Response {
	f.t.Helper()
	if params != nil {
		path = path + "?" + params.Encode()
	}
	return f.do(http.MethodGet, path, nil, headers)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func auditorHeader(token string) map[string]string {
	return map[string]string{"Authorization": "AuditorToken " + token}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	return body.Error
}
