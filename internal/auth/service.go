package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"calibra.org/internal/ids"
	"calibra.org/internal/obs"
)

// Service is the session issuer: it verifies credentials, mints tokens and
// records login audit entries. It also owns identity administration so the
// superuser invariant lives in one place.
type Service struct {
	identities IdentityStore
	roles      RoleStore
	audit      AuditStore
	tokens     *TokenCodec
	now        func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the session issuer.
func NewService(identities IdentityStore, roles RoleStore, audit AuditStore, tokens *TokenCodec, opts ...ServiceOption) (*Service, error) {
	if identities == nil || roles == nil || audit == nil {
		return nil, errors.New("identity, role and audit stores are required")
	}
	if tokens == nil {
		return nil, errors.New("token codec is required")
	}
	s := &Service{
		identities: identities,
		roles:      roles,
		audit:      audit,
		tokens:     tokens,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoginResult is returned from Login and Refresh.
type LoginResult struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      IdentitySummary `json:"user"`
}

// Login authenticates an email/password pair. Unknown email, deactivated
// account and password mismatch all fail with ErrInvalidCredentials so the
// response never reveals which field was wrong. Exactly one audit entry is
// written per attempt; lastLoginAt is updated only on success.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	var problems []string
	if email == "" || !strings.Contains(email, "@") {
		problems = append(problems, "email is required")
	}
	if password == "" {
		problems = append(problems, "password is required")
	}
	if len(problems) > 0 {
		return LoginResult{}, &ValidationError{Problems: problems}
	}

	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.recordLoginAttempt(ctx, nil, email, false)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if !identity.Active {
		s.recordLoginAttempt(ctx, identity, email, false)
		return LoginResult{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(identity.PasswordHash, password); err != nil {
		s.recordLoginAttempt(ctx, identity, email, false)
		return LoginResult{}, ErrInvalidCredentials
	}

	roles, err := s.roles.ActiveRolesFor(ctx, identity.ID, s.now())
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.identities.RecordLogin(ctx, identity.ID, s.now().UTC()); err != nil {
		return LoginResult{}, err
	}
	token, expiresAt, err := s.tokens.Sign(identity, roles)
	if err != nil {
		return LoginResult{}, err
	}
	s.recordLoginAttempt(ctx, identity, email, true)
	return LoginResult{Token: token, ExpiresAt: expiresAt, User: Summary(identity, roles)}, nil
}

// Refresh re-reads the identity and mints a fresh token from its current
// role set. A role revoked mid-session takes effect here, not before.
func (s *Service) Refresh(ctx context.Context, identityID string) (LoginResult, error) {
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		return LoginResult{}, err
	}
	if !identity.Active {
		return LoginResult{}, ErrNotFound
	}
	roles, err := s.roles.ActiveRolesFor(ctx, identity.ID, s.now())
	if err != nil {
		return LoginResult{}, err
	}
	token, expiresAt, err := s.tokens.Sign(identity, roles)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: expiresAt, User: Summary(identity, roles)}, nil
}

// Profile returns the caller's identity summary with current roles.
func (s *Service) Profile(ctx context.Context, identityID string) (IdentitySummary, error) {
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		return IdentitySummary{}, err
	}
	if !identity.Active {
		return IdentitySummary{}, ErrNotFound
	}
	roles, err := s.roles.ActiveRolesFor(ctx, identity.ID, s.now())
	if err != nil {
		return IdentitySummary{}, err
	}
	return Summary(identity, roles), nil
}

// ListIdentities returns summaries of every account with current roles.
func (s *Service) ListIdentities(ctx context.Context) ([]IdentitySummary, error) {
	identities, err := s.identities.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]IdentitySummary, 0, len(identities))
	for _, identity := range identities {
		roles, err := s.roles.ActiveRolesFor(ctx, identity.ID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary(identity, roles))
	}
	return out, nil
}

// DeactivateIdentity disables an account. Tokens already issued stay valid
// until expiry; refresh is where the deactivation takes effect.
func (s *Service) DeactivateIdentity(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return validationError("user id is required")
	}
	return s.identities.Deactivate(ctx, id)
}

// ListRoles returns the role catalog.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.roles.List(ctx)
}

// HasSuperusers reports whether any active identity holds a superuser role.
func (s *Service) HasSuperusers(ctx context.Context) (bool, error) {
	return s.identities.HasSuperusers(ctx)
}

// InitialSuperuserInput bootstraps the first superuser account.
type InitialSuperuserInput struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// CreateInitialSuperuser provisions the very first superuser. It is
// forbidden as soon as any superuser exists.
func (s *Service) CreateInitialSuperuser(ctx context.Context, input InitialSuperuserInput) (string, error) {
	var problems []string
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if email == "" || !strings.Contains(email, "@") {
		problems = append(problems, "valid email is required")
	}
	if len(input.Password) < 8 {
		problems = append(problems, "password must be at least 8 characters")
	}
	if strings.TrimSpace(input.FirstName) == "" {
		problems = append(problems, "first_name is required")
	}
	if strings.TrimSpace(input.LastName) == "" {
		problems = append(problems, "last_name is required")
	}
	if len(problems) > 0 {
		return "", &ValidationError{Problems: problems}
	}

	exists, err := s.identities.HasSuperusers(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrForbidden
	}

	superRole, err := s.superuserRole(ctx)
	if err != nil {
		return "", err
	}
	hash, err := HashPassword(input.Password)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	identity := &Identity{
		ID:           ids.New(),
		Email:        email,
		FirstName:    strings.TrimSpace(input.FirstName),
		LastName:     strings.TrimSpace(input.LastName),
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		return "", err
	}
	if err := s.roles.Assign(ctx, RoleAssignment{
		IdentityID: identity.ID,
		RoleID:     superRole.ID,
		AssignedBy: "system",
		AssignedAt: now,
		Active:     true,
	}); err != nil {
		return "", err
	}
	s.append(ctx, &AuditEntry{
		ActorID:          identity.ID,
		ActorEmail:       identity.Email,
		Action:           ActionCreate,
		Category:         "auth",
		EntityType:       "identity",
		EntityID:         identity.ID,
		EntityIdentifier: identity.Email,
		NewValues:        map[string]any{"email": identity.Email, "role": superRole.Name},
		Success:          true,
	})
	return identity.ID, nil
}

// CreateIdentityInput creates a regular account with initial roles.
type CreateIdentityInput struct {
	Email              string
	Password           string
	FirstName          string
	LastName           string
	Department         string
	RoleIDs            []string
	MustChangePassword bool
}

// CreateIdentity provisions an account. Granting a superuser-flagged role
// requires the caller to hold one.
func (s *Service) CreateIdentity(ctx context.Context, caller Principal, input CreateIdentityInput) (IdentitySummary, error) {
	var problems []string
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if email == "" || !strings.Contains(email, "@") {
		problems = append(problems, "valid email is required")
	}
	if len(input.Password) < 8 {
		problems = append(problems, "password must be at least 8 characters")
	}
	if strings.TrimSpace(input.FirstName) == "" {
		problems = append(problems, "first_name is required")
	}
	if strings.TrimSpace(input.LastName) == "" {
		problems = append(problems, "last_name is required")
	}
	if len(problems) > 0 {
		return IdentitySummary{}, &ValidationError{Problems: problems}
	}

	granted := make([]Role, 0, len(input.RoleIDs))
	for _, roleID := range input.RoleIDs {
		role, err := s.roles.Find(ctx, roleID)
		if err != nil {
			return IdentitySummary{}, err
		}
		granted = append(granted, role)
	}
	if err := s.requireSuperuserForGrants(ctx, caller, granted); err != nil {
		return IdentitySummary{}, err
	}

	hash, err := HashPassword(input.Password)
	if err != nil {
		return IdentitySummary{}, err
	}
	now := s.now().UTC()
	identity := &Identity{
		ID:                 ids.New(),
		Email:              email,
		FirstName:          strings.TrimSpace(input.FirstName),
		LastName:           strings.TrimSpace(input.LastName),
		Department:         strings.TrimSpace(input.Department),
		PasswordHash:       hash,
		Active:             true,
		MustChangePassword: input.MustChangePassword,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		return IdentitySummary{}, err
	}
	for _, role := range granted {
		if err := s.roles.Assign(ctx, RoleAssignment{
			IdentityID: identity.ID,
			RoleID:     role.ID,
			AssignedBy: caller.ID,
			AssignedAt: now,
			Active:     true,
		}); err != nil {
			return IdentitySummary{}, err
		}
	}
	return Summary(identity, granted), nil
}

// UpdateIdentityInput mutates profile fields; a non-nil Password is
// re-hashed before storage.
type UpdateIdentityInput struct {
	FirstName          *string
	LastName           *string
	Department         *string
	Active             *bool
	MustChangePassword *bool
	Password           *string
}

// UpdateIdentity applies a partial update.
func (s *Service) UpdateIdentity(ctx context.Context, id string, input UpdateIdentityInput) (*Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, validationError("user id is required")
	}
	upd := IdentityUpdate{
		FirstName:          input.FirstName,
		LastName:           input.LastName,
		Department:         input.Department,
		Active:             input.Active,
		MustChangePassword: input.MustChangePassword,
	}
	if input.Password != nil {
		if len(*input.Password) < 8 {
			return nil, validationError("password must be at least 8 characters")
		}
		hash, err := HashPassword(*input.Password)
		if err != nil {
			return nil, err
		}
		upd.PasswordHash = &hash
	}
	return s.identities.Update(ctx, id, upd)
}

// AssignRole grants a role to an identity, enforcing the superuser rule.
func (s *Service) AssignRole(ctx context.Context, caller Principal, identityID, roleID string, expiresAt *time.Time) (RoleAssignment, error) {
	identityID = strings.TrimSpace(identityID)
	roleID = strings.TrimSpace(roleID)
	if identityID == "" || roleID == "" {
		return RoleAssignment{}, validationError("user id and role_id are required")
	}
	role, err := s.roles.Find(ctx, roleID)
	if err != nil {
		return RoleAssignment{}, err
	}
	if err := s.requireSuperuserForGrants(ctx, caller, []Role{role}); err != nil {
		return RoleAssignment{}, err
	}
	if _, err := s.identities.Find(ctx, identityID); err != nil {
		return RoleAssignment{}, err
	}
	assignment := RoleAssignment{
		IdentityID: identityID,
		RoleID:     role.ID,
		AssignedBy: caller.ID,
		AssignedAt: s.now().UTC(),
		Active:     true,
		ExpiresAt:  expiresAt,
	}
	if err := s.roles.Assign(ctx, assignment); err != nil {
		return RoleAssignment{}, err
	}
	return assignment, nil
}

// UnassignRole revokes a role, enforcing the superuser rule.
func (s *Service) UnassignRole(ctx context.Context, caller Principal, identityID, roleID string) error {
	identityID = strings.TrimSpace(identityID)
	roleID = strings.TrimSpace(roleID)
	if identityID == "" || roleID == "" {
		return validationError("user id and role id are required")
	}
	role, err := s.roles.Find(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.requireSuperuserForGrants(ctx, caller, []Role{role}); err != nil {
		return err
	}
	return s.roles.Unassign(ctx, identityID, roleID)
}

// IsSuperuser resolves whether the caller's token-carried roles include a
// superuser-flagged one per the current role catalog.
func (s *Service) IsSuperuser(ctx context.Context, caller Principal) (bool, error) {
	catalog, err := s.roles.List(ctx)
	if err != nil {
		return false, err
	}
	for _, role := range catalog {
		if role.Superuser && caller.HasRole(role.Name) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) requireSuperuserForGrants(ctx context.Context, caller Principal, roles []Role) error {
	needsSuper := false
	for _, r := range roles {
		if r.Superuser {
			needsSuper = true
			break
		}
	}
	if !needsSuper {
		return nil
	}
	ok, err := s.IsSuperuser(ctx, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Service) superuserRole(ctx context.Context) (Role, error) {
	catalog, err := s.roles.List(ctx)
	if err != nil {
		return Role{}, err
	}
	for _, role := range catalog {
		if role.Superuser {
			return role, nil
		}
	}
	return Role{}, errors.New("role catalog has no superuser role")
}

// recordLoginAttempt writes the single audit entry each login attempt
// produces. A failed write never fails the login; it is logged and dropped.
func (s *Service) recordLoginAttempt(ctx context.Context, identity *Identity, email string, success bool) {
	entry := &AuditEntry{
		ID:               ids.New(),
		OccurredAt:       s.now().UTC(),
		Action:           ActionLoginFailed,
		Category:         "auth",
		EntityType:       "identity",
		EntityIdentifier: email,
		Success:          success,
	}
	if success {
		entry.Action = ActionLogin
	} else {
		entry.ErrorMessage = "invalid credentials"
	}
	if identity != nil {
		entry.ActorID = identity.ID
		entry.ActorEmail = identity.Email
		entry.EntityID = identity.ID
	}
	s.append(ctx, entry)
}

func (s *Service) append(ctx context.Context, entry *AuditEntry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now().UTC()
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		obs.LogError("audit append failed", err)
	}
}
